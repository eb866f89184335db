package database

import (
	"fmt"

	"riskengine/internal/config"
	"riskengine/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the database, migrates the schema and seeds the
// instrument table from the configuration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db, cfg); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the schema and populates static data.
// Account and position tables are never dropped: closed positions are
// the audit trail.
func Migrate(db *gorm.DB, cfg *config.Config) error {
	err := db.AutoMigrate(
		&models.Instrument{},
		&models.Position{},
		&models.WalletAccount{},
		&models.ChallengeAccount{},
		&models.PhaseProgress{},
		&models.PayoutRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	// Populate the instrument table from the config
	for _, spec := range cfg.Instruments {
		leverage := spec.Leverage
		if leverage == 0 {
			leverage = cfg.Risk.DefaultLeverage
		}
		inst := models.Instrument{
			Symbol:       spec.Symbol,
			ContractSize: spec.ContractSize,
			Leverage:     leverage,
			Enabled:      true,
		}
		if err := db.FirstOrCreate(&inst, models.Instrument{Symbol: spec.Symbol}).Error; err != nil {
			return fmt.Errorf("failed to seed instrument '%s': %w", spec.Symbol, err)
		}
	}

	return nil
}
