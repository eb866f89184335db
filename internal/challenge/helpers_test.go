package challenge

import (
	"fmt"
	"testing"
	"time"

	"riskengine/internal/config"
	"riskengine/internal/models"
	"riskengine/internal/notify"
	"riskengine/internal/quotes"
	"riskengine/internal/risk"
	"riskengine/internal/valuation"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubQuotes serves fixed quotes; missing symbols fail closed.
type stubQuotes struct {
	bySymbol map[string]quotes.Quote
}

func (s *stubQuotes) GetQuote(symbol string) (quotes.Quote, error) {
	q, ok := s.bySymbol[symbol]
	if !ok {
		return quotes.Quote{}, fmt.Errorf("%w: %s", quotes.ErrQuoteUnavailable, symbol)
	}
	return q, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Challenge: config.Challenge{
			InactivityDays: 30,
			Scaling: config.Scaling{
				PayoutsRequired:   3,
				ProfitRequiredPct: 10,
				IncreasePct:       25,
				MaxScalePct:       100,
			},
		},
		Payouts: []config.PayoutOption{
			{Name: "standard", ProfitSplitPct: 80, Frequency: FrequencyBiWeekly, MinPayoutPct: 1},
			{Name: "premium", ProfitSplitPct: 90, Frequency: FrequencyOnDemand, MinPayoutPct: 1, RequireConsistency: true, ConsistencyThreshold: 60},
		},
	}
}

// setupEngine creates an engine over an in-memory database and a stub
// quote source.
func setupEngine(t *testing.T) (*gorm.DB, *Engine, *stubQuotes) {
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(
		&models.WalletAccount{},
		&models.ChallengeAccount{},
		&models.PhaseProgress{},
		&models.Position{},
		&models.PayoutRecord{},
	)
	assert.NoError(t, err)

	valuator := valuation.NewValuator([]models.Instrument{
		{Symbol: "EURUSD", ContractSize: 100000, Leverage: 100, Enabled: true},
		{Symbol: "US500", ContractSize: 1, Leverage: 50, Enabled: true},
	})

	src := &stubQuotes{bySymbol: make(map[string]quotes.Quote)}
	notifier := notify.New(&config.Notify{}, zap.NewNop())
	engine := NewEngine(db, valuator, src, notifier, zap.NewNop(), risk.NewAccountLocks(), testConfig())

	return db, engine, src
}

// seedChallenge inserts a challenge account with sane derived fields.
func seedChallenge(db *gorm.DB, accountID string, initial, balance float64, status models.ChallengeStatus) *models.ChallengeAccount {
	account := &models.ChallengeAccount{
		AccountID:       accountID,
		InitialBalance:  initial,
		CurrentBalance:  balance,
		CurrentEquity:   balance,
		HighWaterMark:   initial,
		MaxDailyLossPct: 0,
		MaxTotalLossPct: 10,
		PayoutOption:    "standard",
		Status:          status,
		LastActivityAt:  time.Now().UTC(),
	}
	if balance > initial {
		account.HighWaterMark = balance
	}
	db.Create(account)
	return account
}

func seedPhase(db *gorm.DB, accountID string, index int, targetPct float64, minDays int, periodDays int, status models.PhaseStatus, started *time.Time) *models.PhaseProgress {
	phase := &models.PhaseProgress{
		AccountID:         accountID,
		PhaseIndex:        index,
		ProfitTargetPct:   targetPct,
		MinTradingDays:    minDays,
		TradingPeriodDays: periodDays,
		Status:            status,
		StartedAt:         started,
	}
	db.Create(phase)
	return phase
}

func seedChallengePosition(db *gorm.DB, accountID, positionID, symbol string, side models.Side, volume, entry, margin float64) *models.Position {
	p := &models.Position{
		PositionID:     positionID,
		AccountID:      accountID,
		AccountKind:    models.KindChallenge,
		Symbol:         symbol,
		Side:           side,
		Volume:         volume,
		EntryPrice:     entry,
		MarginReserved: margin,
		Status:         models.PositionOpen,
		OpenedAt:       time.Now().UTC(),
	}
	db.Create(p)
	return p
}
