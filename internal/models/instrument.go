package models

import "gorm.io/gorm"

// Instrument describes a tradable symbol and its contract terms.
// Contract size is class specific (100000 for most FX pairs, 1 for
// indices/metals/crypto) and is always resolved from this table,
// never inferred from the symbol.
type Instrument struct {
	gorm.Model
	Symbol       string  `gorm:"uniqueIndex"`
	ContractSize float64 `gorm:"not null"`
	Leverage     float64 `gorm:"not null"`
	Enabled      bool    `gorm:"default:true"`
}
