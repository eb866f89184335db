package models

import "gorm.io/gorm"

// WalletAccount is a retail margin account. Balance is realized cash;
// equity, margin, free margin and margin level are derived and must be
// recomputed from live quotes before any solvency decision.
type WalletAccount struct {
	gorm.Model
	AccountID   string  `gorm:"uniqueIndex" json:"account_id"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
}
