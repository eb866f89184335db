package models

import (
	"time"

	"gorm.io/gorm"
)

// PayoutStatus is the lifecycle state of a payout request.
type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "PENDING"
	PayoutApproved PayoutStatus = "APPROVED"
	PayoutRejected PayoutStatus = "REJECTED"
	PayoutPaid     PayoutStatus = "PAID"
)

// PayoutRecord is an immutable payout request. Amounts never change
// after creation; only the status and processed timestamp move.
type PayoutRecord struct {
	gorm.Model
	PayoutID        string       `gorm:"uniqueIndex" json:"payout_id"`
	AccountID       string       `gorm:"index" json:"account_id"`
	RequestedAmount float64      `json:"requested_amount"`
	ProfitSplitPct  float64      `json:"profit_split_pct"`
	PayoutAmount    float64      `json:"payout_amount"`
	Status          PayoutStatus `gorm:"index" json:"status"`
	RequestedAt     time.Time    `json:"requested_at"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
}
