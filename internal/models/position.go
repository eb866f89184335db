package models

import (
	"time"

	"gorm.io/gorm"
)

// Side of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionPartial PositionStatus = "PARTIAL"
	PositionClosed  PositionStatus = "CLOSED"
)

// Position is a single trade owned by a wallet or challenge account.
// Positions are never deleted; closing marks them CLOSED and stamps
// the realized P&L so the audit trail survives liquidation.
type Position struct {
	gorm.Model
	PositionID     string         `gorm:"uniqueIndex" json:"position_id"`
	AccountID      string         `gorm:"index" json:"account_id"`
	AccountKind    AccountKind    `gorm:"index" json:"account_kind"`
	Symbol         string         `json:"symbol"`
	Side           Side           `json:"side"`
	Volume         float64        `json:"volume"`
	ClosedVolume   float64        `json:"closed_volume"`
	EntryPrice     float64        `json:"entry_price"`
	Status         PositionStatus `gorm:"index" json:"status"`
	MarginReserved float64        `json:"margin_reserved"`
	RealizedPnL    float64        `gorm:"column:realized_pnl" json:"realized_pnl"`
	ClosePrice     float64        `json:"close_price,omitempty"`
	CloseReason    string         `json:"close_reason,omitempty"`
	OpenedAt       time.Time      `json:"opened_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}

// AccountKind distinguishes the two account families sharing the
// valuation math.
type AccountKind string

const (
	KindWallet    AccountKind = "WALLET"
	KindChallenge AccountKind = "CHALLENGE"
)

// RemainingVolume is the still-open portion of the position.
func (p *Position) RemainingVolume() float64 {
	return p.Volume - p.ClosedVolume
}

// IsOpen reports whether any volume remains open.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen || p.Status == PositionPartial
}
