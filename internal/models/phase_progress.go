package models

import (
	"time"

	"gorm.io/gorm"
)

// PhaseStatus is the lifecycle state of a single evaluation phase.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "PENDING"
	PhaseActive  PhaseStatus = "ACTIVE"
	PhasePassed  PhaseStatus = "PASSED"
	PhaseFailed  PhaseStatus = "FAILED"
)

// PhaseProgress records one phase of a challenge. Phases complete
// strictly in index order and at most one is ACTIVE per account.
type PhaseProgress struct {
	gorm.Model
	AccountID         string      `gorm:"index:idx_account_phase,unique" json:"account_id"`
	PhaseIndex        int         `gorm:"index:idx_account_phase,unique" json:"phase_index"`
	ProfitTargetPct   float64     `json:"profit_target_pct"`
	ProfitAchievedPct float64     `json:"profit_achieved_pct"`
	TradingDays       int         `json:"trading_days"`
	MinTradingDays    int         `json:"min_trading_days"`
	TradingPeriodDays int         `json:"trading_period_days,omitempty"`
	Status            PhaseStatus `json:"status"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	EndedAt           *time.Time  `json:"ended_at,omitempty"`
}
