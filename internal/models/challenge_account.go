package models

import (
	"time"

	"gorm.io/gorm"
)

// ChallengeStatus is the lifecycle state of an evaluation account.
type ChallengeStatus string

const (
	ChallengeEvaluation ChallengeStatus = "EVALUATION"
	ChallengeFunded     ChallengeStatus = "FUNDED"
	ChallengeBreached   ChallengeStatus = "BREACHED"
	ChallengeExpired    ChallengeStatus = "EXPIRED"
	ChallengePassed     ChallengeStatus = "PASSED"
)

// Terminal reports whether no further transitions are possible.
func (s ChallengeStatus) Terminal() bool {
	switch s {
	case ChallengeBreached, ChallengeExpired, ChallengePassed:
		return true
	}
	return false
}

// BreachReason identifies which risk rule ended the challenge.
type BreachReason string

const (
	BreachDailyLoss            BreachReason = "DAILY_LOSS"
	BreachTotalLoss            BreachReason = "TOTAL_LOSS"
	BreachSingleTradeLoss      BreachReason = "SINGLE_TRADE_LOSS"
	BreachTradingPeriodExpired BreachReason = "TRADING_PERIOD_EXPIRED"
	BreachInactivity           BreachReason = "INACTIVITY"
)

// ChallengeAccount is an evaluation/funded account progressing through
// ordered phases under loss limits.
//
// CurrentBalance and HighWaterMark only move via realized P&L; floating
// P&L is tracked separately and folded into CurrentEquity.
type ChallengeAccount struct {
	gorm.Model
	AccountID       string  `gorm:"uniqueIndex" json:"account_id"`
	WalletAccountID string  `json:"wallet_account_id,omitempty"`
	InitialBalance  float64 `json:"initial_balance"`
	CurrentBalance  float64 `json:"current_balance"`
	CurrentEquity   float64 `json:"current_equity"`
	HighWaterMark   float64 `json:"high_water_mark"`
	ScaledBalance   float64 `json:"scaled_balance"`
	RealizedPnL     float64 `gorm:"column:realized_pnl" json:"realized_pnl"`
	FloatingPnL     float64 `gorm:"column:floating_pnl" json:"floating_pnl"`
	TotalProfitPct  float64 `json:"total_profit_pct"`

	MaxDailyLossPct       float64 `json:"max_daily_loss_pct"`
	MaxTotalLossPct       float64 `json:"max_total_loss_pct"`
	MaxSingleTradeLossPct float64 `json:"max_single_trade_loss_pct"`

	TradingDays      int     `json:"trading_days"`
	LastTradingDay   string  `json:"last_trading_day,omitempty"` // YYYY-MM-DD, UTC
	ConsistencyScore float64 `json:"consistency_score"`

	PayoutOption   string     `json:"payout_option"`
	PayoutsCount   int        `json:"payouts_count"`
	TotalPayouts   float64    `json:"total_payouts"`
	NextPayoutDate *time.Time `json:"next_payout_date,omitempty"`
	ScaleLevel     int        `json:"scale_level"`

	ActivePhaseIndex int             `json:"active_phase_index"`
	Status           ChallengeStatus `gorm:"index" json:"status"`
	BreachReason     BreachReason    `json:"breach_reason,omitempty"`
	BreachDetails    string          `json:"breach_details,omitempty"`
	BreachedAt       *time.Time      `json:"breached_at,omitempty"`
	FundedAt         *time.Time      `json:"funded_at,omitempty"`
	LastActivityAt   time.Time       `gorm:"index" json:"last_activity_at"`
}

// AccountSize is the base used for all percentage loss limits.
func (a *ChallengeAccount) AccountSize() float64 {
	return a.InitialBalance
}

// CurrentDrawdown is the distance from the high-water mark, never negative.
func (a *ChallengeAccount) CurrentDrawdown() float64 {
	dd := a.HighWaterMark - a.CurrentEquity
	if dd < 0 {
		return 0
	}
	return dd
}
