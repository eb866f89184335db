package challenge

import (
	"context"
	"fmt"
	"time"

	"riskengine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PhaseSpec describes one evaluation phase of a new challenge.
type PhaseSpec struct {
	ProfitTargetPct   float64
	MinTradingDays    int
	TradingPeriodDays int
}

// AccountSpec describes a new challenge account. An empty Phases list
// creates an instant-funding account that starts directly in FUNDED.
type AccountSpec struct {
	InitialBalance        float64
	WalletAccountID       string
	MaxDailyLossPct       float64
	MaxTotalLossPct       float64
	MaxSingleTradeLossPct float64
	PayoutOption          string
	Phases                []PhaseSpec
}

// CreateAccount provisions a challenge account with its ordered phase
// list. The first phase starts ACTIVE, the rest PENDING, so exactly
// one phase is active from the start.
func (e *Engine) CreateAccount(ctx context.Context, spec AccountSpec) (*models.ChallengeAccount, error) {
	if spec.InitialBalance <= 0 {
		return nil, fmt.Errorf("%w: initial balance %f", models.ErrInsufficientBalance, spec.InitialBalance)
	}
	if spec.PayoutOption != "" {
		if _, ok := e.cfg.Option(spec.PayoutOption); !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrUnknownPayoutOption, spec.PayoutOption)
		}
	}

	now := time.Now().UTC()
	account := &models.ChallengeAccount{
		AccountID:             uuid.NewString(),
		WalletAccountID:       spec.WalletAccountID,
		InitialBalance:        spec.InitialBalance,
		CurrentBalance:        spec.InitialBalance,
		CurrentEquity:         spec.InitialBalance,
		HighWaterMark:         spec.InitialBalance,
		MaxDailyLossPct:       spec.MaxDailyLossPct,
		MaxTotalLossPct:       spec.MaxTotalLossPct,
		MaxSingleTradeLossPct: spec.MaxSingleTradeLossPct,
		PayoutOption:          spec.PayoutOption,
		Status:                models.ChallengeEvaluation,
		LastActivityAt:        now,
	}

	var phases []models.PhaseProgress
	for i, p := range spec.Phases {
		phase := models.PhaseProgress{
			AccountID:         account.AccountID,
			PhaseIndex:        i,
			ProfitTargetPct:   p.ProfitTargetPct,
			MinTradingDays:    p.MinTradingDays,
			TradingPeriodDays: p.TradingPeriodDays,
			Status:            models.PhasePending,
		}
		if i == 0 {
			phase.Status = models.PhaseActive
			phase.StartedAt = &now
		}
		phases = append(phases, phase)
	}

	if len(phases) == 0 {
		// Zero-phase, instant-funding account.
		account.Status = models.ChallengeFunded
		account.FundedAt = &now
	}

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			return err
		}
		for i := range phases {
			if err := tx.Create(&phases[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not create challenge account: %w", err)
	}

	e.logger.Info("Challenge account created",
		zap.String("account_id", account.AccountID),
		zap.Float64("initial_balance", spec.InitialBalance),
		zap.Int("phases", len(phases)),
		zap.String("status", string(account.Status)))

	return account, nil
}
