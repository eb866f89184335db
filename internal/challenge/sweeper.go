package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/quotes"

	"go.uber.org/zap"
)

// ExpiredAccount is one entry in a sweep report.
type ExpiredAccount struct {
	AccountID string              `json:"account_id"`
	Reason    models.BreachReason `json:"reason"`
	Details   string              `json:"details"`
}

// SweepResult summarizes one batch pass.
type SweepResult struct {
	Checked  int              `json:"checked"`
	Expired  int              `json:"expired"`
	Reclosed int              `json:"reclosed,omitempty"`
	Details  []ExpiredAccount `json:"details,omitempty"`
}

// Sweeper periodically force-closes accounts whose inactivity window
// or trading period has elapsed. It only queries non-terminal
// accounts, so re-running a sweep is always safe.
type Sweeper struct {
	engine         *Engine
	logger         *zap.Logger
	inactivityDays int
}

// NewSweeper creates the expiry sweeper.
func NewSweeper(engine *Engine, logger *zap.Logger, inactivityDays int) *Sweeper {
	return &Sweeper{
		engine:         engine,
		logger:         logger.Named("sweeper"),
		inactivityDays: inactivityDays,
	}
}

// Sweep runs one batch pass. Per-account failures are logged and the
// pass continues; a quote outage for one account must not block the
// rest of the batch.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.inactivityDays)

	var accounts []models.ChallengeAccount
	err := s.engine.db.
		Where("status IN ?", []models.ChallengeStatus{models.ChallengeEvaluation, models.ChallengeFunded}).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("could not load accounts for sweep: %w", err)
	}

	result := &SweepResult{Checked: len(accounts)}
	for i := range accounts {
		account := &accounts[i]

		if account.LastActivityAt.Before(cutoff) {
			details := fmt.Sprintf("no activity since %s", account.LastActivityAt.Format(time.RFC3339))
			if _, err := s.engine.Expire(ctx, account.AccountID, details); err != nil {
				if errors.Is(err, models.ErrInvalidStateTransition) {
					continue // already terminal, raced with a live pass
				}
				s.logger.Error("Could not expire account",
					zap.String("account_id", account.AccountID), zap.Error(err))
				continue
			}
			result.Expired++
			result.Details = append(result.Details, ExpiredAccount{
				AccountID: account.AccountID,
				Reason:    models.BreachInactivity,
				Details:   details,
			})
			continue
		}

		if account.Status != models.ChallengeEvaluation {
			continue
		}

		// Time-boxed phases get the trading-period-expiry rule even
		// without trade activity.
		_, phases, err := s.engine.loadAccount(account.AccountID)
		if err != nil {
			s.logger.Error("Could not load phases during sweep",
				zap.String("account_id", account.AccountID), zap.Error(err))
			continue
		}
		active := activePhase(phases)
		if active == nil || active.TradingPeriodDays == 0 {
			continue
		}

		res, err := s.engine.Evaluate(ctx, account.AccountID)
		if err != nil {
			if errors.Is(err, quotes.ErrQuoteUnavailable) {
				s.logger.Warn("Sweep evaluation skipped, quote unavailable",
					zap.String("account_id", account.AccountID), zap.Error(err))
			} else if !errors.Is(err, models.ErrInvalidStateTransition) {
				s.logger.Error("Sweep evaluation failed",
					zap.String("account_id", account.AccountID), zap.Error(err))
			}
			continue
		}
		if res.BreachReason == models.BreachTradingPeriodExpired {
			result.Expired++
			result.Details = append(result.Details, ExpiredAccount{
				AccountID: account.AccountID,
				Reason:    res.BreachReason,
				Details:   fmt.Sprintf("trading period of %d days elapsed", active.TradingPeriodDays),
			})
		}
	}

	// Positions that survived an earlier termination because their
	// quote was unavailable get another liquidation attempt here.
	reclosed, err := s.engine.reapStranded(ctx)
	if err != nil {
		s.logger.Error("Stranded-position reap failed", zap.Error(err))
	} else {
		result.Reclosed = reclosed
	}

	s.logger.Info("Sweep complete",
		zap.Int("checked", result.Checked),
		zap.Int("expired", result.Expired),
		zap.Int("reclosed", result.Reclosed))
	return result, nil
}

// Run executes Sweep on the given interval until the context is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting sweep loop", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sweep loop")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}
