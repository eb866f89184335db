package challenge

import (
	"context"
	"fmt"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Payout frequencies.
const (
	FrequencyWeekly   = "weekly"
	FrequencyBiWeekly = "bi-weekly"
	FrequencyMonthly  = "monthly"
	FrequencyOnDemand = "on_demand"
)

// RequestPayout validates and records a payout request for a funded
// account. Amount 0 requests the full available profit. The returned
// record is immutable: only its status and processed timestamp move
// afterwards.
func (e *Engine) RequestPayout(ctx context.Context, accountID string, amount float64) (*models.PayoutRecord, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, _, err := e.loadAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != models.ChallengeFunded {
		return nil, fmt.Errorf("%w: payout requested on %s account", models.ErrInvalidStateTransition, account.Status)
	}

	availableProfit := account.CurrentBalance - account.InitialBalance
	if availableProfit <= 0 {
		return nil, fmt.Errorf("%w: no profit available", models.ErrInsufficientBalance)
	}
	if amount == 0 {
		amount = availableProfit
	}

	option, ok := e.cfg.Option(account.PayoutOption)
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownPayoutOption, account.PayoutOption)
	}

	minAmount := account.InitialBalance * option.MinPayoutPct / 100
	if amount < minAmount {
		return nil, fmt.Errorf("%w: requested %.2f, minimum %.2f", models.ErrPayoutBelowMinimum, amount, minAmount)
	}
	if amount > availableProfit {
		return nil, fmt.Errorf("%w: requested %.2f, available %.2f", models.ErrPayoutExceedsProfit, amount, availableProfit)
	}
	if option.RequireConsistency && account.ConsistencyScore < option.ConsistencyThreshold {
		return nil, fmt.Errorf("%w: score %.2f, required %.2f", models.ErrConsistencyTooLow, account.ConsistencyScore, option.ConsistencyThreshold)
	}
	now := time.Now().UTC()
	if account.NextPayoutDate != nil && account.NextPayoutDate.After(now) {
		return nil, fmt.Errorf("%w: next payout allowed %s", models.ErrPayoutThrottled, account.NextPayoutDate.Format(time.RFC3339))
	}

	record := &models.PayoutRecord{
		PayoutID:        uuid.NewString(),
		AccountID:       accountID,
		RequestedAmount: amount,
		ProfitSplitPct:  option.ProfitSplitPct,
		PayoutAmount:    amount * option.ProfitSplitPct / 100,
		Status:          models.PayoutPending,
		RequestedAt:     now,
	}
	account.NextPayoutDate = nextPayoutDate(option.Frequency, now)

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return tx.Save(account).Error
	})
	if err != nil {
		return nil, fmt.Errorf("could not record payout request for %s: %w", accountID, err)
	}

	e.logger.Info("Payout requested",
		zap.String("account_id", accountID),
		zap.String("payout_id", record.PayoutID),
		zap.Float64("requested", record.RequestedAmount),
		zap.Float64("payout", record.PayoutAmount))

	e.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventPayoutRequested,
		AccountID: accountID,
		Details:   map[string]any{"payout_id": record.PayoutID, "amount": record.PayoutAmount},
		At:        now,
	})

	return record, nil
}

// ApprovePayout moves a pending payout to PAID, credits the linked
// wallet ledger with the payout amount and advances the challenge's
// payout counters. Administrative operation.
func (e *Engine) ApprovePayout(ctx context.Context, payoutID string) (*models.PayoutRecord, error) {
	record, err := e.loadPayout(payoutID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(record.AccountID)
	defer unlock()

	// Reload under the lock so a racing approval loses cleanly.
	if record, err = e.loadPayout(payoutID); err != nil {
		return nil, err
	}
	if record.Status != models.PayoutPending {
		return nil, fmt.Errorf("%w: payout %s is %s", models.ErrAlreadyProcessed, payoutID, record.Status)
	}

	account, _, err := e.loadAccount(record.AccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record.Status = models.PayoutPaid
	record.ProcessedAt = &now

	account.PayoutsCount++
	account.TotalPayouts += record.PayoutAmount
	account.CurrentBalance -= record.RequestedAmount
	if account.CurrentBalance < 0 {
		account.CurrentBalance = 0
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		if err := tx.Save(account).Error; err != nil {
			return err
		}
		if account.WalletAccountID != "" {
			res := tx.Model(&models.WalletAccount{}).
				Where("account_id = ?", account.WalletAccountID).
				Update("balance", gorm.Expr("balance + ?", record.PayoutAmount))
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not approve payout %s: %w", payoutID, err)
	}

	e.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventPayoutPaid,
		AccountID: record.AccountID,
		Details:   map[string]any{"payout_id": record.PayoutID, "amount": record.PayoutAmount},
		At:        now,
	})

	return record, nil
}

// RejectPayout moves a pending payout to REJECTED with no balance
// effect. Administrative operation.
func (e *Engine) RejectPayout(ctx context.Context, payoutID string) (*models.PayoutRecord, error) {
	record, err := e.loadPayout(payoutID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(record.AccountID)
	defer unlock()

	if record, err = e.loadPayout(payoutID); err != nil {
		return nil, err
	}
	if record.Status != models.PayoutPending {
		return nil, fmt.Errorf("%w: payout %s is %s", models.ErrAlreadyProcessed, payoutID, record.Status)
	}

	now := time.Now().UTC()
	record.Status = models.PayoutRejected
	record.ProcessedAt = &now
	if err := e.db.Save(record).Error; err != nil {
		return nil, fmt.Errorf("could not reject payout %s: %w", payoutID, err)
	}

	e.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventPayoutRejected,
		AccountID: record.AccountID,
		Details:   map[string]any{"payout_id": record.PayoutID},
		At:        now,
	})

	return record, nil
}

func (e *Engine) loadPayout(payoutID string) (*models.PayoutRecord, error) {
	var record models.PayoutRecord
	if err := e.db.Where("payout_id = ?", payoutID).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: %s", models.ErrPayoutNotFound, payoutID)
		}
		return nil, fmt.Errorf("could not load payout %s: %w", payoutID, err)
	}
	return &record, nil
}

// nextPayoutDate advances the frequency throttle; on-demand plans set
// no restriction.
func nextPayoutDate(frequency string, from time.Time) *time.Time {
	var next time.Time
	switch frequency {
	case FrequencyWeekly:
		next = from.AddDate(0, 0, 7)
	case FrequencyBiWeekly:
		next = from.AddDate(0, 0, 14)
	case FrequencyMonthly:
		next = from.AddDate(0, 1, 0)
	default: // on_demand
		return nil
	}
	return &next
}
