package challenge

import (
	"context"
	"fmt"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/valuation"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CloseReasonManual marks positions closed by a trade-close request
// rather than by a risk rule.
const CloseReasonManual = "TRADE_CLOSE"

// CloseTrade closes volume lots of a challenge position at the current
// market price, applies the realized P&L to the account and then runs
// the state machine. Volume 0 closes the whole remaining position;
// partial closes leave the position PARTIAL.
func (e *Engine) CloseTrade(ctx context.Context, positionID string, volume float64) (*Result, error) {
	var position models.Position
	if err := e.db.Where("position_id = ?", positionID).First(&position).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: position %s", models.ErrPositionNotFound, positionID)
		}
		return nil, fmt.Errorf("could not load position %s: %w", positionID, err)
	}
	if position.AccountKind != models.KindChallenge {
		return nil, fmt.Errorf("%w: position %s belongs to a %s account", models.ErrInvalidStateTransition, positionID, position.AccountKind)
	}
	if !position.IsOpen() {
		return nil, fmt.Errorf("%w: position %s is closed", models.ErrAlreadyProcessed, positionID)
	}

	unlock := e.locks.Lock(position.AccountID)
	defer unlock()

	// Reload under the lock; a concurrent close may have won the race.
	if err := e.db.Where("position_id = ?", positionID).First(&position).Error; err != nil {
		return nil, fmt.Errorf("could not reload position %s: %w", positionID, err)
	}
	if !position.IsOpen() {
		return nil, fmt.Errorf("%w: position %s is closed", models.ErrAlreadyProcessed, positionID)
	}

	remaining := position.RemainingVolume()
	if volume == 0 {
		volume = remaining
	}
	if volume < 0 || volume > remaining {
		return nil, fmt.Errorf("%w: close volume %f, remaining %f", models.ErrInvalidVolume, volume, remaining)
	}

	account, phases, err := e.loadAccount(position.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Status.Terminal() {
		return nil, fmt.Errorf("%w: account %s is %s", models.ErrInvalidStateTransition, account.AccountID, account.Status)
	}

	q, err := e.quotes.GetQuote(position.Symbol)
	if err != nil {
		return nil, fmt.Errorf("trade close aborted: %w", err)
	}
	inst, err := e.valuator.Instrument(position.Symbol)
	if err != nil {
		return nil, err
	}

	closePrice := valuation.ClosePrice(position.Side, q)
	var pnl float64
	switch position.Side {
	case models.SideLong:
		pnl = (closePrice - position.EntryPrice) * volume * inst.ContractSize
	case models.SideShort:
		pnl = (position.EntryPrice - closePrice) * volume * inst.ContractSize
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidSide, position.Side)
	}

	// Release reserved margin proportionally to the closed volume and
	// cap the loss against balance plus that release.
	release := position.MarginReserved * volume / remaining
	realized := pnl
	if floor := -(account.CurrentBalance + release); realized < floor {
		realized = floor
	}
	account.CurrentBalance += release + realized
	if account.CurrentBalance < 0 {
		account.CurrentBalance = 0
	}

	now := time.Now().UTC()
	position.ClosedVolume += volume
	position.MarginReserved -= release
	position.RealizedPnL += realized
	position.ClosePrice = closePrice
	position.CloseReason = CloseReasonManual
	if position.RemainingVolume() <= 0 {
		position.Status = models.PositionClosed
		position.ClosedAt = &now
	} else {
		position.Status = models.PositionPartial
	}

	// One trading day counts once per UTC calendar day with a close.
	today := now.Format("2006-01-02")
	if account.LastTradingDay != today {
		account.LastTradingDay = today
		account.TradingDays++
		if active := activePhase(phases); active != nil {
			active.TradingDays++
		}
	}
	account.LastActivityAt = now
	account.ConsistencyScore = e.consistencyScore(account.AccountID, position.RealizedPnL)

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&position).Error; err != nil {
			return fmt.Errorf("could not save position %s: %w", position.PositionID, err)
		}
		for i := range phases {
			if err := tx.Save(&phases[i]).Error; err != nil {
				return fmt.Errorf("could not save phase %d: %w", phases[i].PhaseIndex, err)
			}
		}
		return tx.Save(account).Error
	})
	if err != nil {
		return nil, fmt.Errorf("trade close commit failed for %s: %w", position.PositionID, err)
	}

	return e.evaluateLocked(ctx, account.AccountID)
}

// consistencyScore measures trading-pattern evenness: 100 when profit
// is spread across many trades, approaching 0 when a single trade
// dominates. latestPnL covers the close that is not yet committed.
func (e *Engine) consistencyScore(accountID string, latestPnL float64) float64 {
	var closed []models.Position
	err := e.db.Where("account_id = ? AND status = ?", accountID, models.PositionClosed).Find(&closed).Error
	if err != nil {
		e.logger.Error("Could not load closed positions for consistency score", zap.Error(err))
		return 0
	}

	var totalProfit, maxProfit float64
	consider := func(pnl float64) {
		if pnl <= 0 {
			return
		}
		totalProfit += pnl
		if pnl > maxProfit {
			maxProfit = pnl
		}
	}
	for i := range closed {
		consider(closed[i].RealizedPnL)
	}
	consider(latestPnL)

	if totalProfit <= 0 {
		return 0
	}
	return (1 - maxProfit/totalProfit) * 100
}
