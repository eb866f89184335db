package challenge

import (
	"context"
	"fmt"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/valuation"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenTrade opens a position on a challenge account at the current
// market price. A BUY fills at ask, a SELL at bid, plus any configured
// spread override; the required margin is reserved out of the balance
// up front.
func (e *Engine) OpenTrade(ctx context.Context, accountID, symbol string, side models.Side, volume float64) (*models.Position, error) {
	if side != models.SideLong && side != models.SideShort {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidSide, side)
	}
	if volume <= 0 {
		return nil, fmt.Errorf("%w: %f", models.ErrInvalidVolume, volume)
	}

	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, _, err := e.loadAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account.Status.Terminal() {
		return nil, fmt.Errorf("%w: account %s is %s", models.ErrInvalidStateTransition, accountID, account.Status)
	}

	if _, err := e.valuator.Instrument(symbol); err != nil {
		return nil, err
	}
	q, err := e.quotes.GetQuote(symbol)
	if err != nil {
		return nil, fmt.Errorf("trade open aborted: %w", err)
	}
	entryPrice, err := valuation.EntryPrice(side, q, e.cfg.Quotes.SpreadOverride)
	if err != nil {
		return nil, err
	}
	margin, err := e.valuator.MarginRequired(symbol, volume, entryPrice)
	if err != nil {
		return nil, err
	}
	if margin > account.CurrentBalance {
		return nil, fmt.Errorf("%w: required %.2f, available %.2f", models.ErrInsufficientMargin, margin, account.CurrentBalance)
	}

	now := time.Now().UTC()
	position := &models.Position{
		PositionID:     uuid.NewString(),
		AccountID:      accountID,
		AccountKind:    models.KindChallenge,
		Symbol:         symbol,
		Side:           side,
		Volume:         volume,
		EntryPrice:     entryPrice,
		MarginReserved: margin,
		Status:         models.PositionOpen,
		OpenedAt:       now,
	}

	account.CurrentBalance -= margin
	account.LastActivityAt = now

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(position).Error; err != nil {
			return err
		}
		return tx.Save(account).Error
	})
	if err != nil {
		return nil, fmt.Errorf("trade open commit failed for %s: %w", accountID, err)
	}

	e.logger.Info("Trade opened",
		zap.String("account_id", accountID),
		zap.String("position_id", position.PositionID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("volume", volume),
		zap.Float64("entry_price", entryPrice),
		zap.Float64("margin", margin))

	return position, nil
}
