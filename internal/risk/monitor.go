package risk

import (
	"context"
	"fmt"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/notify"
	"riskengine/internal/quotes"
	"riskengine/internal/valuation"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CloseReasonStopOut marks positions force-closed by the monitor.
const CloseReasonStopOut = "STOP_OUT"

// ClosedPosition is one entry in a liquidation report.
type ClosedPosition struct {
	PositionID  string      `json:"position_id"`
	Symbol      string      `json:"symbol"`
	Side        models.Side `json:"side"`
	Volume      float64     `json:"volume"`
	ClosePrice  float64     `json:"close_price"`
	RealizedPnL float64     `json:"realized_pnl"`
}

// FailedClose records a position that could not be closed during a
// liquidation batch. The batch continues past failures; leaving the
// account unliquidated is the worse outcome.
type FailedClose struct {
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
}

// Snapshot is the recomputed aggregate state of a wallet account after
// one valuation pass.
type Snapshot struct {
	AccountID   string           `json:"account_id"`
	Balance     float64          `json:"balance"`
	Equity      float64          `json:"equity"`
	Margin      float64          `json:"margin"`
	FreeMargin  float64          `json:"free_margin"`
	MarginLevel float64          `json:"margin_level"`
	StoppedOut  bool             `json:"stopped_out"`
	Closed      []ClosedPosition `json:"closed,omitempty"`
	Failed      []FailedClose    `json:"failed,omitempty"`
}

// Monitor recomputes wallet solvency on demand and force-liquidates
// insolvent accounts. It is the platform's only force-liquidation path
// for wallet accounts.
type Monitor struct {
	db           *gorm.DB
	valuator     *valuation.Valuator
	quotes       quotes.Source
	notifier     notify.Notifier
	logger       *zap.Logger
	locks        *AccountLocks
	stopOutLevel float64
}

// NewMonitor creates an equity and stop-out monitor.
func NewMonitor(db *gorm.DB, valuator *valuation.Valuator, src quotes.Source, notifier notify.Notifier, logger *zap.Logger, locks *AccountLocks, stopOutLevel float64) *Monitor {
	return &Monitor{
		db:           db,
		valuator:     valuator,
		quotes:       src,
		notifier:     notifier,
		logger:       logger.Named("risk-monitor"),
		locks:        locks,
		stopOutLevel: stopOutLevel,
	}
}

// Valuate runs one recompute-decide-mutate-persist pass for a wallet
// account. It is idempotent: re-running on an account with no open
// positions only reports current equity.
func (m *Monitor) Valuate(ctx context.Context, accountID string) (*Snapshot, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	var account models.WalletAccount
	if err := m.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: wallet %s", models.ErrAccountNotFound, accountID)
		}
		return nil, fmt.Errorf("could not load wallet account %s: %w", accountID, err)
	}

	var positions []models.Position
	err := m.db.Where("account_id = ? AND account_kind = ? AND status IN ?",
		accountID, models.KindWallet, []models.PositionStatus{models.PositionOpen, models.PositionPartial}).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("could not load open positions for %s: %w", accountID, err)
	}

	// Fetch every needed quote up front. A single missing quote stops
	// the whole pass before any mutation.
	quoteBySymbol, err := fetchQuotes(m.quotes, positions)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{AccountID: accountID, Balance: account.Balance}
	floatingBy := make(map[string]float64, len(positions))
	for i := range positions {
		p := &positions[i]
		pnl, err := m.valuator.FloatingPnL(p, quoteBySymbol[p.Symbol])
		if err != nil {
			return nil, fmt.Errorf("valuation failed for position %s: %w", p.PositionID, err)
		}
		floatingBy[p.PositionID] = pnl
		snap.Equity += pnl
		snap.Margin += p.MarginReserved
	}
	snap.Equity += account.Balance
	snap.FreeMargin = snap.Equity - snap.Margin
	if snap.Margin > 0 {
		snap.MarginLevel = snap.Equity / snap.Margin * 100
	}

	stopOut := snap.Equity <= 0 || (snap.Margin > 0 && snap.MarginLevel < m.stopOutLevel)
	if !stopOut || len(positions) == 0 {
		err := m.db.Model(&account).Updates(map[string]any{
			"equity":       snap.Equity,
			"margin":       snap.Margin,
			"free_margin":  snap.FreeMargin,
			"margin_level": snap.MarginLevel,
		}).Error
		if err != nil {
			return nil, fmt.Errorf("could not persist valuation for %s: %w", accountID, err)
		}
		return snap, nil
	}

	m.logger.Warn("Stop-out triggered",
		zap.String("account_id", accountID),
		zap.Float64("equity", snap.Equity),
		zap.Float64("margin_level", snap.MarginLevel),
		zap.Int("open_positions", len(positions)))

	balance := account.Balance
	now := time.Now().UTC()
	var toPersist []models.Position

	// Fold over positions: failures are collected, never abort the batch.
	for i := range positions {
		p := &positions[i]
		q := quoteBySymbol[p.Symbol]
		pnl, ok := floatingBy[p.PositionID]
		if !ok || !p.IsOpen() {
			snap.Failed = append(snap.Failed, FailedClose{
				PositionID: p.PositionID,
				Reason:     models.ErrAlreadyProcessed.Error(),
			})
			continue
		}

		// Cap the loss so the account cannot go negative.
		realized := pnl
		if floor := -(balance + p.MarginReserved); realized < floor {
			realized = floor
		}
		balance += p.MarginReserved + realized
		if balance < 0 {
			balance = 0
		}

		closePrice := valuation.ClosePrice(p.Side, q)
		p.Status = models.PositionClosed
		p.ClosedVolume = p.Volume
		p.RealizedPnL = realized
		p.ClosePrice = closePrice
		p.CloseReason = CloseReasonStopOut
		p.ClosedAt = &now
		toPersist = append(toPersist, *p)

		snap.Closed = append(snap.Closed, ClosedPosition{
			PositionID:  p.PositionID,
			Symbol:      p.Symbol,
			Side:        p.Side,
			Volume:      p.Volume,
			ClosePrice:  closePrice,
			RealizedPnL: realized,
		})
	}

	snap.Balance = balance
	snap.Equity = balance
	snap.Margin = 0
	snap.FreeMargin = balance
	snap.MarginLevel = 0
	snap.StoppedOut = true

	// Commit the full mutated field set in one transaction.
	err = m.db.Transaction(func(tx *gorm.DB) error {
		for i := range toPersist {
			p := &toPersist[i]
			err := tx.Model(&models.Position{}).Where("position_id = ?", p.PositionID).Updates(map[string]any{
				"status":        p.Status,
				"closed_volume": p.ClosedVolume,
				"realized_pnl":  p.RealizedPnL,
				"close_price":   p.ClosePrice,
				"close_reason":  p.CloseReason,
				"closed_at":     p.ClosedAt,
			}).Error
			if err != nil {
				return fmt.Errorf("could not close position %s: %w", p.PositionID, err)
			}
		}
		return tx.Model(&account).Updates(map[string]any{
			"balance":      snap.Balance,
			"equity":       snap.Equity,
			"margin":       snap.Margin,
			"free_margin":  snap.FreeMargin,
			"margin_level": snap.MarginLevel,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("liquidation commit failed for %s: %w", accountID, err)
	}

	m.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventLiquidation,
		AccountID: accountID,
		Details: map[string]any{
			"closed":  len(snap.Closed),
			"failed":  len(snap.Failed),
			"balance": snap.Balance,
		},
		At: now,
	})

	return snap, nil
}

// fetchQuotes resolves one quote per distinct symbol, failing closed on
// the first unavailable one.
func fetchQuotes(src quotes.Source, positions []models.Position) (map[string]quotes.Quote, error) {
	out := make(map[string]quotes.Quote)
	for i := range positions {
		symbol := positions[i].Symbol
		if _, ok := out[symbol]; ok {
			continue
		}
		q, err := src.GetQuote(symbol)
		if err != nil {
			return nil, fmt.Errorf("valuation aborted: %w", err)
		}
		out[symbol] = q
	}
	return out, nil
}
