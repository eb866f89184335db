package challenge

import (
	"context"
	"fmt"
	"time"

	"riskengine/internal/config"
	"riskengine/internal/models"
	"riskengine/internal/notify"
	"riskengine/internal/quotes"
	"riskengine/internal/risk"
	"riskengine/internal/valuation"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result is the outcome of one evaluation pass over a challenge account.
type Result struct {
	AccountID        string                 `json:"account_id"`
	Status           models.ChallengeStatus `json:"status"`
	Balance          float64                `json:"balance"`
	Equity           float64                `json:"equity"`
	FloatingPnL      float64                `json:"floating_pnl"`
	ActivePhaseIndex int                    `json:"active_phase_index"`
	PhasePassed      bool                   `json:"phase_passed,omitempty"`
	Scaled           bool                   `json:"scaled,omitempty"`
	BreachReason     models.BreachReason    `json:"breach_reason,omitempty"`
	Closed           []risk.ClosedPosition  `json:"closed,omitempty"`
	Failed           []risk.FailedClose     `json:"failed,omitempty"`
}

// Engine drives the challenge phase state machine: phase passes,
// loss-limit breaches, period expiry and funded-account scaling.
type Engine struct {
	db       *gorm.DB
	valuator *valuation.Valuator
	quotes   quotes.Source
	notifier notify.Notifier
	logger   *zap.Logger
	locks    *risk.AccountLocks
	cfg      *config.Config
}

// NewEngine creates a challenge evaluation engine.
func NewEngine(db *gorm.DB, valuator *valuation.Valuator, src quotes.Source, notifier notify.Notifier, logger *zap.Logger, locks *risk.AccountLocks, cfg *config.Config) *Engine {
	return &Engine{
		db:       db,
		valuator: valuator,
		quotes:   src,
		notifier: notifier,
		logger:   logger.Named("challenge"),
		locks:    locks,
		cfg:      cfg,
	}
}

// Evaluate runs the transition rules for one account: breach checks
// first, then phase progress, then scaling. Breach always takes
// precedence over a scaling milestone met in the same pass.
func (e *Engine) Evaluate(ctx context.Context, accountID string) (*Result, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()
	return e.evaluateLocked(ctx, accountID)
}

func (e *Engine) evaluateLocked(ctx context.Context, accountID string) (*Result, error) {
	account, phases, err := e.loadAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account.Status.Terminal() {
		return nil, fmt.Errorf("%w: account %s is %s", models.ErrInvalidStateTransition, accountID, account.Status)
	}

	positions, err := e.openPositions(accountID)
	if err != nil {
		return nil, err
	}

	// All quotes up front; a missing quote stops the pass before any
	// mutation.
	quoteBySymbol := make(map[string]quotes.Quote)
	for i := range positions {
		symbol := positions[i].Symbol
		if _, ok := quoteBySymbol[symbol]; ok {
			continue
		}
		q, err := e.quotes.GetQuote(symbol)
		if err != nil {
			return nil, fmt.Errorf("evaluation aborted: %w", err)
		}
		quoteBySymbol[symbol] = q
	}

	var floating float64
	floatingBy := make(map[string]float64, len(positions))
	for i := range positions {
		p := &positions[i]
		pnl, err := e.valuator.FloatingPnL(p, quoteBySymbol[p.Symbol])
		if err != nil {
			return nil, fmt.Errorf("valuation failed for position %s: %w", p.PositionID, err)
		}
		floatingBy[p.PositionID] = pnl
		floating += pnl
	}
	equity := account.CurrentBalance + floating

	reason, details, err := e.checkBreaches(account, positions, floatingBy, equity)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return e.terminateLocked(ctx, account, phases, positions, quoteBySymbol, models.ChallengeBreached, reason, details)
	}

	now := time.Now().UTC()
	result := &Result{
		AccountID:        accountID,
		Status:           account.Status,
		Balance:          account.CurrentBalance,
		Equity:           equity,
		FloatingPnL:      floating,
		ActivePhaseIndex: account.ActivePhaseIndex,
	}

	if account.Status == models.ChallengeEvaluation {
		active := activePhase(phases)
		if active != nil {
			active.ProfitAchievedPct = profitPct(account)

			// Trading-period expiry for time-boxed phases.
			if active.TradingPeriodDays > 0 && active.StartedAt != nil {
				deadline := active.StartedAt.AddDate(0, 0, active.TradingPeriodDays)
				if now.After(deadline) && !phaseMet(active) {
					details := fmt.Sprintf("phase %d not completed within %d days", active.PhaseIndex, active.TradingPeriodDays)
					return e.terminateLocked(ctx, account, phases, positions, quoteBySymbol, models.ChallengeBreached, models.BreachTradingPeriodExpired, details)
				}
			}

			// Phase pass needs target and minimum trading days together.
			if phaseMet(active) {
				active.Status = models.PhasePassed
				active.EndedAt = &now
				result.PhasePassed = true

				if next := phaseAt(phases, active.PhaseIndex+1); next != nil {
					next.Status = models.PhaseActive
					next.StartedAt = &now
					account.ActivePhaseIndex = next.PhaseIndex
				} else {
					// Last phase cleared: the account is funded.
					for i := range phases {
						if phases[i].Status == models.PhasePending || phases[i].Status == models.PhaseActive {
							phases[i].Status = models.PhasePassed
						}
					}
					account.Status = models.ChallengeFunded
					account.FundedAt = &now
					e.logger.Info("Challenge funded", zap.String("account_id", accountID))
				}
			}
		}
	}

	if account.Status == models.ChallengeFunded {
		result.Scaled = e.applyScaling(account)
	}

	account.CurrentEquity = equity
	account.FloatingPnL = floating
	account.RealizedPnL = account.CurrentBalance - account.InitialBalance
	account.TotalProfitPct = profitPct(account)
	if account.CurrentBalance > account.HighWaterMark {
		account.HighWaterMark = account.CurrentBalance
	}

	if err := e.persist(account, phases, nil); err != nil {
		return nil, err
	}

	result.Status = account.Status
	result.ActivePhaseIndex = account.ActivePhaseIndex
	return result, nil
}

// checkBreaches applies the loss limits in fixed order: daily loss,
// total loss, single trade. A zero limit disables its rule. A failed
// limit computation aborts the pass; the rules never degrade to
// not-checked.
func (e *Engine) checkBreaches(account *models.ChallengeAccount, positions []models.Position, floatingBy map[string]float64, equity float64) (models.BreachReason, string, error) {
	size := account.AccountSize()

	if account.MaxDailyLossPct > 0 {
		dayRealized, err := e.realizedToday(account.AccountID)
		if err != nil {
			return "", "", fmt.Errorf("could not compute daily realized P&L for %s: %w", account.AccountID, err)
		}
		var floating float64
		for _, pnl := range floatingBy {
			floating += pnl
		}
		dailyLoss := -(dayRealized + floating)
		limit := size * account.MaxDailyLossPct / 100
		if dailyLoss > limit {
			return models.BreachDailyLoss, fmt.Sprintf("daily loss %.2f exceeds limit %.2f", dailyLoss, limit), nil
		}
	}

	if account.MaxTotalLossPct > 0 {
		threshold := size * (1 - account.MaxTotalLossPct/100)
		if equity < threshold {
			return models.BreachTotalLoss, fmt.Sprintf("equity %.2f below threshold %.2f", equity, threshold), nil
		}
	}

	if account.MaxSingleTradeLossPct > 0 {
		limit := size * account.MaxSingleTradeLossPct / 100
		for i := range positions {
			if loss := -floatingBy[positions[i].PositionID]; loss > limit {
				return models.BreachSingleTradeLoss, fmt.Sprintf("position %s loss %.2f exceeds limit %.2f", positions[i].PositionID, loss, limit), nil
			}
		}
		// Realized losses count too: a trade that already closed deep in
		// the red is past the limit even though it no longer floats.
		worst, worstID, err := e.worstRealized(account.AccountID)
		if err != nil {
			return "", "", fmt.Errorf("could not compute worst realized loss for %s: %w", account.AccountID, err)
		}
		if loss := -worst; loss > limit {
			return models.BreachSingleTradeLoss, fmt.Sprintf("position %s loss %.2f exceeds limit %.2f", worstID, loss, limit), nil
		}
	}

	return "", "", nil
}

// applyScaling bumps the scaled balance when the funded account has
// cleared the next milestone, capped at the configured maximum. This
// is bookkeeping, not a state transition, and never runs in a pass
// that breached.
func (e *Engine) applyScaling(account *models.ChallengeAccount) bool {
	s := e.cfg.Challenge.Scaling
	if s.PayoutsRequired <= 0 || s.IncreasePct <= 0 {
		return false
	}
	needed := s.PayoutsRequired * (account.ScaleLevel + 1)
	if account.PayoutsCount < needed || profitPct(account) < s.ProfitRequiredPct {
		return false
	}
	maxScale := account.InitialBalance * s.MaxScalePct / 100
	if account.ScaledBalance >= maxScale {
		return false
	}
	account.ScaledBalance += account.InitialBalance * s.IncreasePct / 100
	if account.ScaledBalance > maxScale {
		account.ScaledBalance = maxScale
	}
	account.ScaleLevel++
	e.logger.Info("Scaling milestone reached",
		zap.String("account_id", account.AccountID),
		zap.Float64("scaled_balance", account.ScaledBalance),
		zap.Int("scale_level", account.ScaleLevel))
	return true
}

// terminateLocked force-closes every open position and moves the
// account to a terminal status. Per-position failures are collected
// and the batch continues; an unliquidated account is the worse
// failure mode.
func (e *Engine) terminateLocked(ctx context.Context, account *models.ChallengeAccount, phases []models.PhaseProgress, positions []models.Position, quoteBySymbol map[string]quotes.Quote, status models.ChallengeStatus, reason models.BreachReason, details string) (*Result, error) {
	now := time.Now().UTC()
	balance := account.CurrentBalance
	result := &Result{
		AccountID:    account.AccountID,
		Status:       status,
		BreachReason: reason,
	}

	closed, failed, toPersist, balance := e.forceCloseAll(positions, quoteBySymbol, balance, string(reason), now)
	result.Closed = closed
	result.Failed = failed

	if active := activePhase(phases); active != nil {
		active.Status = models.PhaseFailed
		active.EndedAt = &now
	}

	account.Status = status
	account.BreachReason = reason
	account.BreachDetails = details
	account.BreachedAt = &now
	account.CurrentBalance = balance
	account.CurrentEquity = balance
	account.FloatingPnL = 0
	account.RealizedPnL = balance - account.InitialBalance
	account.TotalProfitPct = profitPct(account)

	if err := e.persist(account, phases, toPersist); err != nil {
		return nil, err
	}

	e.logger.Warn("Challenge terminated",
		zap.String("account_id", account.AccountID),
		zap.String("status", string(status)),
		zap.String("reason", string(reason)),
		zap.String("details", details))

	eventType := notify.EventBreach
	if status == models.ChallengeExpired {
		eventType = notify.EventExpiry
	}
	e.notifier.Notify(ctx, notify.Event{
		Type:      eventType,
		AccountID: account.AccountID,
		Details: map[string]any{
			"reason":  string(reason),
			"details": details,
			"closed":  len(result.Closed),
			"failed":  len(result.Failed),
		},
		At: now,
	})

	result.Balance = balance
	result.Equity = balance
	return result, nil
}

// forceCloseAll closes every position it can price at the current
// quote, applying the same capping discipline as the wallet stop-out,
// scoped to this account's own balance. Positions without a usable
// quote are reported as failed and left untouched.
func (e *Engine) forceCloseAll(positions []models.Position, quoteBySymbol map[string]quotes.Quote, balance float64, reason string, now time.Time) ([]risk.ClosedPosition, []risk.FailedClose, []models.Position, float64) {
	var (
		closed    []risk.ClosedPosition
		failed    []risk.FailedClose
		toPersist []models.Position
	)
	for i := range positions {
		p := &positions[i]
		q, ok := quoteBySymbol[p.Symbol]
		if !ok {
			fetched, err := e.quotes.GetQuote(p.Symbol)
			if err != nil {
				failed = append(failed, risk.FailedClose{PositionID: p.PositionID, Reason: err.Error()})
				continue
			}
			q = fetched
			quoteBySymbol[p.Symbol] = q
		}
		pnl, err := e.valuator.FloatingPnL(p, q)
		if err != nil {
			failed = append(failed, risk.FailedClose{PositionID: p.PositionID, Reason: err.Error()})
			continue
		}

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
		p.CloseReason = reason
		p.ClosedAt = &now
		toPersist = append(toPersist, *p)

		closed = append(closed, risk.ClosedPosition{
			PositionID:  p.PositionID,
			Symbol:      p.Symbol,
			Side:        p.Side,
			Volume:      p.Volume,
			ClosePrice:  closePrice,
			RealizedPnL: realized,
		})
	}
	return closed, failed, toPersist, balance
}

// reapStranded retries the liquidation of positions left open on
// terminal accounts, typically because no quote was available when the
// account was terminated. Returns the number of positions closed.
func (e *Engine) reapStranded(ctx context.Context) (int, error) {
	var accountIDs []string
	err := e.db.Model(&models.Position{}).
		Distinct("account_id").
		Where("account_kind = ? AND status IN ?", models.KindChallenge,
			[]models.PositionStatus{models.PositionOpen, models.PositionPartial}).
		Pluck("account_id", &accountIDs).Error
	if err != nil {
		return 0, fmt.Errorf("could not load stranded positions: %w", err)
	}

	reaped := 0
	for _, accountID := range accountIDs {
		n, err := e.reapAccount(ctx, accountID)
		if err != nil {
			e.logger.Error("Could not reap stranded positions",
				zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		reaped += n
	}
	return reaped, nil
}

func (e *Engine) reapAccount(ctx context.Context, accountID string) (int, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, _, err := e.loadAccount(accountID)
	if err != nil {
		return 0, err
	}
	if !account.Status.Terminal() {
		// Live accounts liquidate through their own valuation passes.
		return 0, nil
	}
	positions, err := e.openPositions(accountID)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	reason := string(account.BreachReason)
	if reason == "" {
		reason = string(account.Status)
	}
	now := time.Now().UTC()
	closed, failed, toPersist, balance := e.forceCloseAll(positions, make(map[string]quotes.Quote), account.CurrentBalance, reason, now)
	if len(toPersist) == 0 {
		return 0, nil
	}

	account.CurrentBalance = balance
	account.CurrentEquity = balance
	account.RealizedPnL = balance - account.InitialBalance
	account.TotalProfitPct = profitPct(account)
	if err := e.persist(account, nil, toPersist); err != nil {
		return 0, err
	}

	e.logger.Info("Stranded positions closed",
		zap.String("account_id", accountID),
		zap.Int("closed", len(closed)),
		zap.Int("failed", len(failed)))
	return len(closed), nil
}

// persist commits the account, its phases, and any closed positions in
// a single transaction.
func (e *Engine) persist(account *models.ChallengeAccount, phases []models.PhaseProgress, closed []models.Position) error {
	err := e.db.Transaction(func(tx *gorm.DB) error {
		for i := range closed {
			p := &closed[i]
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
		for i := range phases {
			if err := tx.Save(&phases[i]).Error; err != nil {
				return fmt.Errorf("could not save phase %d: %w", phases[i].PhaseIndex, err)
			}
		}
		return tx.Save(account).Error
	})
	if err != nil {
		return fmt.Errorf("could not persist challenge account %s: %w", account.AccountID, err)
	}
	return nil
}

// Expire moves a non-terminal account to EXPIRED for inactivity,
// force-closing whatever is still open.
func (e *Engine) Expire(ctx context.Context, accountID string, details string) (*Result, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, phases, err := e.loadAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account.Status.Terminal() {
		return nil, fmt.Errorf("%w: account %s is %s", models.ErrInvalidStateTransition, accountID, account.Status)
	}
	positions, err := e.openPositions(accountID)
	if err != nil {
		return nil, err
	}
	return e.terminateLocked(ctx, account, phases, positions, make(map[string]quotes.Quote), models.ChallengeExpired, models.BreachInactivity, details)
}

func (e *Engine) loadAccount(accountID string) (*models.ChallengeAccount, []models.PhaseProgress, error) {
	var account models.ChallengeAccount
	if err := e.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, fmt.Errorf("%w: challenge %s", models.ErrAccountNotFound, accountID)
		}
		return nil, nil, fmt.Errorf("could not load challenge account %s: %w", accountID, err)
	}
	var phases []models.PhaseProgress
	err := e.db.Where("account_id = ?", accountID).Order("phase_index asc").Find(&phases).Error
	if err != nil {
		return nil, nil, fmt.Errorf("could not load phases for %s: %w", accountID, err)
	}
	return &account, phases, nil
}

func (e *Engine) openPositions(accountID string) ([]models.Position, error) {
	var positions []models.Position
	err := e.db.Where("account_id = ? AND account_kind = ? AND status IN ?",
		accountID, models.KindChallenge, []models.PositionStatus{models.PositionOpen, models.PositionPartial}).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("could not load open positions for %s: %w", accountID, err)
	}
	return positions, nil
}

// realizedToday sums the realized P&L of positions closed since
// midnight UTC.
func (e *Engine) realizedToday(accountID string) (float64, error) {
	year, month, day := time.Now().UTC().Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)

	var total float64
	err := e.db.Model(&models.Position{}).
		Where("account_id = ? AND status = ? AND closed_at >= ?", accountID, models.PositionClosed, midnight).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Scan(&total).Error
	return total, err
}

// worstRealized returns the most negative per-position realized P&L of
// the account, and the position that took it. Zero when no position
// has realized a loss.
func (e *Engine) worstRealized(accountID string) (float64, string, error) {
	var row struct {
		PositionID  string
		RealizedPnL float64 `gorm:"column:realized_pnl"`
	}
	err := e.db.Model(&models.Position{}).
		Select("position_id", "realized_pnl").
		Where("account_id = ? AND account_kind = ? AND realized_pnl < 0", accountID, models.KindChallenge).
		Order("realized_pnl asc").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return 0, "", err
	}
	return row.RealizedPnL, row.PositionID, nil
}

// profitPct is realized profit relative to initial balance, in percent.
// Floating P&L never moves it.
func profitPct(account *models.ChallengeAccount) float64 {
	if account.InitialBalance == 0 {
		return 0
	}
	return (account.CurrentBalance - account.InitialBalance) / account.InitialBalance * 100
}

// phaseMet reports whether a phase satisfies both the profit target
// and the minimum trading days. Neither alone suffices.
func phaseMet(phase *models.PhaseProgress) bool {
	return phase.ProfitAchievedPct >= phase.ProfitTargetPct && phase.TradingDays >= phase.MinTradingDays
}

// activePhase returns the single active phase, or nil when the account
// is funded or terminal.
func activePhase(phases []models.PhaseProgress) *models.PhaseProgress {
	for i := range phases {
		if phases[i].Status == models.PhaseActive {
			return &phases[i]
		}
	}
	return nil
}

func phaseAt(phases []models.PhaseProgress, index int) *models.PhaseProgress {
	for i := range phases {
		if phases[i].PhaseIndex == index {
			return &phases[i]
		}
	}
	return nil
}
