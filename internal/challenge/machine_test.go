package challenge

import (
	"context"
	"testing"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/quotes"

	"github.com/stretchr/testify/assert"
)

func TestCreateAccount_PhaseGuard(t *testing.T) {
	db, engine, _ := setupEngine(t)

	account, err := engine.CreateAccount(context.Background(), AccountSpec{
		InitialBalance:  10000,
		MaxTotalLossPct: 10,
		PayoutOption:    "standard",
		Phases: []PhaseSpec{
			{ProfitTargetPct: 8, MinTradingDays: 5},
			{ProfitTargetPct: 5, MinTradingDays: 5},
		},
	})

	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeEvaluation, account.Status)
	assert.Equal(t, 0, account.ActivePhaseIndex)

	var phases []models.PhaseProgress
	db.Where("account_id = ?", account.AccountID).Order("phase_index asc").Find(&phases)
	assert.Len(t, phases, 2)
	assert.Equal(t, models.PhaseActive, phases[0].Status)
	assert.NotNil(t, phases[0].StartedAt)
	assert.Equal(t, models.PhasePending, phases[1].Status)
}

func TestCreateAccount_InstantFunding(t *testing.T) {
	_, engine, _ := setupEngine(t)

	account, err := engine.CreateAccount(context.Background(), AccountSpec{
		InitialBalance: 25000,
		PayoutOption:   "standard",
	})

	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeFunded, account.Status)
	assert.Equal(t, 0, account.ActivePhaseIndex)
	assert.NotNil(t, account.FundedAt)
}

func TestCreateAccount_Validation(t *testing.T) {
	_, engine, _ := setupEngine(t)

	_, err := engine.CreateAccount(context.Background(), AccountSpec{InitialBalance: 0})
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	_, err = engine.CreateAccount(context.Background(), AccountSpec{InitialBalance: 1000, PayoutOption: "nope"})
	assert.ErrorIs(t, err, models.ErrUnknownPayoutOption)
}

func TestEvaluate_TotalLossBoundary(t *testing.T) {
	// Account size 10000 with 10% max total loss: breach strictly below 9000.
	cases := []struct {
		name     string
		balance  float64
		breached bool
	}{
		{"JustBelowThreshold", 8999, true},
		{"AtThreshold", 9000, false},
		{"JustAboveThreshold", 9001, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, engine, _ := setupEngine(t)
			seedChallenge(db, "c1", 10000, tc.balance, models.ChallengeEvaluation)
			now := time.Now().UTC()
			seedPhase(db, "c1", 0, 8, 5, 0, models.PhaseActive, &now)

			result, err := engine.Evaluate(context.Background(), "c1")
			assert.NoError(t, err)

			var account models.ChallengeAccount
			db.Where("account_id = ?", "c1").First(&account)

			if tc.breached {
				assert.Equal(t, models.ChallengeBreached, result.Status)
				assert.Equal(t, models.BreachTotalLoss, result.BreachReason)
				assert.Equal(t, models.ChallengeBreached, account.Status)
				assert.NotNil(t, account.BreachedAt)

				var phase models.PhaseProgress
				db.Where("account_id = ? AND phase_index = 0", "c1").First(&phase)
				assert.Equal(t, models.PhaseFailed, phase.Status)
			} else {
				assert.Equal(t, models.ChallengeEvaluation, result.Status)
				assert.Equal(t, models.ChallengeEvaluation, account.Status)
			}
		})
	}
}

func TestEvaluate_TotalLossIncludesFloating(t *testing.T) {
	db, engine, src := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)
	now := time.Now().UTC()
	seedPhase(db, "c1", 0, 8, 5, 0, models.PhaseActive, &now)
	seedChallengePosition(db, "c1", "p1", "US500", models.SideLong, 1, 3000, 60)

	// Floating (1900-3000) = -1100 puts equity at 8900, below 9000.
	src.bySymbol["US500"] = quotes.Quote{Symbol: "US500", Bid: 1900, Ask: 1901}

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.Equal(t, models.BreachTotalLoss, result.BreachReason)
	assert.Len(t, result.Closed, 1)

	// Breach closure applies the same capping/zero-floor discipline as
	// the wallet stop-out, scoped to this account's balance.
	var position models.Position
	db.Where("position_id = ?", "p1").First(&position)
	assert.Equal(t, models.PositionClosed, position.Status)
	assert.Equal(t, string(models.BreachTotalLoss), position.CloseReason)
	assert.InDelta(t, -1100.0, position.RealizedPnL, 1e-6)

	var account models.ChallengeAccount
	db.Where("account_id = ?", "c1").First(&account)
	assert.InDelta(t, 8960.0, account.CurrentBalance, 1e-6) // 10000 + 60 - 1100
	assert.Equal(t, 0.0, account.FloatingPnL)
}

func TestEvaluate_DailyLossBreach(t *testing.T) {
	db, engine, _ := setupEngine(t)
	account := seedChallenge(db, "c1", 10000, 9400, models.ChallengeEvaluation)
	db.Model(account).Update("max_daily_loss_pct", 5)
	now := time.Now().UTC()
	seedPhase(db, "c1", 0, 8, 5, 0, models.PhaseActive, &now)

	// A trade closed today with -600 realized exceeds the 500 daily limit.
	closedAt := now.Add(-time.Hour)
	db.Create(&models.Position{
		PositionID: "p-closed", AccountID: "c1", AccountKind: models.KindChallenge,
		Symbol: "US500", Side: models.SideLong, Volume: 1, ClosedVolume: 1,
		EntryPrice: 3000, Status: models.PositionClosed, RealizedPnL: -600,
		OpenedAt: now.Add(-2 * time.Hour), ClosedAt: &closedAt,
	})

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeBreached, result.Status)
	assert.Equal(t, models.BreachDailyLoss, result.BreachReason)
}

func TestEvaluate_DailyLossIgnoresOlderTrades(t *testing.T) {
	db, engine, _ := setupEngine(t)
	account := seedChallenge(db, "c1", 10000, 9400, models.ChallengeEvaluation)
	db.Model(account).Update("max_daily_loss_pct", 5)
	now := time.Now().UTC()
	seedPhase(db, "c1", 0, 8, 5, 0, models.PhaseActive, &now)

	// The same loss realized two days ago does not count today.
	closedAt := now.AddDate(0, 0, -2)
	db.Create(&models.Position{
		PositionID: "p-old", AccountID: "c1", AccountKind: models.KindChallenge,
		Symbol: "US500", Side: models.SideLong, Volume: 1, ClosedVolume: 1,
		EntryPrice: 3000, Status: models.PositionClosed, RealizedPnL: -600,
		OpenedAt: closedAt.Add(-time.Hour), ClosedAt: &closedAt,
	})

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeEvaluation, result.Status)
}

func TestEvaluate_SingleTradeLossBreach(t *testing.T) {
	db, engine, src := setupEngine(t)
	account := seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)
	db.Model(account).Updates(map[string]any{"max_single_trade_loss_pct": 5, "max_total_loss_pct": 50})
	now := time.Now().UTC()
	seedPhase(db, "c1", 0, 8, 5, 0, models.PhaseActive, &now)
	seedChallengePosition(db, "c1", "p1", "US500", models.SideLong, 1, 3000, 60)

	// One position floating at -600 against a 500 single-trade limit.
	src.bySymbol["US500"] = quotes.Quote{Symbol: "US500", Bid: 2400, Ask: 2401}

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeBreached, result.Status)
	assert.Equal(t, models.BreachSingleTradeLoss, result.BreachReason)
}

func TestEvaluate_PhasePassRequiresBothConditions(t *testing.T) {
	cases := []struct {
		name        string
		balance     float64
		tradingDays int
		passed      bool
	}{
		{"TargetOnly", 11000, 3, false}, // 10% profit but too few days
		{"DaysOnly", 10200, 6, false},   // 2% profit, days met
		{"Both", 11000, 6, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, engine, _ := setupEngine(t)
			seedChallenge(db, "c1", 10000, tc.balance, models.ChallengeEvaluation)
			now := time.Now().UTC()
			phase := seedPhase(db, "c1", 0, 8, 5, 0, models.PhaseActive, &now)
			db.Model(phase).Update("trading_days", tc.tradingDays)
			seedPhase(db, "c1", 1, 5, 5, 0, models.PhasePending, nil)

			result, err := engine.Evaluate(context.Background(), "c1")
			assert.NoError(t, err)

			var first, second models.PhaseProgress
			db.Where("account_id = ? AND phase_index = 0", "c1").First(&first)
			db.Where("account_id = ? AND phase_index = 1", "c1").First(&second)

			if tc.passed {
				assert.True(t, result.PhasePassed)
				assert.Equal(t, models.PhasePassed, first.Status)
				assert.NotNil(t, first.EndedAt)
				assert.Equal(t, models.PhaseActive, second.Status)
				assert.NotNil(t, second.StartedAt)
				assert.Equal(t, 1, result.ActivePhaseIndex)
			} else {
				assert.False(t, result.PhasePassed)
				assert.Equal(t, models.PhaseActive, first.Status)
				assert.Equal(t, models.PhasePending, second.Status)
			}
		})
	}
}

func TestEvaluate_LastPhasePassFundsAccount(t *testing.T) {
	db, engine, _ := setupEngine(t)
	seedChallenge(db, "c1", 10000, 11000, models.ChallengeEvaluation)
	now := time.Now().UTC()
	passedEnd := now.AddDate(0, 0, -10)
	first := seedPhase(db, "c1", 0, 8, 5, 0, models.PhasePassed, &passedEnd)
	db.Model(first).Update("ended_at", passedEnd)
	phase := seedPhase(db, "c1", 1, 5, 5, 0, models.PhaseActive, &now)
	db.Model(phase).Update("trading_days", 7)

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.True(t, result.PhasePassed)
	assert.Equal(t, models.ChallengeFunded, result.Status)

	var account models.ChallengeAccount
	db.Where("account_id = ?", "c1").First(&account)
	assert.Equal(t, models.ChallengeFunded, account.Status)
	assert.NotNil(t, account.FundedAt)

	var phases []models.PhaseProgress
	db.Where("account_id = ?", "c1").Find(&phases)
	for _, p := range phases {
		assert.Equal(t, models.PhasePassed, p.Status)
	}
}

func TestEvaluate_TradingPeriodExpired(t *testing.T) {
	db, engine, _ := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10200, models.ChallengeEvaluation)
	started := time.Now().UTC().AddDate(0, 0, -31)
	seedPhase(db, "c1", 0, 8, 5, 30, models.PhaseActive, &started)

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeBreached, result.Status)
	assert.Equal(t, models.BreachTradingPeriodExpired, result.BreachReason)

	var phase models.PhaseProgress
	db.Where("account_id = ? AND phase_index = 0", "c1").First(&phase)
	assert.Equal(t, models.PhaseFailed, phase.Status)
}

func TestEvaluate_TradingPeriodElapsedButTargetMetPasses(t *testing.T) {
	db, engine, _ := setupEngine(t)
	seedChallenge(db, "c1", 10000, 11000, models.ChallengeEvaluation)
	started := time.Now().UTC().AddDate(0, 0, -31)
	phase := seedPhase(db, "c1", 0, 8, 5, 30, models.PhaseActive, &started)
	db.Model(phase).Update("trading_days", 6)

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.True(t, result.PhasePassed)
	assert.Equal(t, models.ChallengeFunded, result.Status)
}

func TestEvaluate_TerminalAccountRejected(t *testing.T) {
	db, engine, _ := setupEngine(t)
	seedChallenge(db, "c1", 10000, 9000, models.ChallengeBreached)

	_, err := engine.Evaluate(context.Background(), "c1")

	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestEvaluate_ScalingMilestone(t *testing.T) {
	db, engine, _ := setupEngine(t)
	account := seedChallenge(db, "c1", 10000, 11000, models.ChallengeFunded)
	db.Model(account).Update("payouts_count", 3)

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.True(t, result.Scaled)

	var got models.ChallengeAccount
	db.Where("account_id = ?", "c1").First(&got)
	assert.InDelta(t, 2500.0, got.ScaledBalance, 1e-6) // 25% of 10000
	assert.Equal(t, 1, got.ScaleLevel)

	// Next milestone needs six payouts; re-evaluating must not scale again.
	result, err = engine.Evaluate(context.Background(), "c1")
	assert.NoError(t, err)
	assert.False(t, result.Scaled)

	db.Where("account_id = ?", "c1").First(&got)
	assert.InDelta(t, 2500.0, got.ScaledBalance, 1e-6)
}

func TestEvaluate_BreachTakesPrecedenceOverScaling(t *testing.T) {
	db, engine, src := setupEngine(t)
	account := seedChallenge(db, "c1", 10000, 11000, models.ChallengeFunded)
	db.Model(account).Update("payouts_count", 3)
	seedChallengePosition(db, "c1", "p1", "US500", models.SideLong, 1, 3000, 60)

	// Scaling conditions are met, but the open position drags equity to
	// 8500, below the 9000 breach threshold. Breach wins.
	src.bySymbol["US500"] = quotes.Quote{Symbol: "US500", Bid: 500, Ask: 501}

	result, err := engine.Evaluate(context.Background(), "c1")

	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeBreached, result.Status)
	assert.Equal(t, models.BreachTotalLoss, result.BreachReason)

	var got models.ChallengeAccount
	db.Where("account_id = ?", "c1").First(&got)
	assert.Equal(t, 0.0, got.ScaledBalance)
	assert.Equal(t, 0, got.ScaleLevel)
}

func TestEvaluate_QuoteUnavailableStopsPass(t *testing.T) {
	db, engine, _ := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)
	now := time.Now().UTC()
	seedPhase(db, "c1", 0, 8, 5, 0, models.PhaseActive, &now)
	seedChallengePosition(db, "c1", "p1", "US500", models.SideLong, 1, 3000, 60)

	// No quote seeded for US500.
	_, err := engine.Evaluate(context.Background(), "c1")

	assert.ErrorIs(t, err, quotes.ErrQuoteUnavailable)

	var position models.Position
	db.Where("position_id = ?", "p1").First(&position)
	assert.Equal(t, models.PositionOpen, position.Status)
}

func TestEvaluate_HighWaterMarkOnlyMovesForward(t *testing.T) {
	db, engine, _ := setupEngine(t)
	account := seedChallenge(db, "c1", 10000, 11000, models.ChallengeFunded)
	db.Model(account).Update("high_water_mark", 11500)

	_, err := engine.Evaluate(context.Background(), "c1")
	assert.NoError(t, err)

	var got models.ChallengeAccount
	db.Where("account_id = ?", "c1").First(&got)
	assert.Equal(t, 11500.0, got.HighWaterMark)
	assert.Equal(t, 500.0, got.CurrentDrawdown())
}
