package challenge

import (
	"context"
	"testing"

	"riskengine/internal/models"
	"riskengine/internal/quotes"

	"github.com/stretchr/testify/assert"
)

func TestOpenTrade_ReservesMargin(t *testing.T) {
	db, engine, src := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)
	src.bySymbol["EURUSD"] = quotes.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	position, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideLong, 0.05)

	assert.NoError(t, err)
	assert.Equal(t, models.PositionOpen, position.Status)
	assert.Equal(t, 1.1002, position.EntryPrice) // BUY fills at ask
	// 0.05 * 100000 * 1.1002 / 100
	assert.InDelta(t, 55.01, position.MarginReserved, 1e-6)

	var account models.ChallengeAccount
	db.Where("account_id = ?", "c1").First(&account)
	assert.InDelta(t, 10000-55.01, account.CurrentBalance, 1e-6)
}

func TestOpenTrade_ShortFillsAtBid(t *testing.T) {
	db, engine, src := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)
	src.bySymbol["EURUSD"] = quotes.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	position, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideShort, 0.05)

	assert.NoError(t, err)
	assert.Equal(t, 1.1000, position.EntryPrice)
}

func TestOpenTrade_SpreadOverride(t *testing.T) {
	db, engine, src := setupEngine(t)
	engine.cfg.Quotes.SpreadOverride = 0.0001
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)
	src.bySymbol["EURUSD"] = quotes.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	long, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideLong, 0.05)
	assert.NoError(t, err)
	assert.InDelta(t, 1.1003, long.EntryPrice, 1e-9)

	short, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideShort, 0.05)
	assert.NoError(t, err)
	assert.InDelta(t, 1.0999, short.EntryPrice, 1e-9)
}

func TestOpenTrade_InsufficientMargin(t *testing.T) {
	db, engine, src := setupEngine(t)
	seedChallenge(db, "c1", 10000, 100, models.ChallengeEvaluation)
	src.bySymbol["EURUSD"] = quotes.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	// 1 lot needs ~1100 margin against a balance of 100.
	_, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideLong, 1)

	assert.ErrorIs(t, err, models.ErrInsufficientMargin)

	var count int64
	db.Model(&models.Position{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestOpenTrade_Validation(t *testing.T) {
	db, engine, src := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)
	src.bySymbol["EURUSD"] = quotes.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	_, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", "SIDEWAYS", 1)
	assert.ErrorIs(t, err, models.ErrInvalidSide)

	_, err = engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideLong, -1)
	assert.ErrorIs(t, err, models.ErrInvalidVolume)

	_, err = engine.OpenTrade(context.Background(), "c1", "NOPE", models.SideLong, 1)
	assert.ErrorIs(t, err, models.ErrUnknownSymbol)

	_, err = engine.OpenTrade(context.Background(), "missing", "EURUSD", models.SideLong, 1)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestOpenTrade_TerminalAccountRejected(t *testing.T) {
	db, engine, src := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeBreached)
	src.bySymbol["EURUSD"] = quotes.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002}

	_, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideLong, 0.05)

	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestOpenTrade_QuoteUnavailable(t *testing.T) {
	db, engine, _ := setupEngine(t)
	seedChallenge(db, "c1", 10000, 10000, models.ChallengeEvaluation)

	_, err := engine.OpenTrade(context.Background(), "c1", "EURUSD", models.SideLong, 0.05)

	assert.ErrorIs(t, err, quotes.ErrQuoteUnavailable)
}
