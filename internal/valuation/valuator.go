package valuation

import (
	"fmt"

	"riskengine/internal/models"
	"riskengine/internal/quotes"
)

// Valuator converts positions and quotes into margin requirements and
// floating P&L. It is stateless apart from the static instrument table
// resolved at construction; both the wallet monitor and the challenge
// state machine call through it.
type Valuator struct {
	instruments map[string]models.Instrument
}

// NewValuator builds a valuator over the given instrument table.
func NewValuator(instruments []models.Instrument) *Valuator {
	table := make(map[string]models.Instrument, len(instruments))
	for _, inst := range instruments {
		table[inst.Symbol] = inst
	}
	return &Valuator{instruments: table}
}

// Instrument resolves the contract terms for a symbol.
func (v *Valuator) Instrument(symbol string) (models.Instrument, error) {
	inst, ok := v.instruments[symbol]
	if !ok || !inst.Enabled {
		return models.Instrument{}, fmt.Errorf("%w: %s", models.ErrUnknownSymbol, symbol)
	}
	return inst, nil
}

// MarginRequired computes the capital reserved to hold volume lots at
// the given price: volume × contractSize × price ÷ leverage.
func (v *Valuator) MarginRequired(symbol string, volume, price float64) (float64, error) {
	if volume <= 0 {
		return 0, fmt.Errorf("%w: %f", models.ErrInvalidVolume, volume)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %f", models.ErrInvalidPrice, price)
	}
	inst, err := v.Instrument(symbol)
	if err != nil {
		return 0, err
	}
	return volume * inst.ContractSize * price / inst.Leverage, nil
}

// FloatingPnL computes the unrealized P&L of the still-open portion of
// a position. A long marks against bid, a short against ask.
func (v *Valuator) FloatingPnL(p *models.Position, q quotes.Quote) (float64, error) {
	if !q.Valid() {
		return 0, fmt.Errorf("%w: %s", quotes.ErrQuoteUnavailable, p.Symbol)
	}
	inst, err := v.Instrument(p.Symbol)
	if err != nil {
		return 0, err
	}

	remaining := p.RemainingVolume()
	if remaining <= 0 {
		return 0, nil
	}

	switch p.Side {
	case models.SideLong:
		return (q.Bid - p.EntryPrice) * remaining * inst.ContractSize, nil
	case models.SideShort:
		return (p.EntryPrice - q.Ask) * remaining * inst.ContractSize, nil
	default:
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidSide, p.Side)
	}
}

// ClosePrice is the market price at which a position closes: bid for a
// long, ask for a short.
func ClosePrice(side models.Side, q quotes.Quote) float64 {
	if side == models.SideLong {
		return q.Bid
	}
	return q.Ask
}

// EntryPrice is the fill price on order placement: a BUY fills at ask,
// a SELL at bid. The taker bears the spread at entry; a configured
// spread override widens both sides before the fill.
func EntryPrice(side models.Side, q quotes.Quote, spreadOverride float64) (float64, error) {
	if !q.Valid() {
		return 0, fmt.Errorf("%w: %s", quotes.ErrQuoteUnavailable, q.Symbol)
	}
	switch side {
	case models.SideLong:
		return q.Ask + spreadOverride, nil
	case models.SideShort:
		return q.Bid - spreadOverride, nil
	default:
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidSide, side)
	}
}
