package quotes

import (
	"errors"
	"time"
)

// ErrQuoteUnavailable is returned when no usable price exists for a
// symbol. Callers must fail closed: no margin check or valuation may
// proceed on a stale or zero quote.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Quote is a two-sided price for one instrument.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	At     time.Time `json:"at"`
}

// Valid reports whether the quote carries usable prices.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0
}

// Source provides prices to the valuation engines. GetQuote serves
// from cache when fresh and falls back to a remote fetch; it never
// returns a zero-priced quote without an error.
type Source interface {
	GetQuote(symbol string) (Quote, error)
}
