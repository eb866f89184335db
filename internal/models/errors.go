package models

import "errors"

// Domain errors shared across the engines. Callers branch with
// errors.Is; wrapped context is added at the call site.
var (
	ErrUnknownSymbol          = errors.New("unknown symbol")
	ErrInvalidVolume          = errors.New("invalid volume")
	ErrInvalidSide            = errors.New("invalid side")
	ErrInvalidPrice           = errors.New("invalid price")
	ErrAccountNotFound        = errors.New("account not found")
	ErrPositionNotFound       = errors.New("position not found")
	ErrPayoutNotFound         = errors.New("payout not found")
	ErrInsufficientMargin     = errors.New("insufficient margin")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrAlreadyProcessed       = errors.New("already processed")

	// Payout validation failures carry the specific unmet condition.
	ErrPayoutBelowMinimum  = errors.New("payout below minimum amount")
	ErrPayoutExceedsProfit = errors.New("payout exceeds available profit")
	ErrConsistencyTooLow   = errors.New("consistency score below required threshold")
	ErrPayoutThrottled     = errors.New("payout frequency limit not yet elapsed")
	ErrUnknownPayoutOption = errors.New("unknown payout option")
)
