package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for domain-level error handling.
// The HTTP layer maps these to status codes.
var (
	ErrInsufficientFunds      = errors.New("insufficient_funds")
	ErrInsufficientShares     = errors.New("insufficient_shares")
	ErrNoPosition             = errors.New("no_position")
	ErrInvalidQuantity        = errors.New("invalid_quantity")
	ErrInvalidSymbol          = errors.New("invalid_symbol")
	ErrInvalidSide            = errors.New("invalid_side")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrPriceUnavailable       = errors.New("price_unavailable")
	ErrAccountNotFound        = errors.New("account_not_found")
	ErrAccountExists          = errors.New("account_exists")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrInvalidEvent           = errors.New("invalid_event")
	ErrEventNotFound          = errors.New("event_not_found")
)

// OrderError reports which order constraint was violated together with
// the requested and available amounts.
type OrderError struct {
	Kind      error
	Symbol    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s: %s requested %s, available %s",
		e.Kind, e.Symbol, e.Requested.String(), e.Available.String())
}

func (e *OrderError) Unwrap() error { return e.Kind }

// InsufficientFunds builds the error returned when a buy's notional
// exceeds the account's cash.
func InsufficientFunds(symbol string, notional, cash decimal.Decimal) error {
	return &OrderError{Kind: ErrInsufficientFunds, Symbol: symbol, Requested: notional, Available: cash}
}

// InsufficientShares builds the error returned when a sell exceeds the
// held quantity.
func InsufficientShares(symbol string, requested, held int64) error {
	return &OrderError{
		Kind:      ErrInsufficientShares,
		Symbol:    symbol,
		Requested: decimal.NewFromInt(requested),
		Available: decimal.NewFromInt(held),
	}
}
