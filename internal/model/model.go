// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Direction is the sign of a market event's price impact.
type Direction string

const (
	DirectionPositive Direction = "positive"
	DirectionNegative Direction = "negative"
)

var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// NormalizeSymbol trims and upper-cases a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidSymbol reports whether an already-normalized ticker is well formed.
func ValidSymbol(symbol string) bool {
	return symbolRegex.MatchString(symbol)
}

// Account is a user's cash balance. Identity and credentials live outside
// the engine; only the ledger mutates Cash.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is the current holding of one symbol by one account. It is a
// cache of the transaction history; a zero quantity is never stored.
type Position struct {
	AccountID  string          `json:"account_id" db:"account_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"` // first-fill price
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
}

// Transaction is an immutable record of an executed order.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      Side            `json:"side" db:"side"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Notional  decimal.Decimal `json:"notional" db:"notional"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Fill is the outcome of an atomically applied order.
type Fill struct {
	Transaction       Transaction     `json:"transaction"`
	NewCash           decimal.Decimal `json:"new_cash"`
	RemainingQuantity int64           `json:"remaining_quantity"`
}

// MarketEvent is a synthetic crash or boom that bends a symbol's price
// towards TargetPrice over CurveDuration minutes.
type MarketEvent struct {
	ID            string          `json:"id" db:"id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Direction     Direction       `json:"direction" db:"direction"`
	ImpactPercent decimal.Decimal `json:"impact_percent" db:"impact_percent"`
	Description   string          `json:"description" db:"description"`
	BasePrice     decimal.Decimal `json:"base_price" db:"base_price"`
	TargetPrice   decimal.Decimal `json:"target_price" db:"target_price"`
	StartDate     time.Time       `json:"start_date" db:"start_date"`
	CurveDuration int             `json:"curve_duration" db:"curve_duration"` // minutes
	EndDate       *time.Time      `json:"end_date,omitempty" db:"end_date"`
	Active        bool            `json:"active" db:"active"`
}

// InWindow reports whether the event applies at now.
func (e *MarketEvent) InWindow(now time.Time) bool {
	if !e.Active || now.Before(e.StartDate) {
		return false
	}
	return e.EndDate == nil || !now.After(*e.EndDate)
}

// Candle is one OHLCV bar pushed to stream subscribers. Never persisted.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// Quote is a price snapshot from an upstream provider.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Source        string          `json:"source"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Simulation is a quote blended with the symbol's active market events.
type Simulation struct {
	Symbol         string          `json:"symbol"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	SimulatedPrice decimal.Decimal `json:"simulated_price"`
	PreviousClose  decimal.Decimal `json:"previous_close"`
	ChangePercent  decimal.Decimal `json:"change_percent"`
	Source         string          `json:"source"`
	Events         []MarketEvent   `json:"events"`
}

// PositionValue is a position marked to the current simulated price.
type PositionValue struct {
	Symbol         string          `json:"symbol"`
	Quantity       int64           `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	OpenedAt       time.Time       `json:"opened_at"`
	Price          decimal.Decimal `json:"price"`
	Value          decimal.Decimal `json:"value"`
	PrevCloseValue decimal.Decimal `json:"prev_close_value"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"` // value - quantity*entry
}

// Portfolio aggregates an account's cash and marked positions.
type Portfolio struct {
	AccountID               string          `json:"account_id"`
	Cash                    decimal.Decimal `json:"cash"`
	Positions               []PositionValue `json:"positions"`
	PortfolioValue          decimal.Decimal `json:"portfolio_value"`
	PortfolioPrevCloseValue decimal.Decimal `json:"portfolio_prev_close_value"`
	TotalValue              decimal.Decimal `json:"total_value"` // cash + portfolio value
	AsOf                    time.Time       `json:"as_of"`
}
