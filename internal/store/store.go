// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth) and in-memory
// (for testing and local development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/model"
)

// BuyOrder is a priced buy ready to be applied atomically.
type BuyOrder struct {
	TransactionID string
	AccountID     string
	Symbol        string
	Quantity      int64
	Price         decimal.Decimal
	Timestamp     time.Time
}

// SellOrder is a priced sell ready to be applied atomically.
type SellOrder struct {
	TransactionID string
	AccountID     string
	Symbol        string
	Quantity      int64
	Price         decimal.Decimal
	Timestamp     time.Time
}

// Snapshot is an account with its positions and, when requested, its
// transaction log, all reflecting the same set of applied orders.
type Snapshot struct {
	Account      *model.Account
	Positions    []model.Position
	Transactions []model.Transaction
}

// LedgerStore persists accounts, positions and the transaction log.
type LedgerStore interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Returns model.ErrAccountExists
	// if the ID is taken.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns every account ordered by ID.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// AccountSnapshot reads an account and its positions (and transactions
	// if withTransactions) as one consistent view. An order is either fully
	// visible in every part or in none.
	AccountSnapshot(ctx context.Context, accountID string, withTransactions bool) (*Snapshot, error)

	// Deposit atomically adds amount to the account's cash.
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)

	// --- Orders ---

	// ApplyBuy debits cash if it covers the notional, upserts the position
	// and appends the transaction, all or nothing.
	ApplyBuy(ctx context.Context, order BuyOrder) (*model.Fill, error)

	// ApplySell decrements the position if it holds at least the requested
	// quantity (removing it at zero), credits cash and appends the
	// transaction, all or nothing.
	ApplySell(ctx context.Context, order SellOrder) (*model.Fill, error)

	// --- Positions and history ---

	// GetPosition returns model.ErrNoPosition when nothing is held.
	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ListPositions returns all positions of an account ordered by symbol.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListTransactions returns an account's transactions in time order,
	// optionally filtered by symbol ("" for all).
	ListTransactions(ctx context.Context, accountID, symbol string) ([]model.Transaction, error)
}

// EventStore persists market events.
type EventStore interface {
	// InsertMarketEvent persists a new event.
	InsertMarketEvent(ctx context.Context, event *model.MarketEvent) error

	// GetMarketEvent retrieves an event by ID.
	GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error)

	// ListActiveEvents returns the events of symbol that apply at now,
	// ordered by start date then ID.
	ListActiveEvents(ctx context.Context, symbol string, now time.Time) ([]model.MarketEvent, error)

	// ListMarketEvents returns every event, optionally filtered by symbol,
	// newest first.
	ListMarketEvents(ctx context.Context, symbol string) ([]model.MarketEvent, error)

	// DeactivateEvent marks an event inactive.
	DeactivateEvent(ctx context.Context, id string) error

	// DeactivateExpired marks every active event whose end date has passed
	// as inactive and returns how many were changed.
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence interface.
type Store interface {
	LedgerStore
	EventStore
}
