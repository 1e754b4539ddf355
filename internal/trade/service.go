// Package trade provides the ledger engine and the HTTP surface for
// accounts, orders and portfolios.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/metrics"
	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/portfolio"
	"github.com/stotra/trade-engine/internal/store"
)

// MaxDeposit caps a single deposit.
var MaxDeposit = decimal.NewFromInt(10000)

// PriceSource supplies the execution price for an order. Prices never come
// from the client.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Service executes orders against the ledger. Atomicity comes from the
// store's conditional updates; the service holds no locks across I/O.
type Service struct {
	ledger    store.LedgerStore
	prices    PriceSource
	projector *portfolio.Projector
	hub       *NotifyHub // optional, nil disables notifications
	now       func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if order notifications are not needed.
func NewService(ledger store.LedgerStore, prices PriceSource, projector *portfolio.Projector, hub *NotifyHub) *Service {
	return &Service{
		ledger:    ledger,
		prices:    prices,
		projector: projector,
		hub:       hub,
		now:       time.Now,
	}
}

// OrderRequest is a market order for whole shares.
type OrderRequest struct {
	AccountID string     `json:"account_id"`
	Symbol    string     `json:"symbol"`
	Side      model.Side `json:"side"`
	Quantity  int64      `json:"quantity"`
}

// OrderResult is returned for a filled order.
type OrderResult struct {
	TransactionID     string          `json:"transaction_id"`
	AccountID         string          `json:"account_id"`
	Symbol            string          `json:"symbol"`
	Side              model.Side      `json:"side"`
	Quantity          int64           `json:"quantity"`
	ExecutionPrice    decimal.Decimal `json:"execution_price"`
	Notional          decimal.Decimal `json:"notional"`
	NewCashBalance    decimal.Decimal `json:"new_cash_balance"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Execute validates the order, prices it and applies it atomically. On any
// error cash, position and transaction log are left untouched.
func (s *Service) Execute(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := time.Now()
	res, err := s.execute(ctx, req)

	side := string(req.Side)
	if !req.Side.Valid() {
		side = "invalid"
	}
	metrics.OrdersTotal.WithLabelValues(side, resultLabel(err)).Inc()
	metrics.OrderLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Warn("order rejected",
			"account", req.AccountID,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Quantity,
			"err", err,
		)
		return nil, err
	}

	metrics.TradedNotional.WithLabelValues(res.Symbol, side).Add(res.Notional.InexactFloat64())
	slog.Info("order executed",
		"tx_id", res.TransactionID,
		"account", res.AccountID,
		"symbol", res.Symbol,
		"side", res.Side,
		"qty", res.Quantity,
		"price", res.ExecutionPrice.String(),
		"cash", res.NewCashBalance.String(),
		"remaining", res.RemainingQuantity,
	)

	if s.hub != nil {
		s.hub.Notify(res.AccountID, Notification{Type: "order_executed", AccountID: res.AccountID, Order: res})
	}
	return res, nil
}

func (s *Service) execute(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity %d: %w", req.Quantity, model.ErrInvalidQuantity)
	}
	symbol := model.NormalizeSymbol(req.Symbol)
	if !model.ValidSymbol(symbol) {
		return nil, fmt.Errorf("symbol %q: %w", req.Symbol, model.ErrInvalidSymbol)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("side %q: %w", req.Side, model.ErrInvalidSide)
	}
	if req.AccountID == "" {
		return nil, fmt.Errorf("empty account id: %w", model.ErrAccountNotFound)
	}

	price, err := s.prices.Price(ctx, symbol)
	if err != nil {
		if !errors.Is(err, model.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrPriceUnavailable, err)
		}
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price %s for %s", model.ErrPriceUnavailable, price, symbol)
	}

	txID := uuid.New().String()
	ts := s.now().UTC()

	var fill *model.Fill
	switch req.Side {
	case model.SideBuy:
		fill, err = s.ledger.ApplyBuy(ctx, store.BuyOrder{
			TransactionID: txID, AccountID: req.AccountID, Symbol: symbol,
			Quantity: req.Quantity, Price: price, Timestamp: ts,
		})
	case model.SideSell:
		fill, err = s.ledger.ApplySell(ctx, store.SellOrder{
			TransactionID: txID, AccountID: req.AccountID, Symbol: symbol,
			Quantity: req.Quantity, Price: price, Timestamp: ts,
		})
	}
	if err != nil {
		return nil, err
	}

	return &OrderResult{
		TransactionID:     fill.Transaction.ID,
		AccountID:         fill.Transaction.AccountID,
		Symbol:            fill.Transaction.Symbol,
		Side:              fill.Transaction.Side,
		Quantity:          fill.Transaction.Quantity,
		ExecutionPrice:    fill.Transaction.Price,
		Notional:          fill.Transaction.Notional,
		NewCashBalance:    fill.NewCash,
		RemainingQuantity: fill.RemainingQuantity,
		Timestamp:         fill.Transaction.Timestamp,
	}, nil
}

// resultLabel buckets an order outcome for metrics.
func resultLabel(err error) string {
	for _, e := range []error{
		model.ErrInsufficientFunds,
		model.ErrInsufficientShares,
		model.ErrNoPosition,
		model.ErrInvalidQuantity,
		model.ErrInvalidSymbol,
		model.ErrInvalidSide,
		model.ErrPriceUnavailable,
		model.ErrAccountNotFound,
		model.ErrConcurrentModification,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	if err != nil {
		return "error"
	}
	return "filled"
}

// CreateAccount opens an account with initialCash. An empty id gets a
// generated one.
func (s *Service) CreateAccount(ctx context.Context, id string, initialCash decimal.Decimal) (*model.Account, error) {
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("initial cash %s: %w", initialCash, model.ErrInvalidAmount)
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UTC()
	a := &model.Account{ID: id, Cash: initialCash, CreatedAt: now, UpdatedAt: now}
	if err := s.ledger.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	slog.Info("account created", "account", id, "cash", initialCash.String())
	return a, nil
}

// Deposit adds funds to an account. Amounts must be positive and at most
// MaxDeposit.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() || amount.GreaterThan(MaxDeposit) {
		return decimal.Zero, fmt.Errorf("deposit %s: %w: must be in (0, %s]", amount, model.ErrInvalidAmount, MaxDeposit)
	}
	cash, err := s.ledger.Deposit(ctx, accountID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	slog.Info("deposit", "account", accountID, "amount", amount.String(), "cash", cash.String())
	return cash, nil
}

// Balance returns the account record.
func (s *Service) Balance(ctx context.Context, accountID string) (*model.Account, error) {
	return s.ledger.GetAccount(ctx, accountID)
}

// Transactions returns the account's transaction log, optionally for one
// symbol.
func (s *Service) Transactions(ctx context.Context, accountID, symbol string) ([]model.Transaction, error) {
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if symbol != "" {
		symbol = model.NormalizeSymbol(symbol)
	}
	txs, err := s.ledger.ListTransactions(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return txs, nil
}
