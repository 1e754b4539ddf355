package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/model"
)

// btreeDegree is the B-tree node degree for the event index.
const btreeDegree = 16

type positionKey struct {
	accountID string
	symbol    string
}

// eventItem orders events by symbol, start date, then ID so a scan of one
// symbol yields events in the order they were started.
type eventItem struct {
	symbol string
	start  time.Time
	id     string
}

func eventLess(a, b eventItem) bool {
	if a.symbol != b.symbol {
		return a.symbol < b.symbol
	}
	if !a.start.Equal(b.start) {
		return a.start.Before(b.start)
	}
	return a.id < b.id
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards every map, so each ApplyBuy/ApplySell is applied
// as one critical section and readers never see a partial order.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	positions    map[positionKey]*model.Position
	transactions []model.Transaction
	events       map[string]*model.MarketEvent
	eventIndex   *btree.BTreeG[eventItem]
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*model.Account),
		positions:  make(map[positionKey]*model.Position),
		events:     make(map[string]*model.MarketEvent),
		eventIndex: btree.NewG[eventItem](btreeDegree, eventLess),
		now:        time.Now,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrAccountExists)
	}
	if a.Cash.IsNegative() {
		return fmt.Errorf("account %s: %w: negative cash", a.ID, model.ErrInvalidAmount)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// AccountSnapshot holds the read lock across every part so no order can
// land between them.
func (s *MemoryStore) AccountSnapshot(_ context.Context, accountID string, withTransactions bool) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	acct := *a
	snap := &Snapshot{Account: &acct, Positions: s.positionsLocked(accountID)}
	if withTransactions {
		snap.Transactions = s.transactionsLocked(accountID, "")
	}
	return snap, nil
}

func (s *MemoryStore) Deposit(_ context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	a.Cash = a.Cash.Add(amount)
	a.UpdatedAt = s.now().UTC()
	return a.Cash, nil
}

func (s *MemoryStore) ApplyBuy(_ context.Context, o BuyOrder) (*model.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[o.AccountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", o.AccountID, model.ErrAccountNotFound)
	}
	notional := o.Price.Mul(decimal.NewFromInt(o.Quantity))
	if a.Cash.LessThan(notional) {
		return nil, model.InsufficientFunds(o.Symbol, notional, a.Cash)
	}

	// Every check has passed; nothing below can fail.
	a.Cash = a.Cash.Sub(notional)
	a.UpdatedAt = o.Timestamp

	key := positionKey{o.AccountID, o.Symbol}
	p, ok := s.positions[key]
	if !ok {
		p = &model.Position{
			AccountID:  o.AccountID,
			Symbol:     o.Symbol,
			EntryPrice: o.Price,
			OpenedAt:   o.Timestamp,
		}
		s.positions[key] = p
	}
	p.Quantity += o.Quantity

	tx := model.Transaction{
		ID:        o.TransactionID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      model.SideBuy,
		Quantity:  o.Quantity,
		Price:     o.Price,
		Notional:  notional,
		Timestamp: o.Timestamp,
	}
	s.transactions = append(s.transactions, tx)

	return &model.Fill{Transaction: tx, NewCash: a.Cash, RemainingQuantity: p.Quantity}, nil
}

func (s *MemoryStore) ApplySell(_ context.Context, o SellOrder) (*model.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[o.AccountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", o.AccountID, model.ErrAccountNotFound)
	}
	key := positionKey{o.AccountID, o.Symbol}
	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", o.Symbol, model.ErrNoPosition)
	}
	if p.Quantity < o.Quantity {
		return nil, model.InsufficientShares(o.Symbol, o.Quantity, p.Quantity)
	}

	p.Quantity -= o.Quantity
	remaining := p.Quantity
	if remaining == 0 {
		delete(s.positions, key)
	}

	notional := o.Price.Mul(decimal.NewFromInt(o.Quantity))
	a.Cash = a.Cash.Add(notional)
	a.UpdatedAt = o.Timestamp

	tx := model.Transaction{
		ID:        o.TransactionID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      model.SideSell,
		Quantity:  o.Quantity,
		Price:     o.Price,
		Notional:  notional,
		Timestamp: o.Timestamp,
	}
	s.transactions = append(s.transactions, tx)

	return &model.Fill{Transaction: tx, NewCash: a.Cash, RemainingQuantity: remaining}, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{accountID, symbol}]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, model.ErrNoPosition)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionsLocked(accountID), nil
}

func (s *MemoryStore) positionsLocked(accountID string) []model.Position {
	var result []model.Position
	for k, p := range s.positions {
		if k.accountID == accountID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID, symbol string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionsLocked(accountID, symbol), nil
}

func (s *MemoryStore) transactionsLocked(accountID, symbol string) []model.Transaction {
	var result []model.Transaction
	for _, t := range s.transactions {
		if t.AccountID != accountID {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		result = append(result, t)
	}
	return result
}

// --- Market events ---

func (s *MemoryStore) InsertMarketEvent(_ context.Context, e *model.MarketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("market event %s already exists", e.ID)
	}
	s.events[e.ID] = copyEvent(e)
	s.eventIndex.ReplaceOrInsert(eventItem{symbol: e.Symbol, start: e.StartDate, id: e.ID})
	return nil
}

func (s *MemoryStore) GetMarketEvent(_ context.Context, id string) (*model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("market event %s: %w", id, model.ErrEventNotFound)
	}
	return copyEvent(e), nil
}

func (s *MemoryStore) ListActiveEvents(_ context.Context, symbol string, now time.Time) ([]model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarketEvent
	s.eventIndex.AscendGreaterOrEqual(eventItem{symbol: symbol}, func(it eventItem) bool {
		if it.symbol != symbol {
			return false
		}
		if e := s.events[it.id]; e != nil && e.InWindow(now) {
			result = append(result, *copyEvent(e))
		}
		return true
	})
	return result, nil
}

func (s *MemoryStore) ListMarketEvents(_ context.Context, symbol string) ([]model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarketEvent
	s.eventIndex.Descend(func(it eventItem) bool {
		if symbol == "" || it.symbol == symbol {
			result = append(result, *copyEvent(s.events[it.id]))
		}
		return true
	})
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartDate.After(result[j].StartDate)
	})
	return result, nil
}

func (s *MemoryStore) DeactivateEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("market event %s: %w", id, model.ErrEventNotFound)
	}
	e.Active = false
	return nil
}

func (s *MemoryStore) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.events {
		if e.Active && e.EndDate != nil && e.EndDate.Before(now) {
			e.Active = false
			n++
		}
	}
	return n, nil
}

func copyEvent(e *model.MarketEvent) *model.MarketEvent {
	c := *e
	if e.EndDate != nil {
		end := *e.EndDate
		c.EndDate = &end
	}
	return &c
}
