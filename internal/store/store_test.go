package store_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// uniq returns an identifier that does not collide across runs against a
// shared database.
func uniq(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func openAccount(t *testing.T, s store.Store, cash string) string {
	t.Helper()
	id := uniq("acct-")
	now := time.Now().UTC()
	if err := s.CreateAccount(context.Background(), &model.Account{ID: id, Cash: d(cash), CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return id
}

func buy(t *testing.T, s store.Store, acct, sym string, qty int64, price string) (*model.Fill, error) {
	t.Helper()
	return s.ApplyBuy(context.Background(), store.BuyOrder{
		TransactionID: uuid.NewString(), AccountID: acct, Symbol: sym,
		Quantity: qty, Price: d(price), Timestamp: time.Now().UTC(),
	})
}

func sell(t *testing.T, s store.Store, acct, sym string, qty int64, price string) (*model.Fill, error) {
	t.Helper()
	return s.ApplySell(context.Background(), store.SellOrder{
		TransactionID: uuid.NewString(), AccountID: acct, Symbol: sym,
		Quantity: qty, Price: d(price), Timestamp: time.Now().UTC(),
	})
}

// runStoreSuite exercises the behavior every Store implementation shares.
func runStoreSuite(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("AccountLifecycle", func(t *testing.T) {
		id := openAccount(t, s, "500")
		err := s.CreateAccount(ctx, &model.Account{ID: id, Cash: d("1")})
		if !errors.Is(err, model.ErrAccountExists) {
			t.Fatalf("expected ErrAccountExists, got %v", err)
		}
		cash, err := s.Deposit(ctx, id, d("250.50"))
		if err != nil {
			t.Fatal(err)
		}
		if !cash.Equal(d("750.50")) {
			t.Errorf("cash after deposit: %s", cash)
		}
		if _, err := s.GetAccount(ctx, uniq("missing-")); !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
		if _, err := s.Deposit(ctx, uniq("missing-"), d("1")); !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound on deposit, got %v", err)
		}
	})

	t.Run("BuyThenSellRemovesPosition", func(t *testing.T) {
		id := openAccount(t, s, "100000")

		f, err := buy(t, s, id, "AAPL", 10, "150")
		if err != nil {
			t.Fatal(err)
		}
		if !f.NewCash.Equal(d("98500")) || f.RemainingQuantity != 10 {
			t.Errorf("buy fill: cash %s qty %d", f.NewCash, f.RemainingQuantity)
		}

		// Entry price stays at the first fill.
		if _, err := buy(t, s, id, "AAPL", 5, "170"); err != nil {
			t.Fatal(err)
		}
		p, err := s.GetPosition(ctx, id, "AAPL")
		if err != nil {
			t.Fatal(err)
		}
		if p.Quantity != 15 || !p.EntryPrice.Equal(d("150")) {
			t.Errorf("position: qty %d entry %s", p.Quantity, p.EntryPrice)
		}

		f, err = sell(t, s, id, "AAPL", 15, "160")
		if err != nil {
			t.Fatal(err)
		}
		if f.RemainingQuantity != 0 {
			t.Errorf("remaining: %d", f.RemainingQuantity)
		}
		if _, err := s.GetPosition(ctx, id, "AAPL"); !errors.Is(err, model.ErrNoPosition) {
			t.Errorf("position should be removed, got %v", err)
		}
		positions, err := s.ListPositions(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(positions) != 0 {
			t.Errorf("expected no positions, got %d", len(positions))
		}

		txs, err := s.ListTransactions(ctx, id, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(txs) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(txs))
		}
		if txs[0].Side != model.SideBuy || txs[2].Side != model.SideSell {
			t.Errorf("transactions out of order: %+v", txs)
		}
		if !txs[2].Notional.Equal(d("2400")) {
			t.Errorf("sell notional: %s", txs[2].Notional)
		}
		a, _ := s.GetAccount(ctx, id)
		if !a.Cash.Equal(d("99550")) {
			t.Errorf("final cash: %s", a.Cash)
		}
	})

	t.Run("RejectionsLeaveStateUnchanged", func(t *testing.T) {
		id := openAccount(t, s, "100")

		_, err := buy(t, s, id, "NVDA", 1, "500")
		var oe *model.OrderError
		if !errors.As(err, &oe) || !errors.Is(err, model.ErrInsufficientFunds) {
			t.Fatalf("expected insufficient funds, got %v", err)
		}
		if !oe.Requested.Equal(d("500")) || !oe.Available.Equal(d("100")) {
			t.Errorf("details: %+v", oe)
		}

		if _, err := sell(t, s, id, "NVDA", 1, "500"); !errors.Is(err, model.ErrNoPosition) {
			t.Errorf("expected no position, got %v", err)
		}
		if _, err := buy(t, s, id, "NVDA", 2, "10"); err != nil {
			t.Fatal(err)
		}
		if _, err := sell(t, s, id, "NVDA", 3, "10"); !errors.Is(err, model.ErrInsufficientShares) {
			t.Errorf("expected insufficient shares, got %v", err)
		}

		a, _ := s.GetAccount(ctx, id)
		if !a.Cash.Equal(d("80")) {
			t.Errorf("cash: %s", a.Cash)
		}
		txs, _ := s.ListTransactions(ctx, id, "NVDA")
		if len(txs) != 1 {
			t.Errorf("expected only the successful buy, got %d", len(txs))
		}
	})

	t.Run("AccountSnapshot", func(t *testing.T) {
		id := openAccount(t, s, "1000")
		if _, err := buy(t, s, id, "MSFT", 2, "100"); err != nil {
			t.Fatal(err)
		}
		if _, err := buy(t, s, id, "AAPL", 1, "50"); err != nil {
			t.Fatal(err)
		}

		snap, err := s.AccountSnapshot(ctx, id, true)
		if err != nil {
			t.Fatal(err)
		}
		if !snap.Account.Cash.Equal(d("750")) {
			t.Errorf("snapshot cash: %s", snap.Account.Cash)
		}
		if len(snap.Positions) != 2 || snap.Positions[0].Symbol != "AAPL" || snap.Positions[1].Symbol != "MSFT" {
			t.Errorf("snapshot positions not ordered by symbol: %+v", snap.Positions)
		}
		if len(snap.Transactions) != 2 {
			t.Errorf("snapshot transactions: %d", len(snap.Transactions))
		}

		snap, err = s.AccountSnapshot(ctx, id, false)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Transactions != nil {
			t.Errorf("transactions loaded without being asked for: %d", len(snap.Transactions))
		}
		if _, err := s.AccountSnapshot(ctx, uniq("missing-"), false); !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}

		accounts, err := s.ListAccounts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for i, a := range accounts {
			if i > 0 && accounts[i-1].ID >= a.ID {
				t.Fatalf("accounts not ordered by id at %d", i)
			}
			found = found || a.ID == id
		}
		if !found {
			t.Errorf("account %s missing from ListAccounts", id)
		}
	})

	t.Run("SnapshotNeverSplitsAnOrder", func(t *testing.T) {
		id := openAccount(t, s, "10000")
		done := make(chan struct{})
		go func() {
			defer close(done)
			for range 50 {
				if _, err := buy(t, s, id, "IBM", 1, "10"); err != nil {
					return
				}
			}
		}()
		for {
			snap, err := s.AccountSnapshot(ctx, id, true)
			if err != nil {
				t.Fatal(err)
			}
			var held int64
			for _, p := range snap.Positions {
				held += p.Quantity
			}
			spent := d("10000").Sub(snap.Account.Cash)
			if !spent.Equal(decimal.NewFromInt(held * 10)) {
				t.Fatalf("cash and positions disagree: spent %s, held %d", spent, held)
			}
			if int64(len(snap.Transactions)) != held {
				t.Fatalf("transactions and positions disagree: %d vs %d", len(snap.Transactions), held)
			}
			select {
			case <-done:
				return
			default:
			}
		}
	})

	t.Run("ConcurrentSellsNeverOversell", func(t *testing.T) {
		id := openAccount(t, s, "1000")
		if _, err := buy(t, s, id, "TSLA", 10, "10"); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		filled := 0
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := sell(t, s, id, "TSLA", 1, "10"); err == nil {
					mu.Lock()
					filled++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if filled != 10 {
			t.Errorf("expected exactly 10 fills, got %d", filled)
		}
		a, _ := s.GetAccount(ctx, id)
		if !a.Cash.Equal(d("1000")) {
			t.Errorf("cash: %s", a.Cash)
		}
	})

	t.Run("MarketEvents", func(t *testing.T) {
		sym := uniq("EV")
		now := time.Now().UTC().Truncate(time.Millisecond)
		mk := func(start time.Time, minutes int) *model.MarketEvent {
			end := start.Add(time.Duration(minutes) * time.Minute)
			return &model.MarketEvent{
				ID: uuid.NewString(), Symbol: sym, Direction: model.DirectionNegative,
				ImpactPercent: d("-20"), Description: "negative 20% " + sym,
				BasePrice: d("100"), TargetPrice: d("80"),
				StartDate: start, CurveDuration: minutes, EndDate: &end, Active: true,
			}
		}
		older := mk(now.Add(-10*time.Minute), 60)
		newer := mk(now.Add(-5*time.Minute), 60)
		expired := mk(now.Add(-2*time.Hour), 30)
		for _, e := range []*model.MarketEvent{newer, expired, older} {
			if err := s.InsertMarketEvent(ctx, e); err != nil {
				t.Fatal(err)
			}
		}

		active, err := s.ListActiveEvents(ctx, sym, now)
		if err != nil {
			t.Fatal(err)
		}
		if len(active) != 2 || active[0].ID != older.ID || active[1].ID != newer.ID {
			t.Fatalf("active events not ordered by start: %+v", active)
		}

		all, err := s.ListMarketEvents(ctx, sym)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 || all[0].ID != newer.ID || all[2].ID != expired.ID {
			t.Errorf("history not newest first: %+v", all)
		}

		n, err := s.DeactivateExpired(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if n < 1 {
			t.Errorf("expected the expired event to be deactivated, got %d", n)
		}
		got, err := s.GetMarketEvent(ctx, expired.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Active {
			t.Error("expired event still active")
		}

		if err := s.DeactivateEvent(ctx, older.ID); err != nil {
			t.Fatal(err)
		}
		active, _ = s.ListActiveEvents(ctx, sym, now)
		if len(active) != 1 || active[0].ID != newer.ID {
			t.Errorf("after deactivate: %+v", active)
		}
		if err := s.DeactivateEvent(ctx, uuid.NewString()); !errors.Is(err, model.ErrEventNotFound) {
			t.Errorf("expected ErrEventNotFound, got %v", err)
		}
		if _, err := s.GetMarketEvent(ctx, uuid.NewString()); !errors.Is(err, model.ErrEventNotFound) {
			t.Errorf("expected ErrEventNotFound, got %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, store.NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	end := time.Now().Add(time.Hour)
	e := &model.MarketEvent{ID: "e1", Symbol: "AAPL", StartDate: time.Now(), EndDate: &end, Active: true}
	if err := s.InsertMarketEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Active = false
	*e.EndDate = time.Time{}

	got, err := s.GetMarketEvent(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active || got.EndDate.IsZero() {
		t.Error("stored event was mutated through the caller's pointer")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	s := store.NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	runStoreSuite(t, s)
}
