package trade_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/portfolio"
	"github.com/stotra/trade-engine/internal/store"
	"github.com/stotra/trade-engine/internal/trade"
)

var propSymbols = []string{"AAPL", "TSLA", "NVDA"}

// TestProperty_LedgerConservation drives random order sequences and checks
// that cash moves by exactly the signed notional of each fill, rejected
// orders change nothing, and positions always equal net traded quantity.
func TestProperty_LedgerConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		ms := store.NewMemoryStore()
		prices := newFakePrices()
		svc := trade.NewService(ms, prices, portfolio.NewProjector(ms, prices), nil)
		proj := portfolio.NewProjector(ms, prices)

		start := decimal.NewFromInt(rapid.Int64Range(0, 50000).Draw(rt, "cash"))
		if err := ms.CreateAccount(ctx, &model.Account{ID: "p", Cash: start}); err != nil {
			rt.Fatal(err)
		}

		expected := start
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			sym := rapid.SampledFrom(propSymbols).Draw(rt, "symbol")
			cents := rapid.Int64Range(1, 50000).Draw(rt, "price_cents")
			prices.set(sym, decimal.New(cents, -2).String())
			side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(rt, "side")
			qty := rapid.Int64Range(1, 20).Draw(rt, "qty")

			before, _ := ms.GetAccount(ctx, "p")
			txsBefore, _ := ms.ListTransactions(ctx, "p", "")

			res, err := svc.Execute(ctx, trade.OrderRequest{AccountID: "p", Symbol: sym, Side: side, Quantity: qty})
			after, _ := ms.GetAccount(ctx, "p")
			txsAfter, _ := ms.ListTransactions(ctx, "p", "")

			if err != nil {
				if !errors.Is(err, model.ErrInsufficientFunds) &&
					!errors.Is(err, model.ErrInsufficientShares) &&
					!errors.Is(err, model.ErrNoPosition) {
					rt.Fatalf("unexpected error: %v", err)
				}
				if !after.Cash.Equal(before.Cash) || len(txsAfter) != len(txsBefore) {
					rt.Fatalf("rejected order mutated state")
				}
				continue
			}

			if side == model.SideBuy {
				expected = expected.Sub(res.Notional)
			} else {
				expected = expected.Add(res.Notional)
			}
			if !after.Cash.Equal(expected) {
				rt.Fatalf("cash %s, expected %s", after.Cash, expected)
			}
			if after.Cash.IsNegative() {
				rt.Fatalf("cash went negative: %s", after.Cash)
			}
			if len(txsAfter) != len(txsBefore)+1 {
				rt.Fatalf("expected one new transaction")
			}
		}

		mismatches, err := proj.Reconcile(ctx, "p")
		if err != nil {
			rt.Fatal(err)
		}
		if len(mismatches) != 0 {
			rt.Fatalf("positions disagree with transactions: %+v", mismatches)
		}

		positions, _ := ms.ListPositions(ctx, "p")
		for _, pos := range positions {
			if pos.Quantity <= 0 {
				rt.Fatalf("stored non-positive position %+v", pos)
			}
		}
	})
}
