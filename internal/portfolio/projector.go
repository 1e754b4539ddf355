// Package portfolio marks an account's positions to the current simulated
// prices and checks positions against the transaction log.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/store"
)

// maxConcurrentQuotes bounds parallel price lookups per projection.
const maxConcurrentQuotes = 8

// Simulator prices a symbol including active market events.
type Simulator interface {
	Simulate(ctx context.Context, symbol string) (*model.Simulation, error)
}

// Projector derives portfolios from the ledger.
type Projector struct {
	ledger store.LedgerStore
	sim    Simulator
	now    func() time.Time
}

// NewProjector creates a projector.
func NewProjector(ledger store.LedgerStore, sim Simulator) *Projector {
	return &Projector{ledger: ledger, sim: sim, now: time.Now}
}

// Project values every position of accountID at its simulated price. If
// any symbol cannot be priced the whole projection fails with
// model.ErrPriceUnavailable rather than reporting a partial value.
func (p *Projector) Project(ctx context.Context, accountID string) (*model.Portfolio, error) {
	snap, err := p.ledger.AccountSnapshot(ctx, accountID, false)
	if err != nil {
		return nil, err
	}
	prices, err := p.price(ctx, symbolsOf(snap.Positions))
	if err != nil {
		return nil, err
	}
	return p.value(snap, prices), nil
}

// price simulates each symbol once.
func (p *Projector) price(ctx context.Context, symbols []string) (map[string]*model.Simulation, error) {
	sims := make([]*model.Simulation, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQuotes)
	for i, sym := range symbols {
		g.Go(func() error {
			s, err := p.sim.Simulate(gctx, sym)
			if err != nil {
				return fmt.Errorf("price %s: %w", sym, err)
			}
			sims[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]*model.Simulation, len(symbols))
	for i, sym := range symbols {
		out[sym] = sims[i]
	}
	return out, nil
}

func (p *Projector) value(snap *store.Snapshot, prices map[string]*model.Simulation) *model.Portfolio {
	out := &model.Portfolio{
		AccountID:               snap.Account.ID,
		Cash:                    snap.Account.Cash,
		Positions:               make([]model.PositionValue, 0, len(snap.Positions)),
		PortfolioValue:          decimal.Zero,
		PortfolioPrevCloseValue: decimal.Zero,
		AsOf:                    p.now().UTC(),
	}
	for _, pos := range snap.Positions {
		qty := decimal.NewFromInt(pos.Quantity)
		s := prices[pos.Symbol]
		value := s.SimulatedPrice.Mul(qty)
		prev := s.PreviousClose.Mul(qty)
		out.Positions = append(out.Positions, model.PositionValue{
			Symbol:         pos.Symbol,
			Quantity:       pos.Quantity,
			EntryPrice:     pos.EntryPrice,
			OpenedAt:       pos.OpenedAt,
			Price:          s.SimulatedPrice,
			Value:          value,
			PrevCloseValue: prev,
			UnrealizedPnL:  value.Sub(pos.EntryPrice.Mul(qty)),
		})
		out.PortfolioValue = out.PortfolioValue.Add(value)
		out.PortfolioPrevCloseValue = out.PortfolioPrevCloseValue.Add(prev)
	}
	out.TotalValue = out.Cash.Add(out.PortfolioValue)
	return out
}

func symbolsOf(positions []model.Position) []string {
	seen := make(map[string]struct{}, len(positions))
	var out []string
	for _, pos := range positions {
		if _, ok := seen[pos.Symbol]; ok {
			continue
		}
		seen[pos.Symbol] = struct{}{}
		out = append(out, pos.Symbol)
	}
	return out
}

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

// LeaderboardEntry is one ranked account.
type LeaderboardEntry struct {
	Rank           int             `json:"rank"`
	AccountID      string          `json:"account_id"`
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
}

// Leaderboard ranks accounts by total value, highest first, ties broken by
// account ID. Every held symbol is priced once for the whole board; one
// unpriceable symbol fails the board. limit <= 0 means
// DefaultLeaderboardLimit and is capped at MaxLeaderboardLimit.
func (p *Projector) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	limit = min(limit, MaxLeaderboardLimit)

	accounts, err := p.ledger.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	snaps := make([]*store.Snapshot, 0, len(accounts))
	var held []model.Position
	for _, a := range accounts {
		snap, err := p.ledger.AccountSnapshot(ctx, a.ID, false)
		if errors.Is(err, model.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
		held = append(held, snap.Positions...)
	}

	prices, err := p.price(ctx, symbolsOf(held))
	if err != nil {
		return nil, err
	}
	board := make([]LeaderboardEntry, 0, len(snaps))
	for _, snap := range snaps {
		pf := p.value(snap, prices)
		board = append(board, LeaderboardEntry{
			AccountID:      pf.AccountID,
			Cash:           pf.Cash,
			PortfolioValue: pf.PortfolioValue,
			TotalValue:     pf.TotalValue,
		})
	}
	sort.Slice(board, func(i, j int) bool {
		if c := board[i].TotalValue.Cmp(board[j].TotalValue); c != 0 {
			return c > 0
		}
		return board[i].AccountID < board[j].AccountID
	})
	if len(board) > limit {
		board = board[:limit]
	}
	for i := range board {
		board[i].Rank = i + 1
	}
	return board, nil
}

// Mismatch is a symbol whose net traded quantity differs from the stored
// position.
type Mismatch struct {
	Symbol           string `json:"symbol"`
	LedgerQuantity   int64  `json:"ledger_quantity"`
	PositionQuantity int64  `json:"position_quantity"`
}

// Reconcile nets buys against sells per symbol and compares the result with
// the stored positions. An empty result means the positions are consistent
// with the transaction log.
func (p *Projector) Reconcile(ctx context.Context, accountID string) ([]Mismatch, error) {
	snap, err := p.ledger.AccountSnapshot(ctx, accountID, true)
	if err != nil {
		return nil, err
	}

	net := NetQuantities(snap.Transactions)
	held := make(map[string]int64, len(snap.Positions))
	for _, pos := range snap.Positions {
		held[pos.Symbol] = pos.Quantity
	}

	symbols := make(map[string]struct{}, len(net)+len(held))
	for s := range net {
		symbols[s] = struct{}{}
	}
	for s := range held {
		symbols[s] = struct{}{}
	}

	mismatches := []Mismatch{}
	for s := range symbols {
		if net[s] != held[s] {
			mismatches = append(mismatches, Mismatch{Symbol: s, LedgerQuantity: net[s], PositionQuantity: held[s]})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Symbol < mismatches[j].Symbol })
	return mismatches, nil
}

// NetQuantities sums buys minus sells per symbol.
func NetQuantities(txs []model.Transaction) map[string]int64 {
	net := make(map[string]int64)
	for _, t := range txs {
		switch t.Side {
		case model.SideBuy:
			net[t.Symbol] += t.Quantity
		case model.SideSell:
			net[t.Symbol] -= t.Quantity
		}
	}
	return net
}
