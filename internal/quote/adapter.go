// Package quote fetches current stock prices from an ordered list of
// upstream providers, falling through on failure and caching successes
// for a short time.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/stotra/trade-engine/internal/metrics"
	"github.com/stotra/trade-engine/internal/model"
)

// ErrAllSourcesUnavailable is returned when every provider failed. It
// matches model.ErrPriceUnavailable under errors.Is.
var ErrAllSourcesUnavailable = fmt.Errorf("%w: all quote sources failed", model.ErrPriceUnavailable)

// Provider fetches a live quote from one upstream source.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (model.Quote, error)
}

// Adapter tries its providers in order and caches the first success.
type Adapter struct {
	providers []Provider
	cache     Cache
	timeout   time.Duration
	group     singleflight.Group
	now       func() time.Time
}

// NewAdapter creates an adapter. timeout bounds each provider call; a nil
// cache disables caching.
func NewAdapter(providers []Provider, cache Cache, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Adapter{
		providers: providers,
		cache:     cache,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Quote returns the current quote for symbol. Concurrent misses for the
// same symbol share one upstream round.
func (a *Adapter) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = model.NormalizeSymbol(symbol)
	if !model.ValidSymbol(symbol) {
		return model.Quote{}, fmt.Errorf("quote %q: %w", symbol, model.ErrInvalidSymbol)
	}

	if a.cache != nil {
		if q, ok := a.cache.Get(ctx, symbol); ok {
			metrics.QuoteCacheTotal.WithLabelValues("hit").Inc()
			return q, nil
		}
		metrics.QuoteCacheTotal.WithLabelValues("miss").Inc()
	}

	// The shared fetch outlives any one caller; each caller still honors
	// its own deadline.
	fetchCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(symbol, func() (interface{}, error) {
		return a.fetch(fetchCtx, symbol)
	})
	select {
	case <-ctx.Done():
		return model.Quote{}, fmt.Errorf("quote %s: %w: %w", symbol, model.ErrPriceUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return model.Quote{}, res.Err
		}
		return res.Val.(model.Quote), nil
	}
}

func (a *Adapter) fetch(ctx context.Context, symbol string) (model.Quote, error) {
	errs := []error{ErrAllSourcesUnavailable}
	for _, p := range a.providers {
		q, err := a.fetchOne(ctx, p, symbol)
		if err != nil {
			metrics.QuoteRequestsTotal.WithLabelValues(p.Name(), "error").Inc()
			slog.Warn("quote source failed", "source", p.Name(), "symbol", symbol, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.QuoteRequestsTotal.WithLabelValues(p.Name(), "ok").Inc()
		if a.cache != nil {
			a.cache.Set(ctx, symbol, q)
		}
		return q, nil
	}
	return model.Quote{}, fmt.Errorf("quote %s: %w", symbol, errors.Join(errs...))
}

func (a *Adapter) fetchOne(ctx context.Context, p Provider, symbol string) (model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	q, err := p.Fetch(ctx, symbol)
	if err != nil {
		return model.Quote{}, err
	}
	if !q.Price.IsPositive() {
		return model.Quote{}, fmt.Errorf("non-positive price %s", q.Price.String())
	}
	q.Symbol = symbol
	if q.Source == "" {
		q.Source = p.Name()
	}
	if q.FetchedAt.IsZero() {
		q.FetchedAt = a.now().UTC()
	}
	if q.PreviousClose.IsZero() {
		q.PreviousClose = previousClose(q.Price, q.ChangePercent)
	}
	return q, nil
}

// previousClose derives yesterday's close from today's price and percent
// change: price / (1 + pct/100).
func previousClose(price, changePercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(changePercent.Div(decimal.NewFromInt(100)))
	if !factor.IsPositive() {
		return price
	}
	return price.Div(factor).Round(4)
}

// Status describes the adapter for the status endpoint.
type Status struct {
	Providers []string   `json:"providers"`
	Cache     CacheStats `json:"cache"`
}

// Status reports the configured providers in fallback order and the cache
// statistics.
func (a *Adapter) Status(ctx context.Context) Status {
	names := make([]string, 0, len(a.providers))
	for _, p := range a.providers {
		names = append(names, p.Name())
	}
	var stats CacheStats
	if a.cache != nil {
		stats = a.cache.Stats(ctx)
	}
	return Status{Providers: names, Cache: stats}
}
