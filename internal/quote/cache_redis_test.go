package quote

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stotra/trade-engine/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisCache_RoundTrip(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, 10*time.Second)
	ctx := context.Background()

	_, ok := c.Get(ctx, "AAPL")
	assert.False(t, ok)

	in := model.Quote{
		Symbol:        "AAPL",
		Price:         decimal.RequireFromString("189.84"),
		ChangePercent: decimal.RequireFromString("-1.25"),
		PreviousClose: decimal.RequireFromString("192.24"),
		Source:        "Yahoo Finance",
		FetchedAt:     time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
	}
	c.Set(ctx, "AAPL", in)
	assert.True(t, mr.Exists("quote:AAPL"))

	out, ok := c.Get(ctx, "AAPL")
	require.True(t, ok)
	assert.True(t, out.Price.Equal(in.Price))
	assert.True(t, out.PreviousClose.Equal(in.PreviousClose))
	assert.Equal(t, in.Source, out.Source)
	assert.True(t, out.FetchedAt.Equal(in.FetchedAt))

	st := c.Stats(ctx)
	assert.Equal(t, "redis", st.Backend)
	assert.Equal(t, int64(1), st.Size)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestRedisCache_TTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, 10*time.Second)
	ctx := context.Background()

	c.Set(ctx, "TSLA", model.Quote{Symbol: "TSLA", Price: decimal.NewFromInt(200)})
	mr.FastForward(11 * time.Second)

	_, ok := c.Get(ctx, "TSLA")
	assert.False(t, ok)
}

func TestRedisCache_ServerDownIsMiss(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, 10*time.Second)
	mr.Close()

	_, ok := c.Get(context.Background(), "AAPL")
	assert.False(t, ok)
}

func TestAdapter_WithRedisCache(t *testing.T) {
	_, rdb := newTestRedis(t)
	p := &fakeProvider{name: "a", price: decimal.NewFromInt(10)}
	a := NewAdapter([]Provider{p}, NewRedisCache(rdb, time.Minute), time.Second)

	for i := 0; i < 2; i++ {
		_, err := a.Quote(context.Background(), "AMZN")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), p.calls.Load())
}
