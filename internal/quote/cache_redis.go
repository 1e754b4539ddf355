package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stotra/trade-engine/internal/model"
)

// RedisCache shares quotes between engine instances through Redis. Values
// are JSON with a server-side TTL; Redis errors degrade to cache misses.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache creates a Redis-backed quote cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (model.Quote, bool) {
	data, err := c.rdb.Get(ctx, quoteKey(symbol)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("redis quote cache read failed", "symbol", symbol, "err", err)
		}
		c.misses.Add(1)
		return model.Quote{}, false
	}
	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		c.misses.Add(1)
		return model.Quote{}, false
	}
	c.hits.Add(1)
	return q, true
}

func (c *RedisCache) Set(ctx context.Context, symbol string, q model.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, quoteKey(symbol), data, c.ttl).Err(); err != nil {
		slog.Warn("redis quote cache write failed", "symbol", symbol, "err", err)
	}
}

func (c *RedisCache) Stats(ctx context.Context) CacheStats {
	var size int64
	iter := c.rdb.Scan(ctx, 0, quoteKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		size++
	}
	return CacheStats{
		Backend: "redis",
		Size:    size,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }
