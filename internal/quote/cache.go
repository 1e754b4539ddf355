package quote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stotra/trade-engine/internal/model"
)

// Cache stores recent quotes keyed by symbol. Implementations only need
// atomic get and set: a race costs at most one redundant upstream call.
type Cache interface {
	Get(ctx context.Context, symbol string) (model.Quote, bool)
	Set(ctx context.Context, symbol string, q model.Quote)
	Stats(ctx context.Context) CacheStats
}

// CacheStats summarises cache usage.
type CacheStats struct {
	Backend string `json:"backend"`
	Size    int64  `json:"size"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
}

type memoryEntry struct {
	quote   model.Quote
	expires time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemoryCache creates a cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, symbol string) (model.Quote, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expires) {
		c.misses.Add(1)
		return model.Quote{}, false
	}
	c.hits.Add(1)
	return e.quote, true
}

func (c *MemoryCache) Set(_ context.Context, symbol string, q model.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[symbol] = memoryEntry{quote: q, expires: now.Add(c.ttl)}

	// Opportunistic sweep keeps abandoned symbols from accumulating.
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) Stats(_ context.Context) CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Backend: "memory",
		Size:    int64(size),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
