package cache

import (
	"context"
	"sync"
	"time"

	"candleflow/internal/domain"
)

// MemoryCache is an in-process QueryCache for tests and single-node
// deployments without Redis. Expired entries are dropped lazily on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	bars      []*domain.Candle
	expiresAt time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Compile-time interface check.
var _ QueryCache = (*MemoryCache)(nil)

// Get returns the cached bars for a key.
func (c *MemoryCache) Get(_ context.Context, key string) ([]*domain.Candle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}

	bars := make([]*domain.Candle, len(entry.bars))
	for i, b := range entry.bars {
		cp := *b
		bars[i] = &cp
	}
	return bars, true, nil
}

// Set stores bars under a key with the given TTL.
func (c *MemoryCache) Set(_ context.Context, key string, bars []*domain.Candle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	stored := make([]*domain.Candle, len(bars))
	for i, b := range bars {
		cp := *b
		stored[i] = &cp
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{bars: stored, expiresAt: c.now().Add(ttl)}
	return nil
}
