// Package cache provides short-lived response caching for chart queries.
// The newest buckets keep changing while their window is open, so entries
// carry a short TTL rather than any invalidation protocol.
package cache

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/domain"
)

// DefaultTTL keeps cached charts fresh enough for live dashboards.
const DefaultTTL = 30 * time.Second

// QueryCache stores chart query responses keyed by the normalized request.
type QueryCache interface {
	// Get returns the cached bars for a key. The second result reports
	// whether the key was present.
	Get(ctx context.Context, key string) ([]*domain.Candle, bool, error)

	// Set stores bars under a key with the given TTL.
	Set(ctx context.Context, key string, bars []*domain.Candle, ttl time.Duration) error
}

// Key builds the cache key for one chart request. Resolution must already be
// normalized so that alias spellings share an entry.
func Key(symbol, resolution string, from, to time.Time) string {
	return fmt.Sprintf("chart:%s:%s:%d:%d", symbol, resolution, from.UnixMilli(), to.UnixMilli())
}
