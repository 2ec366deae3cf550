package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"candleflow/internal/domain"
	"candleflow/internal/storage"
)

// CandleStore is an in-memory implementation of storage.CandleStore.
type CandleStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Candle // keyed by (tier, symbol, bucket_ts)
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		data: make(map[string]*domain.Candle),
	}
}

var _ storage.CandleStore = (*CandleStore)(nil)

// candleKey generates a unique key for a candle.
func candleKey(tier, symbol string, bucketTS time.Time) string {
	return fmt.Sprintf("%s|%s|%d", tier, symbol, bucketTS.UnixMilli())
}

// UpsertBulk writes candles as a single unit. Existing (tier, symbol, bucket)
// keys are replaced, making recomputation idempotent. Validation runs before
// any write so a bad batch leaves the store untouched.
func (s *CandleStore) UpsertBulk(_ context.Context, candles []*domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	for _, c := range candles {
		if !c.Valid() {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range candles {
		cp := *c
		s.data[candleKey(c.Tier, c.Symbol, c.BucketTS)] = &cp
	}
	return nil
}

// GetByTimeRange retrieves candles for (tier, symbol) with bucket timestamps
// within [from, to), ordered by bucket ASC.
func (s *CandleStore) GetByTimeRange(_ context.Context, tier, symbol string, from, to time.Time, limit int) ([]*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Candle
	for _, c := range s.data {
		if c.Tier != tier || c.Symbol != symbol {
			continue
		}
		if c.BucketTS.Before(from) || !c.BucketTS.Before(to) {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketTS.Before(result[j].BucketTS)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Snapshot returns a copy of every stored candle, ordered by key. Used by
// tests to diff store state around a job run.
func (s *CandleStore) Snapshot() []*domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*domain.Candle, 0, len(keys))
	for _, k := range keys {
		cp := *s.data[k]
		result = append(result, &cp)
	}
	return result
}
