package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"candleflow/internal/domain"
	"candleflow/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	trades []*domain.TradeEvent
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

var _ storage.TradeStore = (*TradeStore)(nil)

// InsertBulk appends trade events. Returns ErrInvalidInput if any event is
// malformed.
func (s *TradeStore) InsertBulk(_ context.Context, trades []*domain.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	for _, t := range trades {
		if !t.Valid() || t.Timestamp.IsZero() {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		cp := *t
		s.trades = append(s.trades, &cp)
	}
	return nil
}

// GetByTimeRange retrieves trades for a symbol within [start, end), ordered
// by timestamp ASC.
func (s *TradeStore) GetByTimeRange(_ context.Context, symbol string, start, end time.Time) ([]*domain.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeEvent
	for _, t := range s.trades {
		if t.Symbol != symbol {
			continue
		}
		if t.Timestamp.Before(start) || !t.Timestamp.Before(end) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result, nil
}

// WindowAggregate executes one windowed aggregation over the stored trades.
func (s *TradeStore) WindowAggregate(_ context.Context, req storage.WindowAggregateRequest) ([]storage.WindowValue, error) {
	if err := validateWindowRequest(req); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type bucketKey struct {
		symbol    string
		bucketEnd int64 // unix millis of window end
	}
	type bucketState struct {
		value   float64
		firstTS time.Time
		lastTS  time.Time
		set     bool
	}

	width := req.Window
	buckets := make(map[bucketKey]*bucketState)

	for _, t := range s.trades {
		if req.Symbol != "" && t.Symbol != req.Symbol {
			continue
		}
		if t.Timestamp.Before(req.Start) || !t.Timestamp.Before(req.End) {
			continue
		}

		field := t.Price
		if req.Field == storage.FieldAmount {
			field = t.Amount
		}

		end := windowEnd(t.Timestamp, width)
		key := bucketKey{symbol: t.Symbol, bucketEnd: end.UnixMilli()}
		b, ok := buckets[key]
		if !ok {
			b = &bucketState{}
			buckets[key] = b
		}

		switch req.Fn {
		case storage.AggFirst:
			if !b.set || t.Timestamp.Before(b.firstTS) {
				b.value = field
				b.firstTS = t.Timestamp
			}
		case storage.AggLast:
			if !b.set || !t.Timestamp.Before(b.lastTS) {
				b.value = field
				b.lastTS = t.Timestamp
			}
		case storage.AggMax:
			if !b.set || field > b.value {
				b.value = field
			}
		case storage.AggMin:
			if !b.set || field < b.value {
				b.value = field
			}
		case storage.AggSum:
			b.value += field
		}
		b.set = true
	}

	result := make([]storage.WindowValue, 0, len(buckets))
	for key, b := range buckets {
		result = append(result, storage.WindowValue{
			Symbol:    key.symbol,
			BucketEnd: time.UnixMilli(key.bucketEnd).UTC(),
			Value:     b.value,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Symbol != result[j].Symbol {
			return result[i].Symbol < result[j].Symbol
		}
		return result[i].BucketEnd.Before(result[j].BucketEnd)
	})

	return result, nil
}

// windowEnd returns the end boundary of the fixed-width window containing ts.
// Windows are aligned to the epoch; the boundary is exclusive on the left.
func windowEnd(ts time.Time, width time.Duration) time.Time {
	ms := ts.UnixMilli()
	w := width.Milliseconds()
	return time.UnixMilli((ms/w)*w + w).UTC()
}

func validateWindowRequest(req storage.WindowAggregateRequest) error {
	if req.Window <= 0 || !req.Start.Before(req.End) {
		return storage.ErrInvalidInput
	}
	switch req.Fn {
	case storage.AggFirst, storage.AggLast, storage.AggMax, storage.AggMin, storage.AggSum:
	default:
		return storage.ErrInvalidInput
	}
	switch req.Field {
	case storage.FieldPrice, storage.FieldAmount:
	default:
		return storage.ErrInvalidInput
	}
	return nil
}
