package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/internal/domain"
	"candleflow/internal/storage"
	"candleflow/internal/storage/memory"
)

var queryEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func candleAt(tier string, end time.Time, open, high, low, close, volume float64) *domain.Candle {
	return &domain.Candle{
		Tier:     tier,
		Symbol:   "BTCUSD",
		BucketTS: end,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   volume,
	}
}

func seedCandles(t *testing.T, store *memory.CandleStore, candles ...*domain.Candle) {
	t.Helper()
	require.NoError(t, store.UpsertBulk(context.Background(), candles))
}

// tierFailingStore fails reads for the configured tiers and delegates the
// rest, simulating a partial backing-store outage.
type tierFailingStore struct {
	inner storage.CandleStore
	fail  map[string]bool
}

var errTierDown = errors.New("tier partition unreachable")

func (s *tierFailingStore) UpsertBulk(ctx context.Context, candles []*domain.Candle) error {
	return s.inner.UpsertBulk(ctx, candles)
}

func (s *tierFailingStore) GetByTimeRange(ctx context.Context, tier, symbol string, from, to time.Time, limit int) ([]*domain.Candle, error) {
	if s.fail[tier] {
		return nil, errTierDown
	}
	return s.inner.GetByTimeRange(ctx, tier, symbol, from, to, limit)
}

func TestPlanner_Query_RejectsBadRequests(t *testing.T) {
	p := New(Options{Candles: memory.NewCandleStore()})
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"empty symbol", Request{Resolution: "1m", From: queryEpoch, To: queryEpoch.Add(time.Hour)}},
		{"inverted range", Request{Symbol: "BTCUSD", Resolution: "1m", From: queryEpoch.Add(time.Hour), To: queryEpoch}},
		{"zero range", Request{Symbol: "BTCUSD", Resolution: "1m", From: queryEpoch, To: queryEpoch}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Query(ctx, tc.req)
			var qerr *Error
			require.ErrorAs(t, err, &qerr)
			assert.Equal(t, KindBadRequest, qerr.Kind)
		})
	}
}

func TestPlanner_Query_ReturnsRequestedTier(t *testing.T) {
	store := memory.NewCandleStore()
	seedCandles(t, store,
		candleAt("1m", queryEpoch.Add(time.Minute), 10, 12, 8, 11, 7),
		candleAt("1m", queryEpoch.Add(2*time.Minute), 11, 13, 11, 12, 3),
	)

	p := New(Options{Candles: store})
	got, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1m",
		From:       queryEpoch,
		To:         queryEpoch.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 10.0, got[0].Open)
	assert.Equal(t, 12.0, got[1].Close)
}

func TestPlanner_Query_EmptyResultIsNotAnError(t *testing.T) {
	p := New(Options{Candles: memory.NewCandleStore()})

	got, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1m",
		From:       queryEpoch,
		To:         queryEpoch.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestPlanner_Query_EscalatesLargeRangeToCoarsestTier(t *testing.T) {
	store := memory.NewCandleStore()
	// Data exists only at the day tier; a fine-resolution request over 400
	// days must land there.
	seedCandles(t, store,
		candleAt("1d", queryEpoch.Add(24*time.Hour), 100, 110, 95, 105, 50),
	)

	p := New(Options{Candles: store})
	got, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1m",
		From:       queryEpoch,
		To:         queryEpoch.Add(400 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1d", got[0].Tier)
}

func TestPlanner_Query_FallsBackToCoarserTier(t *testing.T) {
	inner := memory.NewCandleStore()
	seedCandles(t, inner,
		candleAt("5m", queryEpoch.Add(5*time.Minute), 10, 12, 8, 11, 7),
	)
	store := &tierFailingStore{inner: inner, fail: map[string]bool{"1m": true}}

	p := New(Options{Candles: store})
	got, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1m",
		From:       queryEpoch,
		To:         queryEpoch.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "5m", got[0].Tier)
}

func TestPlanner_Query_DegradesToCoarsestTier(t *testing.T) {
	inner := memory.NewCandleStore()
	seedCandles(t, inner,
		candleAt("1d", queryEpoch.Add(24*time.Hour), 100, 110, 95, 105, 50),
	)
	// Both the requested tier and its immediate fallback are down.
	store := &tierFailingStore{inner: inner, fail: map[string]bool{"1m": true, "5m": true}}

	p := New(Options{Candles: store})
	got, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1m",
		From:       queryEpoch,
		To:         queryEpoch.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1d", got[0].Tier)
}

func TestPlanner_Query_CoarseBucketCoversShortRange(t *testing.T) {
	store := memory.NewCandleStore()
	// The day bar is stamped with its end boundary, well past the one-hour
	// request window it covers. The read must still find it.
	seedCandles(t, store,
		candleAt("1d", queryEpoch.Add(24*time.Hour), 100, 110, 95, 105, 50),
	)

	p := New(Options{Candles: store})
	got, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1d",
		From:       queryEpoch.Add(6 * time.Hour),
		To:         queryEpoch.Add(7 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1d", got[0].Tier)
	assert.True(t, got[0].BucketTS.Equal(queryEpoch.Add(24*time.Hour)))
}

func TestCeilToBucket(t *testing.T) {
	w := 24 * time.Hour
	aligned := queryEpoch.Add(24 * time.Hour)

	// Mid-bucket instants round up to the grid, aligned ones stay put; the
	// extra millisecond keeps the boundary bar inside a [from, to) filter.
	assert.True(t, ceilToBucket(queryEpoch.Add(7*time.Hour), w).Equal(aligned.Add(time.Millisecond)))
	assert.True(t, ceilToBucket(aligned, w).Equal(aligned.Add(time.Millisecond)))
}

func TestPlanner_Query_UnavailableWhenEveryTierFails(t *testing.T) {
	store := &tierFailingStore{
		inner: memory.NewCandleStore(),
		fail:  map[string]bool{"1m": true, "5m": true, "15m": true, "1h": true, "1d": true},
	}

	p := New(Options{Candles: store})
	_, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1m",
		From:       queryEpoch,
		To:         queryEpoch.Add(time.Hour),
	})

	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, KindUnavailable, qerr.Kind)
}

func TestPlanner_Query_CapsPointsByDownsampling(t *testing.T) {
	store := memory.NewCandleStore()
	// 10 one-minute bars; a budget of 5 over the 10-minute range forces a
	// 2-minute secondary window.
	var bars []*domain.Candle
	for i := 0; i < 10; i++ {
		end := queryEpoch.Add(time.Duration(i+1) * time.Minute)
		bars = append(bars, candleAt("1m", end, 10, 12, 8, 11, 1))
	}
	seedCandles(t, store, bars...)

	p := New(Options{Candles: store, MaxPoints: 5})
	got, err := p.Query(context.Background(), Request{
		Symbol:     "BTCUSD",
		Resolution: "1m",
		From:       queryEpoch,
		To:         queryEpoch.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	// Each downsampled bar covers two source bars.
	assert.Equal(t, 2.0, got[0].Volume)
	assert.True(t, got[0].BucketTS.Equal(queryEpoch.Add(2*time.Minute)))
}

func TestDownsample(t *testing.T) {
	bars := []*domain.Candle{
		candleAt("1m", queryEpoch.Add(time.Minute), 10, 12, 9, 11, 1),
		candleAt("1m", queryEpoch.Add(2*time.Minute), 11, 14, 11, 13, 2),
		candleAt("1m", queryEpoch.Add(3*time.Minute), 13, 13, 8, 9, 1),
	}

	got := Downsample(bars, 2*time.Minute)
	require.Len(t, got, 2)

	first := got[0]
	assert.True(t, first.BucketTS.Equal(queryEpoch.Add(2*time.Minute)))
	assert.Equal(t, 10.0, first.Open)
	assert.Equal(t, 14.0, first.High)
	assert.Equal(t, 9.0, first.Low)
	assert.Equal(t, 13.0, first.Close)
	assert.Equal(t, 3.0, first.Volume)

	second := got[1]
	assert.True(t, second.BucketTS.Equal(queryEpoch.Add(4*time.Minute)))
	assert.Equal(t, 13.0, second.Open)
	assert.Equal(t, 8.0, second.Low)
	assert.Equal(t, 9.0, second.Close)
}

func TestDownsample_Empty(t *testing.T) {
	assert.Empty(t, Downsample(nil, time.Minute))
}
