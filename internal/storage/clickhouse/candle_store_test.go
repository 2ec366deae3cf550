package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/internal/domain"
	"candleflow/internal/storage"
)

func chCandle(bucketEnd time.Time, open, high, low, close, volume float64) *domain.Candle {
	return &domain.Candle{
		Tier:     "1m",
		Symbol:   "BTCUSD",
		BucketTS: bucketEnd,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    close,
		Volume:   volume,
	}
}

func TestCandleStore_UpsertBulk(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(conn)
	ctx := context.Background()

	// Test empty insert
	err := store.UpsertBulk(ctx, nil)
	assert.NoError(t, err)

	err = store.UpsertBulk(ctx, []*domain.Candle{
		chCandle(chEpoch.Add(time.Minute), 10, 12, 8, 11, 7),
	})
	require.NoError(t, err)

	got, err := store.GetByTimeRange(ctx, "1m", "BTCUSD", chEpoch, chEpoch.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Open)
	assert.Equal(t, 12.0, got[0].High)
	assert.Equal(t, 8.0, got[0].Low)
	assert.Equal(t, 11.0, got[0].Close)
	assert.Equal(t, 7.0, got[0].Volume)
}

func TestCandleStore_UpsertBulk_ReplacesExistingBucket(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(conn)
	ctx := context.Background()

	bucket := chEpoch.Add(time.Minute)
	err := store.UpsertBulk(ctx, []*domain.Candle{
		chCandle(bucket, 10, 12, 8, 11, 7),
	})
	require.NoError(t, err)

	// Recomputing the same bucket replaces the earlier record
	err = store.UpsertBulk(ctx, []*domain.Candle{
		chCandle(bucket, 10, 13, 8, 12, 9),
	})
	require.NoError(t, err)

	got, err := store.GetByTimeRange(ctx, "1m", "BTCUSD", chEpoch, chEpoch.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 13.0, got[0].High)
	assert.Equal(t, 9.0, got[0].Volume)
}

func TestCandleStore_UpsertBulk_RejectsMalformed(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(conn)
	ctx := context.Background()

	err := store.UpsertBulk(ctx, []*domain.Candle{
		chCandle(chEpoch.Add(time.Minute), 10, 12, 8, 11, 7),
		chCandle(chEpoch.Add(2*time.Minute), 10, 12, 8, 11, -1), // negative volume
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	got, err := store.GetByTimeRange(ctx, "1m", "BTCUSD", chEpoch, chEpoch.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCandleStore_GetByTimeRange_TierIsolationAndLimit(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(conn)
	ctx := context.Background()

	fiveMin := chCandle(chEpoch.Add(5*time.Minute), 10, 12, 8, 11, 7)
	fiveMin.Tier = "5m"
	err := store.UpsertBulk(ctx, []*domain.Candle{
		chCandle(chEpoch.Add(time.Minute), 10, 11, 9, 10, 1),
		chCandle(chEpoch.Add(2*time.Minute), 10, 11, 9, 10, 2),
		chCandle(chEpoch.Add(3*time.Minute), 10, 11, 9, 10, 3),
		fiveMin,
	})
	require.NoError(t, err)

	// Tier filter keeps the 5m candle out
	got, err := store.GetByTimeRange(ctx, "1m", "BTCUSD", chEpoch, chEpoch.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Limit caps the result
	got, err = store.GetByTimeRange(ctx, "1m", "BTCUSD", chEpoch, chEpoch.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].BucketTS.Equal(chEpoch.Add(time.Minute)))
}
