package clickhouse

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/domain"
	"candleflow/internal/storage"
)

// CandleStore implements storage.CandleStore using ClickHouse. Candles live
// in a ReplacingMergeTree keyed by (tier, symbol, bucket_ts): rewriting a
// bucket inserts a newer version and the engine collapses to the latest, so
// chunk recomputation is idempotent without coordination.
type CandleStore struct {
	conn *Conn
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(conn *Conn) *CandleStore {
	return &CandleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// UpsertBulk writes candles as one batch. ClickHouse applies a batch insert
// atomically within a single partition write, which gives the all-or-nothing
// chunk commit the aggregation jobs rely on.
func (s *CandleStore) UpsertBulk(ctx context.Context, candles []*domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	for _, c := range candles {
		if c == nil || !c.Valid() {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO ohlcv_candles (
			tier, symbol, bucket_ts, open, high, low, close, volume, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	updatedAt := time.Now().UTC()
	for _, c := range candles {
		err = batch.Append(
			c.Tier, c.Symbol, c.BucketTS,
			c.Open, c.High, c.Low, c.Close, c.Volume,
			updatedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByTimeRange retrieves candles for (tier, symbol) with bucket timestamps
// in [from, to), ordered by bucket ASC. FINAL collapses superseded versions
// that background merges have not folded yet.
func (s *CandleStore) GetByTimeRange(ctx context.Context, tier, symbol string, from, to time.Time, limit int) ([]*domain.Candle, error) {
	if tier == "" || symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT tier, symbol, bucket_ts, open, high, low, close, volume
		FROM ohlcv_candles FINAL
		WHERE tier = ? AND symbol = ? AND bucket_ts >= ? AND bucket_ts < ?
		ORDER BY bucket_ts ASC
	`
	args := []any{tier, symbol, from, to}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// scanCandles scans multiple rows.
func scanCandles(rows chRows) ([]*domain.Candle, error) {
	var candles []*domain.Candle

	for rows.Next() {
		var c domain.Candle
		err := rows.Scan(
			&c.Tier, &c.Symbol, &c.BucketTS,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		c.BucketTS = c.BucketTS.UTC()
		candles = append(candles, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	return candles, nil
}
