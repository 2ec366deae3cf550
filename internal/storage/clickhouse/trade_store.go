package clickhouse

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/domain"
	"candleflow/internal/storage"
)

// TradeStore implements storage.TradeStore using ClickHouse. The trade_events
// table is an append-only MergeTree ordered by (symbol, ts); aggregation is
// pushed down to the engine.
type TradeStore struct {
	conn *Conn
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(conn *Conn) *TradeStore {
	return &TradeStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

// InsertBulk appends trade events. The whole batch is validated before any
// row is staged so a malformed event rejects the batch untouched.
func (s *TradeStore) InsertBulk(ctx context.Context, trades []*domain.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	for _, tr := range trades {
		if tr == nil || !tr.Valid() {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trade_events (symbol, side, price, amount, ts)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, tr := range trades {
		err = batch.Append(tr.Symbol, tr.Side, tr.Price, tr.Amount, tr.Timestamp)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByTimeRange retrieves trades for a symbol within [start, end), ordered
// by timestamp ASC.
func (s *TradeStore) GetByTimeRange(ctx context.Context, symbol string, start, end time.Time) ([]*domain.TradeEvent, error) {
	if symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT symbol, side, price, amount, ts
		FROM trade_events
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

// WindowAggregate runs one windowed aggregation inside ClickHouse. Windows
// are epoch-aligned and keyed by their end boundary; only non-empty windows
// come back.
func (s *TradeStore) WindowAggregate(ctx context.Context, req storage.WindowAggregateRequest) ([]storage.WindowValue, error) {
	expr, err := aggregateExpr(req.Fn, req.Field)
	if err != nil {
		return nil, err
	}
	if !req.Start.Before(req.End) || req.Window <= 0 {
		return nil, storage.ErrInvalidInput
	}

	windowMs := req.Window.Milliseconds()
	query := fmt.Sprintf(`
		SELECT
			symbol,
			intDiv(toUnixTimestamp64Milli(ts), %d) * %d + %d AS bucket_end,
			%s AS value
		FROM trade_events
		WHERE ts >= ? AND ts < ?
	`, windowMs, windowMs, windowMs, expr)

	args := []any{req.Start, req.End}
	if req.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, req.Symbol)
	}
	query += `
		GROUP BY symbol, bucket_end
		ORDER BY symbol ASC, bucket_end ASC
	`

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("window aggregate %s(%s): %w", req.Fn, req.Field, err)
	}
	defer rows.Close()

	var values []storage.WindowValue
	for rows.Next() {
		var (
			symbol    string
			bucketEnd int64
			value     float64
		)
		if err := rows.Scan(&symbol, &bucketEnd, &value); err != nil {
			return nil, fmt.Errorf("scan window value: %w", err)
		}
		values = append(values, storage.WindowValue{
			Symbol:    symbol,
			BucketEnd: time.UnixMilli(bucketEnd).UTC(),
			Value:     value,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window values: %w", err)
	}

	return values, nil
}

// aggregateExpr translates the (fn, field) enum pair into the ClickHouse
// aggregate expression. first and last resolve ties by event timestamp.
func aggregateExpr(fn storage.AggregateFunc, field storage.AggregateField) (string, error) {
	var col string
	switch field {
	case storage.FieldPrice:
		col = "price"
	case storage.FieldAmount:
		col = "amount"
	default:
		return "", storage.ErrInvalidInput
	}

	switch fn {
	case storage.AggFirst:
		return fmt.Sprintf("argMin(%s, ts)", col), nil
	case storage.AggLast:
		return fmt.Sprintf("argMax(%s, ts)", col), nil
	case storage.AggMax:
		return fmt.Sprintf("max(%s)", col), nil
	case storage.AggMin:
		return fmt.Sprintf("min(%s)", col), nil
	case storage.AggSum:
		return fmt.Sprintf("sum(%s)", col), nil
	default:
		return "", storage.ErrInvalidInput
	}
}

// scanTradeEvents scans multiple rows.
func scanTradeEvents(rows chRows) ([]*domain.TradeEvent, error) {
	var trades []*domain.TradeEvent

	for rows.Next() {
		var tr domain.TradeEvent
		err := rows.Scan(&tr.Symbol, &tr.Side, &tr.Price, &tr.Amount, &tr.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan trade event row: %w", err)
		}
		tr.Timestamp = tr.Timestamp.UTC()
		trades = append(trades, &tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade event rows: %w", err)
	}

	return trades, nil
}
