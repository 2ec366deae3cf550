package clickhouse

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/storage"
)

// CheckpointStore implements storage.CheckpointStore using ClickHouse. Every
// Set appends a row; Get reads the most recently committed one. Appending
// keeps the write path identical to the rest of the engine and leaves a full
// boundary history behind for operators.
type CheckpointStore struct {
	conn *Conn
}

// NewCheckpointStore creates a new CheckpointStore.
func NewCheckpointStore(conn *Conn) *CheckpointStore {
	return &CheckpointStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// Get returns the tier's latest boundary.
func (s *CheckpointStore) Get(ctx context.Context, tier string) (time.Time, error) {
	if tier == "" {
		return time.Time{}, storage.ErrInvalidInput
	}

	query := `
		SELECT boundary
		FROM aggregation_checkpoints
		WHERE tier = ?
		ORDER BY committed_at DESC
		LIMIT 1
	`

	rows, err := s.conn.Query(ctx, query, tier)
	if err != nil {
		return time.Time{}, fmt.Errorf("query checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return time.Time{}, fmt.Errorf("iterate checkpoint rows: %w", err)
		}
		return time.Time{}, storage.ErrNotFound
	}

	var boundary time.Time
	if err := rows.Scan(&boundary); err != nil {
		return time.Time{}, fmt.Errorf("scan checkpoint row: %w", err)
	}
	return boundary.UTC(), nil
}

// Set appends the tier's boundary. The newest row wins, so an operator reset
// to an earlier boundary takes effect immediately. committed_at stores
// microseconds so consecutive writes never tie.
func (s *CheckpointStore) Set(ctx context.Context, tier string, boundary time.Time) error {
	if tier == "" {
		return storage.ErrInvalidInput
	}

	err := s.conn.Exec(ctx, `
		INSERT INTO aggregation_checkpoints (tier, boundary, committed_at)
		VALUES (?, ?, ?)
	`, tier, boundary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}
