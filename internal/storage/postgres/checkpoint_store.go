package postgres

import (
	"context"
	"time"

	"candleflow/internal/storage"
)

// CheckpointStore is a PostgreSQL implementation of storage.CheckpointStore.
// One row per tier in aggregation_checkpoints, written with an upsert so the
// first commit and every later advance share one code path.
type CheckpointStore struct {
	pool *Pool
}

// NewCheckpointStore creates a new PostgreSQL checkpoint store.
func NewCheckpointStore(pool *Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// Get returns the tier's boundary.
func (s *CheckpointStore) Get(ctx context.Context, tier string) (time.Time, error) {
	if tier == "" {
		return time.Time{}, storage.ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx, `
		SELECT boundary
		FROM aggregation_checkpoints
		WHERE tier = $1
	`, tier)

	var boundary time.Time
	err := row.Scan(&boundary)
	if err != nil {
		if isNotFoundError(err) {
			return time.Time{}, storage.ErrNotFound
		}
		return time.Time{}, err
	}

	return boundary.UTC(), nil
}

// Set saves the tier's boundary.
// Uses upsert to handle initial insert and subsequent updates.
func (s *CheckpointStore) Set(ctx context.Context, tier string, boundary time.Time) error {
	if tier == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO aggregation_checkpoints (tier, boundary, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tier) DO UPDATE
		SET boundary = EXCLUDED.boundary,
		    updated_at = NOW()
	`, tier, boundary)

	return err
}
