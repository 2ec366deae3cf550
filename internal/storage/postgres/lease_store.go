package postgres

import (
	"context"

	"candleflow/internal/storage"
)

// LeaseStore is a PostgreSQL implementation of storage.LeaseStore.
// One row per tier in tier_leases; Put replaces the row in place.
type LeaseStore struct {
	pool *Pool
}

// NewLeaseStore creates a new PostgreSQL lease store.
func NewLeaseStore(pool *Pool) *LeaseStore {
	return &LeaseStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LeaseStore = (*LeaseStore)(nil)

// Get returns the latest lease record for a tier.
func (s *LeaseStore) Get(ctx context.Context, tier string) (*storage.Lease, error) {
	if tier == "" {
		return nil, storage.ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx, `
		SELECT tier, state, run_id, expires_at, transitioned_at
		FROM tier_leases
		WHERE tier = $1
	`, tier)

	var l storage.Lease
	err := row.Scan(&l.Tier, &l.State, &l.RunID, &l.ExpiresAt, &l.TransitionedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	l.ExpiresAt = l.ExpiresAt.UTC()
	l.TransitionedAt = l.TransitionedAt.UTC()
	return &l, nil
}

// Put writes a lease record, replacing the tier's previous state.
// Uses upsert to handle initial insert and subsequent transitions.
func (s *LeaseStore) Put(ctx context.Context, lease *storage.Lease) error {
	if lease == nil || lease.Tier == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tier_leases (tier, state, run_id, expires_at, transitioned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tier) DO UPDATE
		SET state = EXCLUDED.state,
		    run_id = EXCLUDED.run_id,
		    expires_at = EXCLUDED.expires_at,
		    transitioned_at = EXCLUDED.transitioned_at
	`, lease.Tier, lease.State, lease.RunID, lease.ExpiresAt, lease.TransitionedAt)

	return err
}
