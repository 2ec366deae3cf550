package clickhouse

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/storage"
)

// LeaseStore implements storage.LeaseStore using ClickHouse. Lease
// transitions append to tier_leases; the latest row per tier is
// authoritative. Mutual exclusion does not rely on the store being
// transactional: expiry handles the race of a crashed holder, and a single
// scheduler process is the only writer per tier in normal operation.
type LeaseStore struct {
	conn *Conn
}

// NewLeaseStore creates a new LeaseStore.
func NewLeaseStore(conn *Conn) *LeaseStore {
	return &LeaseStore{conn: conn}
}

// Compile-time interface check.
var _ storage.LeaseStore = (*LeaseStore)(nil)

// Get returns the latest lease record for a tier.
func (s *LeaseStore) Get(ctx context.Context, tier string) (*storage.Lease, error) {
	if tier == "" {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT tier, state, run_id, expires_at, transitioned_at
		FROM tier_leases
		WHERE tier = ?
		ORDER BY transitioned_at DESC
		LIMIT 1
	`

	rows, err := s.conn.Query(ctx, query, tier)
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate lease rows: %w", err)
		}
		return nil, storage.ErrNotFound
	}

	var l storage.Lease
	err = rows.Scan(&l.Tier, &l.State, &l.RunID, &l.ExpiresAt, &l.TransitionedAt)
	if err != nil {
		return nil, fmt.Errorf("scan lease row: %w", err)
	}
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.TransitionedAt = l.TransitionedAt.UTC()
	return &l, nil
}

// Put appends a lease transition.
func (s *LeaseStore) Put(ctx context.Context, lease *storage.Lease) error {
	if lease == nil || lease.Tier == "" {
		return storage.ErrInvalidInput
	}

	transitionedAt := lease.TransitionedAt
	if transitionedAt.IsZero() {
		transitionedAt = time.Now().UTC()
	}

	err := s.conn.Exec(ctx, `
		INSERT INTO tier_leases (tier, state, run_id, expires_at, transitioned_at)
		VALUES (?, ?, ?, ?, ?)
	`, lease.Tier, lease.State, lease.RunID, lease.ExpiresAt, transitionedAt)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}
