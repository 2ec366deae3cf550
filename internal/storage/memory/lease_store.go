package memory

import (
	"context"
	"sync"

	"candleflow/internal/storage"
)

// LeaseStore is an in-memory implementation of storage.LeaseStore.
type LeaseStore struct {
	mu     sync.RWMutex
	leases map[string]*storage.Lease
}

// NewLeaseStore creates a new in-memory lease store.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{
		leases: make(map[string]*storage.Lease),
	}
}

var _ storage.LeaseStore = (*LeaseStore)(nil)

// Get returns the latest lease record for a tier.
func (s *LeaseStore) Get(_ context.Context, tier string) (*storage.Lease, error) {
	if tier == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lease, ok := s.leases[tier]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *lease
	return &cp, nil
}

// Put writes a lease record, replacing the tier's previous state.
func (s *LeaseStore) Put(_ context.Context, lease *storage.Lease) error {
	if lease == nil || lease.Tier == "" || lease.State == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *lease
	s.leases[lease.Tier] = &cp
	return nil
}
