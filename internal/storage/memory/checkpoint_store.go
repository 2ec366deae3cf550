package memory

import (
	"context"
	"sync"
	"time"

	"candleflow/internal/storage"
)

// CheckpointStore is an in-memory implementation of storage.CheckpointStore.
type CheckpointStore struct {
	mu         sync.RWMutex
	boundaries map[string]time.Time
}

// NewCheckpointStore creates a new in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		boundaries: make(map[string]time.Time),
	}
}

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// Get returns the tier's boundary. Returns ErrNotFound if the tier has never
// committed a chunk.
func (s *CheckpointStore) Get(_ context.Context, tier string) (time.Time, error) {
	if tier == "" {
		return time.Time{}, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	boundary, ok := s.boundaries[tier]
	if !ok {
		return time.Time{}, storage.ErrNotFound
	}
	return boundary, nil
}

// Set saves the tier's boundary.
func (s *CheckpointStore) Set(_ context.Context, tier string, boundary time.Time) error {
	if tier == "" || boundary.IsZero() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.boundaries[tier] = boundary
	return nil
}
