// Package lease provides per-tier mutual exclusion for aggregation runs.
//
// A tier's lease blocks a second run of the same tier's job while one is in
// flight. Acquisition is read-latest-then-write: a single active scheduler
// instance is assumed, so the lease guards against manual re-triggering, not
// against concurrent schedulers. Every acquisition carries a TTL and the
// holder renews it via heartbeat, so a crashed job cannot wedge its tier.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"candleflow/internal/storage"
)

// ErrLeaseLost is returned by Heartbeat when the caller no longer holds the
// tier's lease (expired and taken over, or cleared by an operator).
var ErrLeaseLost = errors.New("lease lost")

// DefaultTTL bounds how long a silent holder keeps a tier locked.
const DefaultTTL = 5 * time.Minute

// Token identifies one successful acquisition.
type Token struct {
	Tier      string
	RunID     string
	ExpiresAt time.Time
}

// Options for creating a Coordinator.
type Options struct {
	Store storage.LeaseStore
	TTL   time.Duration    // defaults to DefaultTTL
	Clock func() time.Time // defaults to time.Now
}

// Coordinator manages tier leases on top of a LeaseStore.
type Coordinator struct {
	store storage.LeaseStore
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		store: opts.Store,
		ttl:   opts.TTL,
		now:   opts.Clock,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// TTL returns the lease TTL. Holders should heartbeat well within it.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// Acquire attempts to take the tier's lease. Returns (nil, false, nil) when
// the lease is held by a live run; that is the skip path, not an error.
func (c *Coordinator) Acquire(ctx context.Context, tier string) (*Token, bool, error) {
	cur, err := c.store.Get(ctx, tier)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("read lease for %s: %w", tier, err)
	}

	now := c.now()
	if cur.Running(now) {
		return nil, false, nil
	}

	token := &Token{
		Tier:      tier,
		RunID:     uuid.NewString(),
		ExpiresAt: now.Add(c.ttl),
	}
	err = c.store.Put(ctx, &storage.Lease{
		Tier:           tier,
		State:          storage.LeaseStateRunning,
		RunID:          token.RunID,
		ExpiresAt:      token.ExpiresAt,
		TransitionedAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("write lease for %s: %w", tier, err)
	}
	return token, true, nil
}

// Heartbeat renews the lease expiry mid-run. Returns ErrLeaseLost if the
// stored lease no longer belongs to the token's run.
func (c *Coordinator) Heartbeat(ctx context.Context, token *Token) error {
	cur, err := c.store.Get(ctx, token.Tier)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrLeaseLost
		}
		return fmt.Errorf("read lease for %s: %w", token.Tier, err)
	}
	if cur.State != storage.LeaseStateRunning || cur.RunID != token.RunID {
		return ErrLeaseLost
	}

	now := c.now()
	token.ExpiresAt = now.Add(c.ttl)
	err = c.store.Put(ctx, &storage.Lease{
		Tier:           token.Tier,
		State:          storage.LeaseStateRunning,
		RunID:          token.RunID,
		ExpiresAt:      token.ExpiresAt,
		TransitionedAt: now,
	})
	if err != nil {
		return fmt.Errorf("renew lease for %s: %w", token.Tier, err)
	}
	return nil
}

// Release marks the tier completed. Called on both success and failure; only
// a process crash skips it, and the TTL covers that case. A token whose lease
// has since expired and been taken over (or operator-cleared) releases
// nothing: the record belongs to the new holder and overwriting it would open
// the tier to a third, overlapping run.
func (c *Coordinator) Release(ctx context.Context, token *Token) error {
	cur, err := c.store.Get(ctx, token.Tier)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read lease for %s: %w", token.Tier, err)
	}
	if cur.RunID != token.RunID {
		return nil
	}

	now := c.now()
	err = c.store.Put(ctx, &storage.Lease{
		Tier:           token.Tier,
		State:          storage.LeaseStateCompleted,
		RunID:          token.RunID,
		ExpiresAt:      now,
		TransitionedAt: now,
	})
	if err != nil {
		return fmt.Errorf("release lease for %s: %w", token.Tier, err)
	}
	return nil
}

// Clear force-resets a tier's lease to idle. Operator surface for leases
// stuck by a crashed holder.
func (c *Coordinator) Clear(ctx context.Context, tier string) error {
	now := c.now()
	err := c.store.Put(ctx, &storage.Lease{
		Tier:           tier,
		State:          storage.LeaseStateIdle,
		ExpiresAt:      now,
		TransitionedAt: now,
	})
	if err != nil {
		return fmt.Errorf("clear lease for %s: %w", tier, err)
	}
	return nil
}

// Status returns the tier's latest lease record, or ErrNotFound if the tier
// has never been leased.
func (c *Coordinator) Status(ctx context.Context, tier string) (*storage.Lease, error) {
	return c.store.Get(ctx, tier)
}
