package storage

import (
	"context"
	"time"

	"candleflow/internal/domain"
)

// AggregateFunc selects the aggregate applied to a window of trades.
// The backing stores translate the enum into engine expressions; callers
// never hand the store query text.
type AggregateFunc string

// Supported window aggregate functions.
const (
	AggFirst AggregateFunc = "first" // value of earliest trade in window
	AggLast  AggregateFunc = "last"  // value of latest trade in window
	AggMax   AggregateFunc = "max"
	AggMin   AggregateFunc = "min"
	AggSum   AggregateFunc = "sum"
)

// AggregateField selects the trade field an aggregate reads.
type AggregateField string

// Supported aggregate fields.
const (
	FieldPrice  AggregateField = "price"
	FieldAmount AggregateField = "amount"
)

// WindowAggregateRequest describes one windowed aggregation over the trade
// log: trades in [Start, End), optionally filtered to one symbol, grouped
// into fixed-width windows, reduced by Fn over Field.
type WindowAggregateRequest struct {
	Symbol string        // empty = all symbols
	Start  time.Time     // inclusive
	End    time.Time     // exclusive
	Window time.Duration // bucket width
	Field  AggregateField
	Fn     AggregateFunc
}

// WindowValue is one aggregated window, keyed by the window's end boundary.
type WindowValue struct {
	Symbol    string
	BucketEnd time.Time
	Value     float64
}

// TradeStore provides access to the append-only trade event log.
type TradeStore interface {
	// InsertBulk appends trade events. Returns ErrInvalidInput if any event
	// is malformed. Events are never updated or deleted.
	InsertBulk(ctx context.Context, trades []*domain.TradeEvent) error

	// GetByTimeRange retrieves trades for a symbol within [start, end),
	// ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, symbol string, start, end time.Time) ([]*domain.TradeEvent, error)

	// WindowAggregate executes one windowed aggregation over the trade log
	// and returns one value per non-empty window, keyed by window end.
	WindowAggregate(ctx context.Context, req WindowAggregateRequest) ([]WindowValue, error)
}

// CandleStore provides access to pre-aggregated OHLCV candles.
type CandleStore interface {
	// UpsertBulk writes candles as a single unit: either every candle in the
	// batch becomes authoritative or none does. Rewriting an existing
	// (tier, symbol, bucket) key replaces the previous record, which makes
	// chunk recomputation idempotent.
	UpsertBulk(ctx context.Context, candles []*domain.Candle) error

	// GetByTimeRange retrieves candles for (tier, symbol) with bucket
	// timestamps within [from, to), ordered by bucket ASC. A limit of 0
	// means no limit.
	GetByTimeRange(ctx context.Context, tier, symbol string, from, to time.Time, limit int) ([]*domain.Candle, error)
}

// CheckpointStore persists the per-tier "caught up through" boundary.
// Boundaries are monotonic non-decreasing under normal operation; only an
// operator resets one.
type CheckpointStore interface {
	// Get returns the tier's boundary. Returns ErrNotFound if the tier has
	// never committed a chunk.
	Get(ctx context.Context, tier string) (time.Time, error)

	// Set saves the tier's boundary.
	Set(ctx context.Context, tier string, boundary time.Time) error
}

// Lease states.
const (
	LeaseStateRunning   = "running"
	LeaseStateCompleted = "completed" // alias of idle, kept for observability
	LeaseStateIdle      = "idle"
)

// Lease is the per-tier mutual-exclusion record preventing overlapping
// aggregation runs.
type Lease struct {
	Tier           string
	State          string
	RunID          string    // identifies the holder acquisition
	ExpiresAt      time.Time // after this instant a running lease counts as idle
	TransitionedAt time.Time
}

// Running reports whether the lease blocks acquisition at the given instant.
// An expired running lease does not: a crashed job must not wedge its tier.
func (l *Lease) Running(now time.Time) bool {
	return l != nil && l.State == LeaseStateRunning && now.Before(l.ExpiresAt)
}

// LeaseStore persists tier lease records.
type LeaseStore interface {
	// Get returns the latest lease record for a tier. Returns ErrNotFound
	// if the tier has never been leased.
	Get(ctx context.Context, tier string) (*Lease, error)

	// Put writes a lease record, replacing the tier's previous state.
	Put(ctx context.Context, lease *Lease) error
}
