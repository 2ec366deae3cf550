// Package aggregation keeps each resolution tier's OHLCV candles caught up
// with the trade log.
//
// One Job exists per tier. A run acquires the tier's lease, processes one
// bounded chunk [checkpoint, checkpoint+chunkSpan) capped at the last closed
// bucket boundary, commits the chunk's candles as a unit, advances the
// checkpoint, and releases the lease.
// Recomputing an already-committed chunk produces identical candles, so a
// failed run is always safe to retry on the next cadence.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"candleflow/internal/domain"
	"candleflow/internal/lease"
	"candleflow/internal/resolution"
	"candleflow/internal/storage"
)

// Outcome classifies one job run.
type Outcome string

// Run outcomes.
const (
	OutcomeAggregated Outcome = "aggregated" // chunk committed, checkpoint advanced
	OutcomeUpToDate   Outcome = "up_to_date" // checkpoint already at now, nothing to do
	OutcomeSkipped    Outcome = "skipped"    // lease held by another run, no work performed
	OutcomeFailed     Outcome = "failed"
)

// JobOptions for creating a Job.
type JobOptions struct {
	Tier        resolution.Tier
	Trades      storage.TradeStore
	Candles     storage.CandleStore
	Checkpoints storage.CheckpointStore
	Leases      *lease.Coordinator

	// EpochStart is the boundary used when the tier has no checkpoint yet.
	EpochStart time.Time

	Clock  func() time.Time // defaults to time.Now
	Logger *log.Logger
}

// Job is the per-tier incremental aggregation worker.
type Job struct {
	tier        resolution.Tier
	trades      storage.TradeStore
	candles     storage.CandleStore
	checkpoints storage.CheckpointStore
	leases      *lease.Coordinator
	epochStart  time.Time
	now         func() time.Time
	logger      *log.Logger
}

// NewJob creates a Job for one tier.
func NewJob(opts JobOptions) *Job {
	j := &Job{
		tier:        opts.Tier,
		trades:      opts.Trades,
		candles:     opts.Candles,
		checkpoints: opts.Checkpoints,
		leases:      opts.Leases,
		epochStart:  opts.EpochStart,
		now:         opts.Clock,
		logger:      opts.Logger,
	}
	if j.now == nil {
		j.now = time.Now
	}
	if j.logger == nil {
		j.logger = log.New(os.Stdout, "[aggregation] ", log.LstdFlags)
	}
	return j
}

// Tier returns the tier this job maintains.
func (j *Job) Tier() resolution.Tier {
	return j.tier
}

// RunResult describes one completed run.
type RunResult struct {
	Outcome        Outcome
	ChunkStart     time.Time
	ChunkEnd       time.Time
	CandlesWritten int
	BucketsSkipped int // malformed buckets dropped from the chunk
}

// Run executes one job cycle. A held lease yields OutcomeSkipped with no
// error and no writes. On any failure the lease is released and the
// checkpoint is left where it was.
func (j *Job) Run(ctx context.Context) (*RunResult, error) {
	token, acquired, err := j.leases.Acquire(ctx, j.tier.Name)
	if err != nil {
		return &RunResult{Outcome: OutcomeFailed}, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		j.logger.Printf("tier %s: lease held, skipping run", j.tier.Name)
		return &RunResult{Outcome: OutcomeSkipped}, nil
	}

	stopHeartbeat, leaseLost := j.startHeartbeat(ctx, token)
	defer func() {
		stopHeartbeat()
		if relErr := j.leases.Release(ctx, token); relErr != nil {
			j.logger.Printf("tier %s: release lease: %v", j.tier.Name, relErr)
		}
	}()

	start, err := j.chunkStart(ctx)
	if err != nil {
		return &RunResult{Outcome: OutcomeFailed}, fmt.Errorf("read checkpoint: %w", err)
	}

	// Chunks end on a bucket boundary at or before now. A bucket straddling
	// now must not commit: its candle would be replaced, not merged, on the
	// next run, losing the bucket's earlier trades.
	horizon := j.now().Truncate(j.tier.BucketWidth)
	if !start.Before(horizon) {
		return &RunResult{Outcome: OutcomeUpToDate, ChunkStart: start, ChunkEnd: start}, nil
	}

	end := start.Add(j.tier.ChunkSpan)
	if end.After(horizon) {
		end = horizon
	}

	candles, skipped, err := j.aggregateChunk(ctx, start, end)
	if err != nil {
		return &RunResult{Outcome: OutcomeFailed, ChunkStart: start, ChunkEnd: end},
			fmt.Errorf("aggregate chunk [%s, %s): %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}

	// The chunk only commits while the lease is still ours. An expired and
	// taken-over lease means another run may already be rewriting this
	// window, so the work is abandoned rather than raced.
	if leaseLost.Load() {
		return &RunResult{Outcome: OutcomeFailed, ChunkStart: start, ChunkEnd: end},
			fmt.Errorf("lease lost during aggregation, abandoning chunk [%s, %s)",
				start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if err := j.leases.Heartbeat(ctx, token); err != nil {
		return &RunResult{Outcome: OutcomeFailed, ChunkStart: start, ChunkEnd: end},
			fmt.Errorf("confirm lease before commit: %w", err)
	}

	// The whole chunk commits as one batch. If this fails nothing below runs
	// and the checkpoint stays put, so the next cadence retries the chunk.
	if len(candles) > 0 {
		if err := j.candles.UpsertBulk(ctx, candles); err != nil {
			return &RunResult{Outcome: OutcomeFailed, ChunkStart: start, ChunkEnd: end},
				fmt.Errorf("commit %d candles: %w", len(candles), err)
		}
	}

	// An empty chunk still advances the checkpoint, otherwise idle periods
	// would stall the tier forever.
	if err := j.checkpoints.Set(ctx, j.tier.Name, end); err != nil {
		return &RunResult{Outcome: OutcomeFailed, ChunkStart: start, ChunkEnd: end},
			fmt.Errorf("advance checkpoint to %s: %w", end.Format(time.RFC3339), err)
	}

	return &RunResult{
		Outcome:        OutcomeAggregated,
		ChunkStart:     start,
		ChunkEnd:       end,
		CandlesWritten: len(candles),
		BucketsSkipped: skipped,
	}, nil
}

// chunkStart resolves the chunk's start boundary: the tier's checkpoint, or
// the configured epoch start for a tier that has never run.
func (j *Job) chunkStart(ctx context.Context) (time.Time, error) {
	boundary, err := j.checkpoints.Get(ctx, j.tier.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return j.epochStart, nil
		}
		return time.Time{}, err
	}
	return boundary, nil
}

// aggregateChunk issues the five independent window aggregations over
// [start, end) and merges them into candles keyed by (symbol, bucket end).
func (j *Job) aggregateChunk(ctx context.Context, start, end time.Time) ([]*domain.Candle, int, error) {
	type leg struct {
		field storage.AggregateField
		fn    storage.AggregateFunc
		apply func(c *domain.Candle, v float64)
	}
	legs := []leg{
		{storage.FieldPrice, storage.AggFirst, func(c *domain.Candle, v float64) { c.Open = v }},
		{storage.FieldPrice, storage.AggMax, func(c *domain.Candle, v float64) { c.High = v }},
		{storage.FieldPrice, storage.AggMin, func(c *domain.Candle, v float64) { c.Low = v }},
		{storage.FieldPrice, storage.AggLast, func(c *domain.Candle, v float64) { c.Close = v }},
		{storage.FieldAmount, storage.AggSum, func(c *domain.Candle, v float64) { c.Volume = v }},
	}

	type bucketKey struct {
		symbol    string
		bucketEnd int64
	}
	merged := make(map[bucketKey]*domain.Candle)
	seen := make(map[bucketKey]int) // how many legs produced a value

	for _, l := range legs {
		values, err := j.trades.WindowAggregate(ctx, storage.WindowAggregateRequest{
			Start:  start,
			End:    end,
			Window: j.tier.BucketWidth,
			Field:  l.field,
			Fn:     l.fn,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("window aggregate %s(%s): %w", l.fn, l.field, err)
		}

		for _, v := range values {
			key := bucketKey{symbol: v.Symbol, bucketEnd: v.BucketEnd.UnixMilli()}
			c, ok := merged[key]
			if !ok {
				c = &domain.Candle{
					Tier:     j.tier.Name,
					Symbol:   v.Symbol,
					BucketTS: v.BucketEnd,
				}
				merged[key] = c
			}
			l.apply(c, v.Value)
			seen[key]++
		}
	}

	var candles []*domain.Candle
	var skipped int
	for key, c := range merged {
		// A bucket missing one of its five legs, or carrying non-finite
		// values, is a data anomaly. Skip and log it; never abort the chunk.
		if seen[key] != len(legs) || !c.Valid() {
			skipped++
			j.logger.Printf("tier %s: skipping malformed bucket %s@%s (legs=%d)",
				j.tier.Name, c.Symbol, c.BucketTS.Format(time.RFC3339), seen[key])
			continue
		}
		candles = append(candles, c)
	}

	return candles, skipped, nil
}

// startHeartbeat renews the lease while the run is in flight. Returns a stop
// function for the deferred release path and a flag that turns true when the
// lease is no longer ours.
func (j *Job) startHeartbeat(ctx context.Context, token *lease.Token) (func(), *atomic.Bool) {
	interval := j.leases.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := j.leases.Heartbeat(hbCtx, token); err != nil {
					j.logger.Printf("tier %s: heartbeat: %v", j.tier.Name, err)
					if errors.Is(err, lease.ErrLeaseLost) {
						lost.Store(true)
						return
					}
				}
			}
		}
	}()

	stop := func() {
		cancel()
		wg.Wait()
	}
	return stop, &lost
}
