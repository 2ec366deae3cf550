package aggregation

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"candleflow/internal/observability"
)

// Scheduler drives each tier's job on its own fixed cadence. Tiers run
// concurrently with each other; the lease keeps runs of the same tier from
// overlapping.
type Scheduler struct {
	jobs   []*Job
	logger *log.Logger
}

// NewScheduler creates a Scheduler over the given jobs.
func NewScheduler(jobs []*Job, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stdout, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Jobs returns the scheduled jobs keyed by tier name, for operator
// force-triggering.
func (s *Scheduler) Jobs() map[string]*Job {
	out := make(map[string]*Job, len(s.jobs))
	for _, j := range s.jobs {
		out[j.Tier().Name] = j
	}
	return out
}

// Run blocks until ctx is cancelled, running every tier's job immediately and
// then on its cadence.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, job := range s.jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			s.runTier(ctx, job)
		}(job)
	}

	wg.Wait()
	return ctx.Err()
}

// runTier is the per-tier loop: immediate first run, then one run per tick.
func (s *Scheduler) runTier(ctx context.Context, job *Job) {
	tier := job.Tier()
	s.logger.Printf("tier %s: scheduling every %v (chunk %v, bucket %v)",
		tier.Name, tier.Cadence, tier.ChunkSpan, tier.BucketWidth)

	s.runOnce(ctx, job)

	ticker := time.NewTicker(tier.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

// runOnce executes one job run and records its outcome. Job failures are
// logged, never fatal: the next cadence retries from the same checkpoint.
func (s *Scheduler) runOnce(ctx context.Context, job *Job) {
	tier := job.Tier()
	start := time.Now()

	result, err := job.Run(ctx)
	elapsed := time.Since(start)

	observability.RecordJobRun(tier.Name, string(result.Outcome), elapsed.Seconds())
	if err != nil {
		s.logger.Printf("tier %s: run failed after %v: %v", tier.Name, elapsed, err)
		return
	}

	switch result.Outcome {
	case OutcomeAggregated:
		observability.RecordCandlesWritten(tier.Name, result.CandlesWritten)
		observability.RecordBucketsSkipped(tier.Name, result.BucketsSkipped)
		observability.RecordCheckpointLag(tier.Name, time.Since(result.ChunkEnd).Seconds())
		s.logger.Printf("tier %s: committed %d candles for [%s, %s) in %v",
			tier.Name, result.CandlesWritten,
			result.ChunkStart.Format(time.RFC3339), result.ChunkEnd.Format(time.RFC3339), elapsed)
	case OutcomeUpToDate:
		observability.RecordCheckpointLag(tier.Name, time.Since(result.ChunkEnd).Seconds())
	}
}
