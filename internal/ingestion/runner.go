// Package ingestion streams trade events from an external feed into the
// append-only trade log.
package ingestion

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"candleflow/internal/domain"
	"candleflow/internal/observability"
	"candleflow/internal/storage"
)

// Runner pulls trades from a source and writes them to the trade store in
// batches. Malformed events are rejected and counted, never stored.
type Runner struct {
	source        TradeSource
	trades        storage.TradeStore
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Source     TradeSource
	TradeStore storage.TradeStore

	BatchSize     int           // Default: 500 events per insert
	FlushInterval time.Duration // Default: 1s - force flush a partial batch
	Logger        *log.Logger
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[ingestion] ", log.LstdFlags)
	}

	return &Runner{
		source:        opts.Source,
		trades:        opts.TradeStore,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
	}
}

// Run starts continuous ingestion. It blocks until the context is cancelled
// or the source channel closes.
func (r *Runner) Run(ctx context.Context) error {
	eventsCh, err := r.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	r.logger.Printf("subscribed, batch size %d, flush interval %v", r.batchSize, r.flushInterval)

	flushTicker := time.NewTicker(r.flushInterval)
	defer flushTicker.Stop()

	batch := make([]*domain.TradeEvent, 0, r.batchSize)

	for {
		select {
		case <-ctx.Done():
			// Flush whatever is buffered before shutdown
			r.flush(context.WithoutCancel(ctx), batch)
			r.logger.Println("runner stopping")
			return ctx.Err()

		case event, ok := <-eventsCh:
			if !ok {
				r.flush(context.WithoutCancel(ctx), batch)
				return errors.New("trade events channel closed")
			}
			if event == nil || !event.Valid() {
				observability.RecordTradeRejected()
				r.logger.Printf("rejected malformed trade: %+v", event)
				continue
			}
			batch = append(batch, event)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-flushTicker.C:
			r.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// flush writes one batch. A failed insert drops the batch after logging:
// the trade log favors availability of the stream over at-least-once
// delivery of any single event.
func (r *Runner) flush(ctx context.Context, batch []*domain.TradeEvent) {
	if len(batch) == 0 {
		return
	}

	if err := r.trades.InsertBulk(ctx, batch); err != nil {
		r.logger.Printf("insert batch of %d trades: %v", len(batch), err)
		return
	}
	observability.RecordTradesIngested(len(batch))
}
