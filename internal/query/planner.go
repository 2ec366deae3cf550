// Package query resolves chart requests against the pre-aggregated candle
// tiers.
//
// A request is normalized to a tier, escalated to a coarser tier for large
// ranges, capped to a point budget by secondary re-aggregation, and executed
// with a wall-clock timeout. On failure the planner degrades through coarser
// tiers before ever surfacing an error: a worse chart beats no chart.
package query

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"candleflow/internal/domain"
	"candleflow/internal/observability"
	"candleflow/internal/resolution"
	"candleflow/internal/storage"
)

// Error kinds surfaced to callers.
const (
	KindBadRequest  = "bad_request"
	KindUnavailable = "unavailable"
)

// Error is the structured error returned by the planner.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is one inbound chart query.
type Request struct {
	Symbol     string
	Resolution string    // raw client resolution string
	From       time.Time // inclusive
	To         time.Time // exclusive
}

// Defaults.
const (
	DefaultPrimaryTimeout  = 5 * time.Second
	DefaultFallbackTimeout = 2 * time.Second
	DefaultMaxPoints       = 2000 // point budget per response
	DefaultDegradedLimit   = 500  // hard bar cap for the last-resort attempt
)

// Options for creating a Planner.
type Options struct {
	Candles  storage.CandleStore
	Registry *resolution.Registry

	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	MaxPoints       int
	DegradedLimit   int
	Logger          *log.Logger
}

// Planner maps chart requests to the most efficient precomputed tier and
// executes them with a graded fallback chain.
type Planner struct {
	candles  storage.CandleStore
	registry *resolution.Registry

	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
	maxPoints       int
	degradedLimit   int
	logger          *log.Logger

	// One breaker per tier: a tier whose backing queries keep failing is
	// short-circuited straight to its fallback.
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Planner.
func New(opts Options) *Planner {
	p := &Planner{
		candles:         opts.Candles,
		registry:        opts.Registry,
		primaryTimeout:  opts.PrimaryTimeout,
		fallbackTimeout: opts.FallbackTimeout,
		maxPoints:       opts.MaxPoints,
		degradedLimit:   opts.DegradedLimit,
		logger:          opts.Logger,
	}
	if p.registry == nil {
		p.registry = resolution.NewRegistry()
	}
	if p.primaryTimeout <= 0 {
		p.primaryTimeout = DefaultPrimaryTimeout
	}
	if p.fallbackTimeout <= 0 {
		p.fallbackTimeout = DefaultFallbackTimeout
	}
	if p.maxPoints <= 0 {
		p.maxPoints = DefaultMaxPoints
	}
	if p.degradedLimit <= 0 {
		p.degradedLimit = DefaultDegradedLimit
	}
	if p.logger == nil {
		p.logger = log.New(os.Stdout, "[query] ", log.LstdFlags)
	}

	p.breakers = make(map[string]*gobreaker.CircuitBreaker)
	for _, tier := range p.registry.Tiers() {
		p.breakers[tier.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "candles-" + tier.Name,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		})
	}
	return p
}

// Query resolves and executes one chart request. The returned bars are
// ascending by bucket timestamp; an empty slice is a valid response and
// distinct from an error.
func (p *Planner) Query(ctx context.Context, req Request) ([]*domain.Candle, error) {
	if req.Symbol == "" {
		return nil, &Error{Kind: KindBadRequest, Message: "symbol is required"}
	}
	if !req.From.Before(req.To) {
		return nil, &Error{Kind: KindBadRequest, Message: "from must be before to"}
	}

	tier := p.registry.Normalize(req.Resolution)
	tier = p.registry.EscalateForRange(tier, req.From, req.To)

	started := time.Now()

	// Primary attempt against the resolved tier.
	bars, err := p.execute(ctx, tier, req, p.primaryTimeout, 0)
	if err == nil {
		observability.RecordQuery(tier.Name, "ok", time.Since(started).Seconds(), 0)
		return p.capPoints(tier, req, bars), nil
	}
	p.logger.Printf("tier %s: primary query failed for %s [%s, %s): %v",
		tier.Name, req.Symbol, req.From.Format(time.RFC3339), req.To.Format(time.RFC3339), err)

	// First fallback: next coarser tier, shorter timeout.
	if coarser, ok := p.registry.Coarser(tier); ok {
		bars, err = p.execute(ctx, coarser, req, p.fallbackTimeout, 0)
		if err == nil {
			observability.RecordQuery(tier.Name, "fallback", time.Since(started).Seconds(), 1)
			return p.capPoints(coarser, req, bars), nil
		}
		p.logger.Printf("tier %s: fallback query failed: %v", coarser.Name, err)
	}

	// Last resort: coarsest tier, hard result cap, best effort.
	coarsest := p.registry.Coarsest()
	if coarsest.Name != tier.Name {
		bars, err = p.execute(ctx, coarsest, req, p.fallbackTimeout, p.degradedLimit)
		if err == nil {
			observability.RecordQuery(tier.Name, "degraded", time.Since(started).Seconds(), 2)
			return p.capPoints(coarsest, req, bars), nil
		}
		p.logger.Printf("tier %s: degraded query failed: %v", coarsest.Name, err)
	}

	observability.RecordQuery(tier.Name, "error", time.Since(started).Seconds(), 2)
	return nil, &Error{
		Kind:    KindUnavailable,
		Message: fmt.Sprintf("candle store unreachable for %s at every tier", req.Symbol),
	}
}

// execute runs one backing query with a wall-clock timeout behind the tier's
// circuit breaker. A timed-out query is abandoned, not cancelled server-side.
//
// Bars carry end-boundary stamps, so the read window extends to the tier's
// bucket-grid ceiling of the request end: a coarse bucket covering a short
// range is stamped past req.To and would otherwise be missed.
func (p *Planner) execute(ctx context.Context, tier resolution.Tier, req Request, timeout time.Duration, limit int) ([]*domain.Candle, error) {
	readTo := ceilToBucket(req.To, tier.BucketWidth)
	result, err := p.breakers[tier.Name].Execute(func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.candles.GetByTimeRange(qctx, tier.Name, req.Symbol, req.From, readTo, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*domain.Candle), nil
}

// ceilToBucket rounds t up to the bucket grid, then steps one millisecond
// past it so a half-open [from, to) store filter keeps the bucket stamped
// exactly at the ceiling.
func ceilToBucket(t time.Time, w time.Duration) time.Time {
	end := t.Truncate(w)
	if end.Before(t) {
		end = end.Add(w)
	}
	return end.Add(time.Millisecond)
}

// capPoints applies the point budget: when the tier would return more bars
// than the budget allows, the series is re-aggregated over a secondary
// window that is a whole multiple of the tier's bucket width.
func (p *Planner) capPoints(tier resolution.Tier, req Request, bars []*domain.Candle) []*domain.Candle {
	window := p.secondaryWindow(tier, req.From, req.To)
	if window == 0 {
		if bars == nil {
			return []*domain.Candle{}
		}
		return bars
	}
	return Downsample(bars, window)
}

// secondaryWindow returns the re-aggregation window needed to keep the
// expected bar count within the point budget, or 0 when the tier already
// fits.
func (p *Planner) secondaryWindow(tier resolution.Tier, from, to time.Time) time.Duration {
	expected := float64(to.Sub(from)) / float64(tier.BucketWidth)
	if expected <= float64(p.maxPoints) {
		return 0
	}
	factor := int(math.Ceil(expected / float64(p.maxPoints)))
	return time.Duration(factor) * tier.BucketWidth
}

// Downsample re-aggregates an ascending bar series over a coarser window:
// open = first, high = max, low = min, close = last, volume = sum. Output
// bars keep the end-boundary stamp convention, aligned to the window.
func Downsample(bars []*domain.Candle, window time.Duration) []*domain.Candle {
	if len(bars) == 0 {
		return []*domain.Candle{}
	}

	w := window.Milliseconds()
	groups := make(map[int64]*domain.Candle)
	var order []int64

	for _, b := range bars {
		// End-stamped input: the window containing bucket end (ts-1) ends at
		// ceil(ts/w)*w.
		ts := b.BucketTS.UnixMilli()
		end := ((ts + w - 1) / w) * w

		g, ok := groups[end]
		if !ok {
			g = &domain.Candle{
				Tier:     b.Tier,
				Symbol:   b.Symbol,
				BucketTS: time.UnixMilli(end).UTC(),
				Open:     b.Open,
				High:     b.High,
				Low:      b.Low,
				Close:    b.Close,
				Volume:   b.Volume,
			}
			groups[end] = g
			order = append(order, end)
			continue
		}
		if b.High > g.High {
			g.High = b.High
		}
		if b.Low < g.Low {
			g.Low = b.Low
		}
		g.Close = b.Close
		g.Volume += b.Volume
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	result := make([]*domain.Candle, 0, len(order))
	for _, end := range order {
		result = append(result, groups[end])
	}
	return result
}
