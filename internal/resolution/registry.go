// Package resolution defines the canonical resolution tiers the system
// maintains pre-aggregated candles for, and normalizes the many raw
// resolution spellings chart clients send into that fixed set.
package resolution

import (
	"strings"
	"time"
)

// Canonical tier names, finest to coarsest.
const (
	TierMinute  = "1m"
	TierFive    = "5m"
	TierQuarter = "15m"
	TierHour    = "1h"
	TierDay     = "1d"
)

// Tier is a canonical resolution the system maintains candles for.
// The set of tiers is static deployment-time configuration.
type Tier struct {
	Name        string        // canonical name, e.g. "15m"
	BucketWidth time.Duration // width of one OHLCV bucket
	ChunkSpan   time.Duration // max time span processed by one job run
	Cadence     time.Duration // how often the tier's aggregation job runs
}

// tiers is the fixed ordered tier set. Finer tiers run more often with
// smaller chunk spans so steady-state catch-up cost per run stays bounded.
var tiers = []Tier{
	{Name: TierMinute, BucketWidth: time.Minute, ChunkSpan: 6 * time.Hour, Cadence: time.Minute},
	{Name: TierFive, BucketWidth: 5 * time.Minute, ChunkSpan: 24 * time.Hour, Cadence: 5 * time.Minute},
	{Name: TierQuarter, BucketWidth: 15 * time.Minute, ChunkSpan: 72 * time.Hour, Cadence: 10 * time.Minute},
	{Name: TierHour, BucketWidth: time.Hour, ChunkSpan: 7 * 24 * time.Hour, Cadence: 30 * time.Minute},
	{Name: TierDay, BucketWidth: 24 * time.Hour, ChunkSpan: 30 * 24 * time.Hour, Cadence: time.Hour},
}

// aliases maps lowercase raw resolution spellings onto canonical tier names.
// A single case-insensitive table is the source of truth: "1m" and "1M" are
// the same minute tier. Raw resolutions without a dedicated tier map down to
// the nearest maintained coarser tier ("30m" -> 15m, "4h" -> 1h, "1w" -> 1d).
var aliases = map[string]string{
	"1": TierMinute, "1m": TierMinute, "1min": TierMinute,
	"3": TierFive, "3m": TierFive,
	"5": TierFive, "5m": TierFive, "5min": TierFive,
	"15": TierQuarter, "15m": TierQuarter, "15min": TierQuarter,
	"30": TierQuarter, "30m": TierQuarter, "30min": TierQuarter,
	"60": TierHour, "1h": TierHour, "h": TierHour, "hour": TierHour,
	"120": TierHour, "2h": TierHour,
	"240": TierHour, "4h": TierHour,
	"1440": TierDay, "d": TierDay, "1d": TierDay, "day": TierDay,
	"w": TierDay, "1w": TierDay, "week": TierDay,
	"mo": TierDay, "1mo": TierDay, "month": TierDay,
}

// DefaultTierName is the tier used for unrecognized resolution input.
// The middle tier is cheap enough for any range and fine enough for most
// charts, so unknown input degrades rather than fails.
const DefaultTierName = TierQuarter

// Registry resolves raw resolution strings to canonical tiers and answers
// ordering questions over the fixed tier set.
type Registry struct {
	ordered []Tier
	byName  map[string]Tier
}

// NewRegistry creates a registry over the fixed tier set.
func NewRegistry() *Registry {
	byName := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		byName[t.Name] = t
	}
	return &Registry{ordered: tiers, byName: byName}
}

// Normalize maps a raw resolution string to a canonical tier. Unrecognized
// input maps to the default tier rather than failing. Normalize is idempotent
// on canonical names: Normalize(t.Name) == t for every tier t.
func (r *Registry) Normalize(raw string) Tier {
	key := strings.ToLower(strings.TrimSpace(raw))
	if name, ok := aliases[key]; ok {
		return r.byName[name]
	}
	return r.byName[DefaultTierName]
}

// Tiers returns the tier set ordered finest to coarsest.
func (r *Registry) Tiers() []Tier {
	out := make([]Tier, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ByName returns the tier with the given canonical name.
func (r *Registry) ByName(name string) (Tier, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Finest returns the finest tier.
func (r *Registry) Finest() Tier {
	return r.ordered[0]
}

// Coarsest returns the coarsest tier.
func (r *Registry) Coarsest() Tier {
	return r.ordered[len(r.ordered)-1]
}

// Coarser returns the next coarser tier after t, or false if t is already
// the coarsest.
func (r *Registry) Coarser(t Tier) (Tier, bool) {
	i := r.index(t)
	if i < 0 || i == len(r.ordered)-1 {
		return Tier{}, false
	}
	return r.ordered[i+1], true
}

func (r *Registry) index(t Tier) int {
	for i, cand := range r.ordered {
		if cand.Name == t.Name {
			return i
		}
	}
	return -1
}

// Escalation thresholds, in days of requested range. Large ranges are forced
// onto coarser tiers to bound backing-query cost and result size regardless
// of what the client nominally asked for.
const (
	escalateToCoarsestDays = 365
	escalateToMiddleDays   = 90
	escalateOneStepDays    = 30
)

// EscalateForRange returns the tier actually used for a request that
// nominally asked for t over [from, to).
func (r *Registry) EscalateForRange(t Tier, from, to time.Time) Tier {
	days := to.Sub(from).Hours() / 24
	i := r.index(t)

	switch {
	case days > escalateToCoarsestDays && i < len(r.ordered)-1:
		return r.Coarsest()
	case days > escalateToMiddleDays && i <= 1:
		return r.ordered[len(r.ordered)/2]
	case days > escalateOneStepDays && i == 0:
		return r.ordered[1]
	}
	return t
}
