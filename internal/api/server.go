// Package api exposes the HTTP surface: chart queries, trade intake, tier
// status, and the operator endpoints for force-running a tier or clearing a
// stuck lease.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"candleflow/internal/aggregation"
	"candleflow/internal/cache"
	"candleflow/internal/domain"
	"candleflow/internal/lease"
	"candleflow/internal/observability"
	"candleflow/internal/query"
	"candleflow/internal/resolution"
	"candleflow/internal/storage"
)

// Options for creating a Handler.
type Options struct {
	Planner     *query.Planner
	Trades      storage.TradeStore
	Checkpoints storage.CheckpointStore
	Leases      *lease.Coordinator
	Registry    *resolution.Registry

	// Jobs allows force-triggering a tier outside its cadence. Optional;
	// without it POST /tiers/{tier}/run returns 404.
	Jobs map[string]*aggregation.Job

	// Cache is optional; without it every query hits the planner.
	Cache cache.QueryCache

	Logger *log.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	planner     *query.Planner
	trades      storage.TradeStore
	checkpoints storage.CheckpointStore
	leases      *lease.Coordinator
	registry    *resolution.Registry
	jobs        map[string]*aggregation.Job
	cache       cache.QueryCache
	logger      *log.Logger
}

// NewHandler creates the API handler with all routes registered.
func NewHandler(opts Options) http.Handler {
	h := &Handler{
		planner:     opts.Planner,
		trades:      opts.Trades,
		checkpoints: opts.Checkpoints,
		leases:      opts.Leases,
		registry:    opts.Registry,
		jobs:        opts.Jobs,
		cache:       opts.Cache,
		logger:      opts.Logger,
	}
	if h.registry == nil {
		h.registry = resolution.NewRegistry()
	}
	if h.logger == nil {
		h.logger = log.New(os.Stdout, "[api] ", log.LstdFlags)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /candles", h.handleCandles)
	mux.HandleFunc("POST /trades", h.handleTrades)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("POST /tiers/{tier}/run", h.handleForceRun)
	mux.HandleFunc("POST /tiers/{tier}/lease/clear", h.handleClearLease)
	return mux
}

// candleJSON is the wire form of one bar.
type candleJSON struct {
	Tier     string  `json:"tier"`
	Symbol   string  `json:"symbol"`
	BucketTS int64   `json:"bucket_ts"` // bucket end, unix milliseconds
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// candlesResponse is the GET /candles payload.
type candlesResponse struct {
	Resolution string       `json:"resolution"` // resolved tier serving the bars
	Candles    []candleJSON `json:"candles"`
}

// errorResponse is the JSON error payload.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handleCandles serves chart queries.
// GET /candles?symbol=BTCUSD&resolution=5m&from=<ms>&to=<ms>
func (h *Handler) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	res := q.Get("resolution")

	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, query.KindBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, query.KindBadRequest, "invalid to: "+err.Error())
		return
	}

	// Cache key uses the normalized resolution so aliases share entries.
	normalized := h.registry.Normalize(res).Name
	key := cache.Key(symbol, normalized, from, to)
	if h.cache != nil {
		if bars, ok, err := h.cache.Get(r.Context(), key); err == nil && ok {
			observability.RecordCacheHit()
			writeCandles(w, bars)
			return
		}
		observability.RecordCacheMiss()
	}

	bars, err := h.planner.Query(r.Context(), query.Request{
		Symbol:     symbol,
		Resolution: res,
		From:       from,
		To:         to,
	})
	if err != nil {
		var qerr *query.Error
		if errors.As(err, &qerr) {
			status := http.StatusServiceUnavailable
			if qerr.Kind == query.KindBadRequest {
				status = http.StatusBadRequest
			}
			writeError(w, status, qerr.Kind, qerr.Message)
			return
		}
		h.logger.Printf("query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "query failed")
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(r.Context(), key, bars, cache.DefaultTTL); err != nil {
			h.logger.Printf("cache set: %v", err)
		}
	}
	writeCandles(w, bars)
}

// tradeJSON is the wire form of one inbound trade.
type tradeJSON struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// handleTrades accepts a batch of trade events.
// POST /trades with a JSON array body.
func (h *Handler) handleTrades(w http.ResponseWriter, r *http.Request) {
	var wire []tradeJSON
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, query.KindBadRequest, "invalid body: "+err.Error())
		return
	}

	now := time.Now().UTC()
	trades := make([]*domain.TradeEvent, 0, len(wire))
	for _, t := range wire {
		// Timestamp is optional on intake and defaults to receipt time.
		ts := now
		if t.Timestamp != 0 {
			ts = time.UnixMilli(t.Timestamp).UTC()
		}
		trades = append(trades, &domain.TradeEvent{
			Symbol:    t.Symbol,
			Side:      t.Side,
			Price:     t.Price,
			Amount:    t.Amount,
			Timestamp: ts,
		})
	}

	if err := h.trades.InsertBulk(r.Context(), trades); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, query.KindBadRequest, "batch contains malformed trades")
			return
		}
		h.logger.Printf("insert trades: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "insert failed")
		return
	}
	observability.RecordTradesIngested(len(trades))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(trades)})
}

// tierStatus is one tier's row in the GET /status payload.
type tierStatus struct {
	Tier          string `json:"tier"`
	BucketWidth   string `json:"bucket_width"`
	Checkpoint    *int64 `json:"checkpoint,omitempty"` // unix ms, absent before first commit
	LagSeconds    *int64 `json:"lag_seconds,omitempty"`
	LeaseState    string `json:"lease_state"`
	LeaseRunID    string `json:"lease_run_id,omitempty"`
	LeaseExpires  *int64 `json:"lease_expires,omitempty"` // unix ms
	LeaseObserved bool   `json:"lease_observed"`          // false before the tier's first run
}

// handleStatus reports per-tier aggregation progress and lease state.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	var tiers []tierStatus
	for _, tier := range h.registry.Tiers() {
		row := tierStatus{
			Tier:        tier.Name,
			BucketWidth: tier.BucketWidth.String(),
			LeaseState:  storage.LeaseStateIdle,
		}

		if cp, err := h.checkpoints.Get(ctx, tier.Name); err == nil {
			ms := cp.UnixMilli()
			row.Checkpoint = &ms
			lag := int64(now.Sub(cp).Seconds())
			row.LagSeconds = &lag
		} else if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Printf("tier %s: read checkpoint: %v", tier.Name, err)
		}

		if l, err := h.leases.Status(ctx, tier.Name); err == nil {
			row.LeaseObserved = true
			row.LeaseState = l.State
			row.LeaseRunID = l.RunID
			ms := l.ExpiresAt.UnixMilli()
			row.LeaseExpires = &ms
		} else if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Printf("tier %s: read lease: %v", tier.Name, err)
		}

		tiers = append(tiers, row)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"tiers": tiers})
}

// handleForceRun triggers one tier's job outside its cadence. The lease
// still applies, so a run in flight turns this into a no-op skip.
func (h *Handler) handleForceRun(w http.ResponseWriter, r *http.Request) {
	tier := r.PathValue("tier")
	job, ok := h.jobs[tier]
	if !ok {
		writeError(w, http.StatusNotFound, query.KindBadRequest, "unknown tier: "+tier)
		return
	}

	result, err := job.Run(r.Context())
	if err != nil {
		h.logger.Printf("tier %s: forced run failed: %v", tier, err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"outcome":         string(result.Outcome),
		"chunk_start":     result.ChunkStart.UnixMilli(),
		"chunk_end":       result.ChunkEnd.UnixMilli(),
		"candles_written": result.CandlesWritten,
	})
}

// handleClearLease force-resets a tier's lease. Operator escape hatch for a
// lease wedged by a crashed holder.
func (h *Handler) handleClearLease(w http.ResponseWriter, r *http.Request) {
	tier := r.PathValue("tier")
	if _, ok := h.registry.ByName(tier); !ok {
		writeError(w, http.StatusNotFound, query.KindBadRequest, "unknown tier: "+tier)
		return
	}

	if err := h.leases.Clear(r.Context(), tier); err != nil {
		h.logger.Printf("tier %s: clear lease: %v", tier, err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"tier": tier, "lease_state": storage.LeaseStateIdle})
}

// parseTime accepts unix milliseconds or RFC3339.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeCandles(w http.ResponseWriter, bars []*domain.Candle) {
	resp := candlesResponse{Candles: make([]candleJSON, 0, len(bars))}
	if len(bars) > 0 {
		resp.Resolution = bars[0].Tier
	}
	for _, b := range bars {
		resp.Candles = append(resp.Candles, candleJSON{
			Tier:     b.Tier,
			Symbol:   b.Symbol,
			BucketTS: b.BucketTS.UnixMilli(),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Kind: kind, Message: message})
}
