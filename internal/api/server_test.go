package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/internal/aggregation"
	"candleflow/internal/cache"
	"candleflow/internal/domain"
	"candleflow/internal/lease"
	"candleflow/internal/query"
	"candleflow/internal/resolution"
	"candleflow/internal/storage"
	"candleflow/internal/storage/memory"
)

var apiEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type apiFixture struct {
	trades      *memory.TradeStore
	candles     *memory.CandleStore
	checkpoints *memory.CheckpointStore
	coordinator *lease.Coordinator
	registry    *resolution.Registry
	handler     http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		trades:      memory.NewTradeStore(),
		candles:     memory.NewCandleStore(),
		checkpoints: memory.NewCheckpointStore(),
		coordinator: lease.New(lease.Options{Store: memory.NewLeaseStore()}),
		registry:    resolution.NewRegistry(),
	}

	jobs := make(map[string]*aggregation.Job)
	for _, tier := range f.registry.Tiers() {
		job := aggregation.NewJob(aggregation.JobOptions{
			Tier:        tier,
			Trades:      f.trades,
			Candles:     f.candles,
			Checkpoints: f.checkpoints,
			Leases:      f.coordinator,
			EpochStart:  apiEpoch,
		})
		jobs[tier.Name] = job
	}

	f.handler = NewHandler(Options{
		Planner:     query.New(query.Options{Candles: f.candles, Registry: f.registry}),
		Trades:      f.trades,
		Checkpoints: f.checkpoints,
		Leases:      f.coordinator,
		Registry:    f.registry,
		Jobs:        jobs,
		Cache:       cache.NewMemoryCache(),
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedCandle(t *testing.T, tier string, bucketEnd time.Time) {
	t.Helper()
	err := f.candles.UpsertBulk(context.Background(), []*domain.Candle{{
		Tier:   tier,
		Symbol: "BTCUSD", BucketTS: bucketEnd,
		Open: 10, High: 12, Low: 8, Close: 11, Volume: 7,
	}})
	require.NoError(t, err)
}

func TestHandler_Health(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandler_Candles(t *testing.T) {
	f := newAPIFixture(t)
	f.seedCandle(t, "1m", apiEpoch.Add(time.Minute))

	target := fmt.Sprintf("/candles?symbol=BTCUSD&resolution=1m&from=%d&to=%d",
		apiEpoch.UnixMilli(), apiEpoch.Add(time.Hour).UnixMilli())
	rec := f.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp candlesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1m", resp.Resolution)
	require.Len(t, resp.Candles, 1)
	assert.Equal(t, 10.0, resp.Candles[0].Open)
	assert.Equal(t, apiEpoch.Add(time.Minute).UnixMilli(), resp.Candles[0].BucketTS)
}

func TestHandler_Candles_RFC3339Times(t *testing.T) {
	f := newAPIFixture(t)
	f.seedCandle(t, "1m", apiEpoch.Add(time.Minute))

	target := fmt.Sprintf("/candles?symbol=BTCUSD&resolution=1m&from=%s&to=%s",
		apiEpoch.Format(time.RFC3339), apiEpoch.Add(time.Hour).Format(time.RFC3339))
	rec := f.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp candlesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Candles, 1)
}

func TestHandler_Candles_BadRequest(t *testing.T) {
	f := newAPIFixture(t)

	// Missing from/to
	rec := f.do(t, http.MethodGet, "/candles?symbol=BTCUSD&resolution=1m", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Inverted range, rejected by the planner
	target := fmt.Sprintf("/candles?symbol=BTCUSD&resolution=1m&from=%d&to=%d",
		apiEpoch.Add(time.Hour).UnixMilli(), apiEpoch.UnixMilli())
	rec = f.do(t, http.MethodGet, target, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, query.KindBadRequest, resp.Kind)
}

func TestHandler_Candles_EmptyRangeIsOK(t *testing.T) {
	f := newAPIFixture(t)

	target := fmt.Sprintf("/candles?symbol=BTCUSD&resolution=1m&from=%d&to=%d",
		apiEpoch.UnixMilli(), apiEpoch.Add(time.Hour).UnixMilli())
	rec := f.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp candlesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Candles)
}

func TestHandler_Trades_Accepts(t *testing.T) {
	f := newAPIFixture(t)

	body := fmt.Sprintf(
		`[{"symbol":"BTCUSD","side":"buy","price":100.5,"amount":1.25,"timestamp":%d}]`,
		apiEpoch.Add(10*time.Second).UnixMilli())
	rec := f.do(t, http.MethodPost, "/trades", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := f.trades.GetByTimeRange(context.Background(), "BTCUSD", apiEpoch, apiEpoch.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100.5, got[0].Price)
}

func TestHandler_Trades_DefaultsTimestampToNow(t *testing.T) {
	f := newAPIFixture(t)
	before := time.Now().UTC()

	body := `[{"symbol":"BTCUSD","side":"buy","price":100.5,"amount":1.25}]`
	rec := f.do(t, http.MethodPost, "/trades", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := f.trades.GetByTimeRange(context.Background(), "BTCUSD",
		before.Add(-time.Second), time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.Before(before))
}

func TestHandler_Trades_RejectsMalformedBatch(t *testing.T) {
	f := newAPIFixture(t)

	body := fmt.Sprintf(
		`[{"symbol":"BTCUSD","side":"buy","price":-5,"amount":1,"timestamp":%d}]`,
		apiEpoch.UnixMilli())
	rec := f.do(t, http.MethodPost, "/trades", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/trades", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Status(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.checkpoints.Set(ctx, "1m", apiEpoch))

	rec := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tiers []tierStatus `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tiers, 5)

	byName := make(map[string]tierStatus)
	for _, ts := range resp.Tiers {
		byName[ts.Tier] = ts
	}
	require.Contains(t, byName, "1m")
	require.NotNil(t, byName["1m"].Checkpoint)
	assert.Equal(t, apiEpoch.UnixMilli(), *byName["1m"].Checkpoint)
	assert.Nil(t, byName["1h"].Checkpoint)
}

func TestHandler_ForceRun(t *testing.T) {
	f := newAPIFixture(t)

	err := f.trades.InsertBulk(context.Background(), []*domain.TradeEvent{{
		Symbol: "BTCUSD", Side: domain.TradeSideBuy,
		Price: 100, Amount: 1, Timestamp: apiEpoch.Add(10 * time.Second),
	}})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/tiers/1m/run", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "aggregated", resp["outcome"])

	// Unknown tier
	rec = f.do(t, http.MethodPost, "/tiers/2m/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ClearLease(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, ok, err := f.coordinator.Acquire(ctx, "1m")
	require.NoError(t, err)
	require.True(t, ok)

	rec := f.do(t, http.MethodPost, "/tiers/1m/lease/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)

	l, err := f.coordinator.Status(ctx, "1m")
	require.NoError(t, err)
	assert.Equal(t, storage.LeaseStateIdle, l.State)

	rec = f.do(t, http.MethodPost, "/tiers/2m/lease/clear", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// countingCandleStore counts reads so tests can observe cache hits.
type countingCandleStore struct {
	storage.CandleStore
	reads int
}

func (s *countingCandleStore) GetByTimeRange(ctx context.Context, tier, symbol string, from, to time.Time, limit int) ([]*domain.Candle, error) {
	s.reads++
	return s.CandleStore.GetByTimeRange(ctx, tier, symbol, from, to, limit)
}

func TestHandler_Candles_ServesFromCache(t *testing.T) {
	f := newAPIFixture(t)
	f.seedCandle(t, "1m", apiEpoch.Add(time.Minute))

	counting := &countingCandleStore{CandleStore: f.candles}
	handler := NewHandler(Options{
		Planner:     query.New(query.Options{Candles: counting, Registry: f.registry}),
		Trades:      f.trades,
		Checkpoints: f.checkpoints,
		Leases:      f.coordinator,
		Registry:    f.registry,
		Cache:       cache.NewMemoryCache(),
	})

	target := fmt.Sprintf("/candles?symbol=BTCUSD&resolution=1m&from=%d&to=%d",
		apiEpoch.UnixMilli(), apiEpoch.Add(time.Hour).UnixMilli())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp candlesResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Candles, 1)
	}

	// The second request never reached the store
	assert.Equal(t, 1, counting.reads)
}

// Alias spellings of the same tier share one cache entry.
func TestHandler_Candles_CacheKeyUsesNormalizedResolution(t *testing.T) {
	f := newAPIFixture(t)
	f.seedCandle(t, "1m", apiEpoch.Add(time.Minute))

	counting := &countingCandleStore{CandleStore: f.candles}
	handler := NewHandler(Options{
		Planner:     query.New(query.Options{Candles: counting, Registry: f.registry}),
		Trades:      f.trades,
		Checkpoints: f.checkpoints,
		Leases:      f.coordinator,
		Registry:    f.registry,
		Cache:       cache.NewMemoryCache(),
	})

	for _, res := range []string{"1m", "1M", "1min"} {
		target := fmt.Sprintf("/candles?symbol=BTCUSD&resolution=%s&from=%d&to=%d",
			res, apiEpoch.UnixMilli(), apiEpoch.Add(time.Hour).UnixMilli())
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 1, counting.reads)
}
