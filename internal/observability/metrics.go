// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Aggregation metrics
	JobRunsTotal   *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	CandlesWritten *prometheus.CounterVec
	CheckpointLag  *prometheus.GaugeVec
	BucketsSkipped *prometheus.CounterVec

	// Query planner metrics
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	FallbackDepth *prometheus.HistogramVec

	// Ingestion metrics
	TradesIngested prometheus.Counter
	TradesRejected prometheus.Counter
	FeedReconnects prometheus.Counter

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "candleflow"
	}

	return &Metrics{
		JobRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "job_runs_total",
			Help:      "Total number of aggregation job runs by tier and outcome",
		}, []string{"tier", "outcome"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "job_duration_seconds",
			Help:      "Aggregation job run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"tier"}),
		CandlesWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "candles_written_total",
			Help:      "Total number of OHLCV candles committed by tier",
		}, []string{"tier"}),
		CheckpointLag: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "checkpoint_lag_seconds",
			Help:      "Seconds between now and the tier's checkpoint boundary",
		}, []string{"tier"}),
		BucketsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "buckets_skipped_total",
			Help:      "Total number of malformed buckets skipped during commit",
		}, []string{"tier"}),

		QueriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of chart queries by resolved tier and outcome",
		}, []string{"tier", "outcome"}),
		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Chart query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		FallbackDepth: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "fallback_depth",
			Help:      "How many fallback steps a chart query needed (0 = primary tier served)",
			Buckets:   []float64{0, 1, 2},
		}, []string{"tier"}),

		TradesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_ingested_total",
			Help:      "Total number of trade events stored",
		}),
		TradesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_rejected_total",
			Help:      "Total number of malformed trade events rejected",
		}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "feed_reconnects_total",
			Help:      "Total number of trade feed reconnect attempts",
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of chart cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of chart cache misses",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordJobRun records one aggregation job run.
func RecordJobRun(tier, outcome string, durationSeconds float64) {
	DefaultMetrics.JobRunsTotal.WithLabelValues(tier, outcome).Inc()
	DefaultMetrics.JobDuration.WithLabelValues(tier).Observe(durationSeconds)
}

// RecordCandlesWritten records candles committed for a tier.
func RecordCandlesWritten(tier string, n int) {
	DefaultMetrics.CandlesWritten.WithLabelValues(tier).Add(float64(n))
}

// RecordCheckpointLag updates the tier's checkpoint lag gauge.
func RecordCheckpointLag(tier string, lagSeconds float64) {
	DefaultMetrics.CheckpointLag.WithLabelValues(tier).Set(lagSeconds)
}

// RecordBucketsSkipped records malformed buckets dropped during commit.
func RecordBucketsSkipped(tier string, n int) {
	DefaultMetrics.BucketsSkipped.WithLabelValues(tier).Add(float64(n))
}

// RecordQuery records one chart query against its resolved tier.
func RecordQuery(tier, outcome string, durationSeconds float64, fallbackDepth int) {
	DefaultMetrics.QueriesTotal.WithLabelValues(tier, outcome).Inc()
	DefaultMetrics.QueryDuration.WithLabelValues(tier).Observe(durationSeconds)
	DefaultMetrics.FallbackDepth.WithLabelValues(tier).Observe(float64(fallbackDepth))
}

// RecordTradesIngested increments the ingested trades counter.
func RecordTradesIngested(n int) {
	DefaultMetrics.TradesIngested.Add(float64(n))
}

// RecordTradeRejected increments the rejected trades counter.
func RecordTradeRejected() {
	DefaultMetrics.TradesRejected.Inc()
}

// RecordFeedReconnect increments the feed reconnect counter.
func RecordFeedReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// RecordCacheHit increments the cache hit counter.
func RecordCacheHit() {
	DefaultMetrics.CacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func RecordCacheMiss() {
	DefaultMetrics.CacheMisses.Inc()
}
