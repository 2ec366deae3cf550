// Package main provides the unified service: trade ingestion, the per-tier
// aggregation scheduler, and the HTTP API for charts and operations.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"candleflow/internal/aggregation"
	"candleflow/internal/api"
	"candleflow/internal/cache"
	"candleflow/internal/ingestion"
	"candleflow/internal/ingestion/stub"
	"candleflow/internal/lease"
	"candleflow/internal/query"
	"candleflow/internal/resolution"
	"candleflow/internal/storage"
	chstore "candleflow/internal/storage/clickhouse"
	"candleflow/internal/storage/memory"
	"candleflow/internal/storage/migrations"
	pgstore "candleflow/internal/storage/postgres"
)

// allStores holds all storage implementations.
type allStores struct {
	trades      storage.TradeStore
	candles     storage.CandleStore
	checkpoints storage.CheckpointStore
	leases      storage.LeaseStore
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Parse flags (env vars as defaults)
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string for the control plane (optional, defaults to ClickHouse)")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address for the chart cache (optional)")
	feedURL := flag.String("feed-url", os.Getenv("TRADE_FEED_URL"), "WebSocket trade feed URL")
	stubFeed := flag.Bool("stub-feed", false, "Use a synthetic trade feed instead of a real one")
	stubSymbols := flag.String("stub-symbols", "BTCUSD,ETHUSD", "Comma-separated symbols for the synthetic feed")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of ClickHouse/PostgreSQL")
	httpAddr := flag.String("http-addr", ":8080", "HTTP API listen address")
	epochStart := flag.String("epoch-start", os.Getenv("EPOCH_START"), "Aggregation start boundary (RFC3339) for tiers without a checkpoint")
	leaseTTL := flag.Duration("lease-ttl", lease.DefaultTTL, "Tier lease TTL")
	logFile := flag.String("log-file", os.Getenv("LOG_FILE"), "Log file path with rotation (optional, default stdout)")

	flag.Parse()

	logger := log.New(logOutput(*logFile), "[server] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory && *clickhouseDSN == "" {
		logger.Fatal("--clickhouse-dsn is required (use --use-memory for in-memory storage)")
	}

	epoch, err := resolveEpochStart(*epochStart)
	if err != nil {
		logger.Fatalf("Invalid --epoch-start: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, *clickhouseDSN, *postgresDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	queryCache, err := createCache(ctx, *redisAddr)
	if err != nil {
		logger.Fatalf("Failed to create cache: %v", err)
	}

	registry := resolution.NewRegistry()
	coordinator := lease.New(lease.Options{Store: stores.leases, TTL: *leaseTTL})

	// One aggregation job per tier
	var jobs []*aggregation.Job
	jobsByTier := make(map[string]*aggregation.Job)
	for _, tier := range registry.Tiers() {
		job := aggregation.NewJob(aggregation.JobOptions{
			Tier:        tier,
			Trades:      stores.trades,
			Candles:     stores.candles,
			Checkpoints: stores.checkpoints,
			Leases:      coordinator,
			EpochStart:  epoch,
			Logger:      log.New(logOutput(*logFile), "[aggregation] ", log.LstdFlags),
		})
		jobs = append(jobs, job)
		jobsByTier[tier.Name] = job
	}
	scheduler := aggregation.NewScheduler(jobs, log.New(logOutput(*logFile), "[scheduler] ", log.LstdFlags))

	planner := query.New(query.Options{
		Candles:  stores.candles,
		Registry: registry,
		Logger:   log.New(logOutput(*logFile), "[query] ", log.LstdFlags),
	})

	handler := api.NewHandler(api.Options{
		Planner:     planner,
		Trades:      stores.trades,
		Checkpoints: stores.checkpoints,
		Leases:      coordinator,
		Registry:    registry,
		Jobs:        jobsByTier,
		Cache:       queryCache,
		Logger:      log.New(logOutput(*logFile), "[api] ", log.LstdFlags),
	})

	// Optional trade feed
	source := createSource(*feedURL, *stubFeed, *stubSymbols, *logFile)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
	}()

	errCh := make(chan error, 3)

	// HTTP server
	server := &http.Server{Addr: *httpAddr, Handler: handler}
	go func() {
		logger.Printf("HTTP API listening on %s", *httpAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	// Aggregation scheduler
	go func() {
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	// Ingestion runner
	if source != nil {
		runner := ingestion.NewRunner(ingestion.RunnerOptions{
			Source:     source,
			TradeStore: stores.trades,
			Logger:     log.New(logOutput(*logFile), "[ingestion] ", log.LstdFlags),
		})
		go func() {
			if err := runner.Run(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("ingestion: %w", err)
			}
		}()
	} else {
		logger.Println("No trade feed configured, running without ingestion")
	}

	logger.Printf("Server started: tiers=%d, epoch=%s", len(jobs), epoch.Format(time.RFC3339))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Printf("Component failed: %v", err)
		cancel()
	}

	logger.Println("Shutdown complete")
}

// createStores creates all required stores.
func createStores(ctx context.Context, clickhouseDSN, postgresDSN string, useMemory bool) (*allStores, func(), error) {
	if useMemory {
		stores := &allStores{
			trades:      memory.NewTradeStore(),
			candles:     memory.NewCandleStore(),
			checkpoints: memory.NewCheckpointStore(),
			leases:      memory.NewLeaseStore(),
		}
		return stores, func() {}, nil
	}

	// ClickHouse carries the event log and candles; migrations run first.
	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &allStores{
		trades:      chstore.NewTradeStore(chConn),
		candles:     chstore.NewCandleStore(chConn),
		checkpoints: chstore.NewCheckpointStore(chConn),
		leases:      chstore.NewLeaseStore(chConn),
	}
	cleanup := func() { chConn.Close() }

	// Optional PostgreSQL control plane for checkpoints and leases.
	if postgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, postgresDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			cleanup()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		stores.checkpoints = pgstore.NewCheckpointStore(pool)
		stores.leases = pgstore.NewLeaseStore(pool)
		cleanup = func() {
			pool.Close()
			chConn.Close()
		}
	}

	return stores, cleanup, nil
}

// createCache wires the chart cache: Redis when configured, otherwise
// in-process.
func createCache(ctx context.Context, redisAddr string) (cache.QueryCache, error) {
	if redisAddr == "" {
		return cache.NewMemoryCache(), nil
	}
	return cache.NewRedisCache(ctx, redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
}

// createSource wires the trade feed, or nil when none is configured.
func createSource(feedURL string, stubFeed bool, stubSymbols, logFile string) ingestion.TradeSource {
	if feedURL != "" {
		return ingestion.NewWSTradeSource(feedURL, log.New(logOutput(logFile), "[ws-trades] ", log.LstdFlags))
	}
	if stubFeed {
		var symbols []string
		for _, s := range strings.Split(stubSymbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		return stub.NewTradeSource(symbols, 100*time.Millisecond)
	}
	return nil
}

// resolveEpochStart parses the aggregation epoch, defaulting to 30 days ago
// at midnight UTC.
func resolveEpochStart(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// logOutput returns the log sink: a rotating file when configured, stdout
// otherwise.
func logOutput(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
}
