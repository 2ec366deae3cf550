// Package main provides the standalone ingestion binary: live feed intake or
// a file backfill into the trade event log.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"candleflow/internal/domain"
	"candleflow/internal/ingestion"
	"candleflow/internal/ingestion/stub"
	"candleflow/internal/observability"
	"candleflow/internal/storage"
	chstore "candleflow/internal/storage/clickhouse"
	"candleflow/internal/storage/memory"
	"candleflow/internal/storage/migrations"
)

func main() {
	_ = godotenv.Load()

	// Parse flags
	mode := flag.String("mode", "live", "Ingestion mode: live or backfill")
	feedURL := flag.String("feed-url", os.Getenv("TRADE_FEED_URL"), "WebSocket trade feed URL for live mode")
	stubFeed := flag.Bool("stub-feed", false, "Use a synthetic trade feed instead of a real one")
	stubSymbols := flag.String("stub-symbols", "BTCUSD,ETHUSD", "Comma-separated symbols for the synthetic feed")
	inputFile := flag.String("input", "", "JSON-lines trade file for backfill mode")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of ClickHouse")
	batchSize := flag.Int("batch-size", 500, "Events per bulk insert")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address (empty to disable)")

	flag.Parse()

	logger := log.New(os.Stdout, "[ingest] ", log.LstdFlags|log.Lshortfile)

	// Start metrics server if enabled
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Printf("Starting metrics server on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)

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
		case <-done:
			// Normal shutdown completed
		}
	}()

	var err error
	switch *mode {
	case "live":
		err = runLive(ctx, logger, *feedURL, *stubFeed, *stubSymbols, *clickhouseDSN, *useMemory, *batchSize)
	case "backfill":
		err = runBackfill(ctx, logger, *inputFile, *clickhouseDSN, *useMemory, *batchSize)
	default:
		logger.Fatalf("Unknown mode: %s", *mode)
	}

	done <- err
	cancel()

	if err != nil && err != context.Canceled {
		logger.Fatalf("Error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createTradeStore connects the trade store, running migrations first.
func createTradeStore(ctx context.Context, clickhouseDSN string, useMemory bool) (storage.TradeStore, func(), error) {
	if useMemory {
		return memory.NewTradeStore(), func() {}, nil
	}
	if clickhouseDSN == "" {
		return nil, nil, fmt.Errorf("--clickhouse-dsn is required (use --use-memory for in-memory storage)")
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}
	return chstore.NewTradeStore(conn), func() { conn.Close() }, nil
}

// runLive streams the feed into the trade log until cancelled.
func runLive(ctx context.Context, logger *log.Logger, feedURL string, stubFeed bool, stubSymbols, clickhouseDSN string, useMemory bool, batchSize int) error {
	var source ingestion.TradeSource
	switch {
	case feedURL != "":
		source = ingestion.NewWSTradeSource(feedURL, logger)
	case stubFeed:
		var symbols []string
		for _, s := range strings.Split(stubSymbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		source = stub.NewTradeSource(symbols, 100*time.Millisecond)
	default:
		return fmt.Errorf("--feed-url or --stub-feed is required for live mode")
	}

	trades, cleanup, err := createTradeStore(ctx, clickhouseDSN, useMemory)
	if err != nil {
		return err
	}
	defer cleanup()

	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		Source:     source,
		TradeStore: trades,
		BatchSize:  batchSize,
		Logger:     logger,
	})

	logger.Println("Starting live ingestion...")
	return runner.Run(ctx)
}

// fileTrade is one backfill input line.
type fileTrade struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// runBackfill loads a JSON-lines trade file into the trade log.
func runBackfill(ctx context.Context, logger *log.Logger, inputFile, clickhouseDSN string, useMemory bool, batchSize int) error {
	if inputFile == "" {
		return fmt.Errorf("--input is required for backfill mode")
	}

	f, err := os.Open(inputFile)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	trades, cleanup, err := createTradeStore(ctx, clickhouseDSN, useMemory)
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		batch    []*domain.TradeEvent
		total    int
		rejected int
		line     int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := trades.InsertBulk(ctx, batch); err != nil {
			return fmt.Errorf("insert batch ending at line %d: %w", line, err)
		}
		observability.RecordTradesIngested(len(batch))
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var ft fileTrade
		if err := json.Unmarshal([]byte(raw), &ft); err != nil {
			logger.Printf("Line %d: skipping unparseable trade: %v", line, err)
			rejected++
			continue
		}
		if ft.Timestamp == 0 {
			logger.Printf("Line %d: skipping trade without timestamp for %q", line, ft.Symbol)
			rejected++
			continue
		}
		event := &domain.TradeEvent{
			Symbol:    ft.Symbol,
			Side:      ft.Side,
			Price:     ft.Price,
			Amount:    ft.Amount,
			Timestamp: time.UnixMilli(ft.Timestamp).UTC(),
		}
		if !event.Valid() {
			logger.Printf("Line %d: skipping malformed trade for %q", line, ft.Symbol)
			observability.RecordTradeRejected()
			rejected++
			continue
		}

		batch = append(batch, event)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	logger.Printf("Backfill complete: %d trades loaded, %d rejected", total, rejected)
	return nil
}
