// Package main provides the candle operations CLI. Run mode drives selected
// tiers' aggregation until they are caught up; query mode executes one chart
// query through the same planner the HTTP API uses and prints the bars.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"candleflow/internal/aggregation"
	"candleflow/internal/lease"
	"candleflow/internal/query"
	"candleflow/internal/resolution"
	"candleflow/internal/storage"
	chstore "candleflow/internal/storage/clickhouse"
	"candleflow/internal/storage/migrations"
	pgstore "candleflow/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	// Parse flags
	mode := flag.String("mode", "run", "Mode: run (catch up aggregation) or query (print candles)")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL control plane connection string (optional, defaults to ClickHouse)")
	tiers := flag.String("tiers", "", "Comma-separated tiers to aggregate (default all)")
	epochStart := flag.String("epoch-start", os.Getenv("EPOCH_START"), "Aggregation start boundary (RFC3339) for tiers without a checkpoint")
	symbol := flag.String("symbol", "", "Trading symbol for query mode (e.g. BTCUSD)")
	res := flag.String("resolution", resolution.DefaultTierName, "Requested resolution for query mode")
	fromStr := flag.String("from", "", "Query range start (RFC3339), default 24 hours ago")
	toStr := flag.String("to", "", "Query range end (RFC3339), default now")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout")

	flag.Parse()

	logger := log.New(os.Stderr, "[candles] ", log.LstdFlags)

	if *clickhouseDSN == "" {
		logger.Fatal("--clickhouse-dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch *mode {
	case "run":
		err = runCatchUp(ctx, logger, *clickhouseDSN, *postgresDSN, *tiers, *epochStart)
	case "query":
		err = runQuery(ctx, logger, *clickhouseDSN, *symbol, *res, *fromStr, *toStr)
	default:
		logger.Fatalf("Unknown mode: %s", *mode)
	}
	if err != nil {
		logger.Fatalf("Error: %v", err)
	}
}

// runCatchUp drives each selected tier's job until it reports up to date.
func runCatchUp(ctx context.Context, logger *log.Logger, clickhouseDSN, postgresDSN, tierList, epochStart string) error {
	registry := resolution.NewRegistry()

	selected := registry.Tiers()
	if tierList != "" {
		selected = selected[:0]
		for _, name := range strings.Split(tierList, ",") {
			tier, ok := registry.ByName(strings.TrimSpace(name))
			if !ok {
				return fmt.Errorf("unknown tier: %s", name)
			}
			selected = append(selected, tier)
		}
	}

	epoch := time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	if epochStart != "" {
		t, err := time.Parse(time.RFC3339, epochStart)
		if err != nil {
			return fmt.Errorf("parse epoch-start: %w", err)
		}
		epoch = t.UTC()
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		return fmt.Errorf("clickhouse migrations: %w", err)
	}
	defer conn.Close()

	var checkpoints storage.CheckpointStore = chstore.NewCheckpointStore(conn)
	var leases storage.LeaseStore = chstore.NewLeaseStore(conn)
	if postgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, postgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		checkpoints = pgstore.NewCheckpointStore(pool)
		leases = pgstore.NewLeaseStore(pool)
	}

	coordinator := lease.New(lease.Options{Store: leases})
	trades := chstore.NewTradeStore(conn)
	candles := chstore.NewCandleStore(conn)

	for _, tier := range selected {
		job := aggregation.NewJob(aggregation.JobOptions{
			Tier:        tier,
			Trades:      trades,
			Candles:     candles,
			Checkpoints: checkpoints,
			Leases:      coordinator,
			EpochStart:  epoch,
			Logger:      logger,
		})

		var written, chunks int
		for {
			result, err := job.Run(ctx)
			if err != nil {
				return fmt.Errorf("tier %s: %w", tier.Name, err)
			}
			switch result.Outcome {
			case aggregation.OutcomeAggregated:
				chunks++
				written += result.CandlesWritten
				continue
			case aggregation.OutcomeSkipped:
				return fmt.Errorf("tier %s: lease held by another run", tier.Name)
			}
			// up to date
			fmt.Printf("Tier %s caught up: %d chunks, %d candles written\n",
				tier.Name, chunks, written)
			break
		}
	}
	return nil
}

// runQuery executes one chart query and prints the bars.
func runQuery(ctx context.Context, logger *log.Logger, clickhouseDSN, symbol, res, fromStr, toStr string) error {
	if symbol == "" {
		return fmt.Errorf("--symbol is required for query mode")
	}

	from, to, err := resolveRange(fromStr, toStr)
	if err != nil {
		return err
	}

	conn, err := chstore.NewConn(ctx, clickhouseDSN)
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}
	defer conn.Close()

	planner := query.New(query.Options{
		Candles:  chstore.NewCandleStore(conn),
		Registry: resolution.NewRegistry(),
		Logger:   logger,
	})

	bars, err := planner.Query(ctx, query.Request{
		Symbol:     symbol,
		Resolution: res,
		From:       from,
		To:         to,
	})
	if err != nil {
		var qerr *query.Error
		if errors.As(err, &qerr) {
			return fmt.Errorf("%s: %s", qerr.Kind, qerr.Message)
		}
		return err
	}

	if len(bars) == 0 {
		fmt.Printf("No candles for %s %s in [%s, %s)\n",
			symbol, res, from.Format(time.RFC3339), to.Format(time.RFC3339))
		return nil
	}

	fmt.Printf("%s %s: %d candles served at resolution %s\n\n",
		symbol, res, len(bars), bars[0].Tier)
	fmt.Printf("%-25s %12s %12s %12s %12s %14s\n",
		"BUCKET END", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
	for _, b := range bars {
		fmt.Printf("%-25s %12.6g %12.6g %12.6g %12.6g %14.6g\n",
			b.BucketTS.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	return nil
}

// resolveRange parses the query range flags, defaulting to the last 24 hours.
func resolveRange(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now().UTC()

	to := now
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse to: %w", err)
		}
		to = t.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse from: %w", err)
		}
		from = t.UTC()
	}

	return from, to, nil
}
