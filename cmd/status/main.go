// Package main provides the operator CLI: per-tier aggregation progress, and
// the recovery actions (clearing a wedged lease, rewinding a checkpoint to
// force re-aggregation of a window).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"candleflow/internal/lease"
	"candleflow/internal/resolution"
	"candleflow/internal/storage"
	chstore "candleflow/internal/storage/clickhouse"
	"candleflow/internal/storage/migrations"
	pgstore "candleflow/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	// Parse flags
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL control plane connection string (optional, defaults to ClickHouse)")
	clearLease := flag.String("clear-lease", "", "Force-reset the named tier's lease to idle")
	rewindTier := flag.String("rewind", "", "Tier whose checkpoint to move (requires --boundary)")
	boundary := flag.String("boundary", "", "New checkpoint boundary (RFC3339) for --rewind")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")

	flag.Parse()

	logger := log.New(os.Stderr, "[status] ", log.LstdFlags)

	if *clickhouseDSN == "" {
		logger.Fatal("--clickhouse-dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	checkpoints, leases, cleanup, err := createControlPlane(ctx, *clickhouseDSN, *postgresDSN)
	if err != nil {
		logger.Fatalf("Connect: %v", err)
	}
	defer cleanup()

	registry := resolution.NewRegistry()
	coordinator := lease.New(lease.Options{Store: leases})

	switch {
	case *clearLease != "":
		if _, ok := registry.ByName(*clearLease); !ok {
			logger.Fatalf("Unknown tier: %s", *clearLease)
		}
		if err := coordinator.Clear(ctx, *clearLease); err != nil {
			logger.Fatalf("Clear lease: %v", err)
		}
		fmt.Printf("Lease for tier %s reset to idle\n", *clearLease)

	case *rewindTier != "":
		if _, ok := registry.ByName(*rewindTier); !ok {
			logger.Fatalf("Unknown tier: %s", *rewindTier)
		}
		if *boundary == "" {
			logger.Fatal("--boundary is required with --rewind")
		}
		t, err := time.Parse(time.RFC3339, *boundary)
		if err != nil {
			logger.Fatalf("Parse boundary: %v", err)
		}
		if err := checkpoints.Set(ctx, *rewindTier, t.UTC()); err != nil {
			logger.Fatalf("Set checkpoint: %v", err)
		}
		fmt.Printf("Checkpoint for tier %s moved to %s; the window after it will be re-aggregated\n",
			*rewindTier, t.UTC().Format(time.RFC3339))

	default:
		printStatus(ctx, logger, registry, checkpoints, coordinator)
	}
}

// createControlPlane connects the checkpoint and lease stores. Migrations run
// first so the tool works against a fresh database.
func createControlPlane(ctx context.Context, clickhouseDSN, postgresDSN string) (storage.CheckpointStore, storage.LeaseStore, func(), error) {
	if postgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, postgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		return pgstore.NewCheckpointStore(pool), pgstore.NewLeaseStore(pool), func() { pool.Close() }, nil
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}
	return chstore.NewCheckpointStore(conn), chstore.NewLeaseStore(conn), func() { conn.Close() }, nil
}

// printStatus renders the per-tier progress table.
func printStatus(ctx context.Context, logger *log.Logger, registry *resolution.Registry, checkpoints storage.CheckpointStore, coordinator *lease.Coordinator) {
	now := time.Now().UTC()

	fmt.Printf("%-6s %-8s %-25s %-12s %-10s %-25s\n",
		"TIER", "BUCKET", "CHECKPOINT", "LAG", "LEASE", "LEASE EXPIRES")
	for _, tier := range registry.Tiers() {
		checkpoint := "-"
		lag := "-"
		if cp, err := checkpoints.Get(ctx, tier.Name); err == nil {
			checkpoint = cp.Format(time.RFC3339)
			lag = now.Sub(cp).Truncate(time.Second).String()
		} else if !errors.Is(err, storage.ErrNotFound) {
			logger.Printf("tier %s: read checkpoint: %v", tier.Name, err)
		}

		state := storage.LeaseStateIdle
		expires := "-"
		if l, err := coordinator.Status(ctx, tier.Name); err == nil {
			state = l.State
			expires = l.ExpiresAt.Format(time.RFC3339)
		} else if !errors.Is(err, storage.ErrNotFound) {
			logger.Printf("tier %s: read lease: %v", tier.Name, err)
		}

		fmt.Printf("%-6s %-8s %-25s %-12s %-10s %-25s\n",
			tier.Name, tier.BucketWidth, checkpoint, lag, state, expires)
	}
}
