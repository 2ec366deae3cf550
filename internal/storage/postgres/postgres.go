// Package postgres backs the aggregation control plane with PostgreSQL.
//
// Only the small transactional tables live here: per-tier checkpoints and
// leases, a handful of rows each, read and written once per job cadence. The
// trade log and candle tiers stay in ClickHouse; see the sibling clickhouse
// package.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Control-plane pool sizing. Traffic is a few single-row statements per tier
// per cadence, so a handful of connections is plenty and idle ones are
// returned quickly.
const (
	maxConns        = 8
	maxConnIdleTime = 5 * time.Minute
)

// Pool wraps pgxpool.Pool so stores take a narrow dependency.
type Pool struct {
	*pgxpool.Pool
}

// NewPool connects to PostgreSQL and verifies the connection. The pool is
// capped at the control-plane size regardless of the DSN; this workload never
// needs more.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if config.MaxConns > maxConns {
		config.MaxConns = maxConns
	}
	if config.MaxConnIdleTime <= 0 {
		config.MaxConnIdleTime = maxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// isNotFoundError reports whether a scan came back empty. Stores translate
// this into storage.ErrNotFound so callers never see pgx types.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
