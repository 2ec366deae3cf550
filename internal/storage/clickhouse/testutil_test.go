package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a ClickHouse container and returns a connection.
// Returns a cleanup function that must be called when done.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	// Start ClickHouse container
	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60 * time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "test",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	// Get native port (9000)
	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port())

	// Connect to ClickHouse
	conn, err := NewConn(ctx, dsn)
	require.NoError(t, err)

	createTables(t, conn)

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}

	return conn, cleanup
}

// createTables applies the schema directly. Tests cannot use the migrations
// package without an import cycle, so the DDL is mirrored here.
func createTables(t *testing.T, conn *Conn) {
	t.Helper()
	ctx := context.Background()

	err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trade_events (
			symbol  LowCardinality(String),
			side    LowCardinality(String),
			price   Float64,
			amount  Float64,
			ts      DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		ORDER BY (symbol, ts)
		SETTINGS index_granularity = 8192
	`)
	require.NoError(t, err)

	err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ohlcv_candles (
			tier        LowCardinality(String),
			symbol      LowCardinality(String),
			bucket_ts   DateTime64(3, 'UTC'),
			open        Float64,
			high        Float64,
			low         Float64,
			close       Float64,
			volume      Float64,
			updated_at  DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (tier, symbol, bucket_ts)
		SETTINGS index_granularity = 8192
	`)
	require.NoError(t, err)

	err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS aggregation_checkpoints (
			tier          LowCardinality(String),
			boundary      DateTime64(3, 'UTC'),
			committed_at  DateTime64(6, 'UTC')
		) ENGINE = MergeTree()
		ORDER BY (tier, committed_at)
		SETTINGS index_granularity = 8192
	`)
	require.NoError(t, err)

	err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tier_leases (
			tier             LowCardinality(String),
			state            LowCardinality(String),
			run_id           String,
			expires_at       DateTime64(3, 'UTC'),
			transitioned_at  DateTime64(6, 'UTC')
		) ENGINE = MergeTree()
		ORDER BY (tier, transitioned_at)
		SETTINGS index_granularity = 8192
	`)
	require.NoError(t, err)
}
