package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements_SplitsAndStripsComments(t *testing.T) {
	input := `-- trade log
CREATE TABLE IF NOT EXISTS trade_events (x UInt8) ENGINE = MergeTree ORDER BY x;

-- candle tiers
CREATE TABLE IF NOT EXISTS candles_1m (x UInt8) ENGINE = MergeTree ORDER BY x;
`
	stmts, err := statements(input)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "trade_events")
	assert.Contains(t, stmts[1], "candles_1m")
	for _, s := range stmts {
		assert.NotContains(t, s, "--")
		assert.NotContains(t, s, ";")
	}
}

func TestStatements_RejectsSemicolonInLiteral(t *testing.T) {
	_, err := statements(`SELECT 'a;b'`)
	assert.Error(t, err)

	// The '' escape does not open a literal
	stmts, err := statements(`SELECT 'it''s fine'; SELECT 1`)
	require.NoError(t, err)
	assert.Len(t, stmts, 2)
}

func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	chFiles, err := sqlFiles(clickhouseFS, "clickhouse")
	require.NoError(t, err)
	require.NotEmpty(t, chFiles)
	for _, file := range chFiles {
		data, err := fs.ReadFile(clickhouseFS, file)
		require.NoError(t, err)
		stmts, err := statements(string(data))
		require.NoError(t, err, file)
		assert.NotEmpty(t, stmts, file)
	}

	pgFiles, err := sqlFiles(postgresFS, "postgres")
	require.NoError(t, err)
	require.NotEmpty(t, pgFiles)
	for _, file := range pgFiles {
		data, err := fs.ReadFile(postgresFS, file)
		require.NoError(t, err)
		assert.NotEmpty(t, strings.TrimSpace(string(data)), file)
	}
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://localhost:9000/candleflow")
	require.NoError(t, err)
	assert.Equal(t, "candleflow", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000/")
	assert.Error(t, err)
}
