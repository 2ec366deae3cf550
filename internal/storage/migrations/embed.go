// Package migrations bootstraps the two storage engines from embedded DDL.
//
// Numbered .sql files apply in lexical order on every start. There is no
// schema-version table: each file is written to be idempotent (CREATE ... IF
// NOT EXISTS), so re-applying the full set is the upgrade path. The postgres
// directory holds the control-plane tables (checkpoints, leases), the
// clickhouse directory the data plane (trade log, candle tiers) plus a
// duplicate control plane for single-engine deployments.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed clickhouse/*.sql
var clickhouseFS embed.FS

// sqlFiles lists the .sql entries of one embedded directory in apply order.
func sqlFiles(fsys embed.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, dir+"/"+entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
