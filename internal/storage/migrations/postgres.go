package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"candleflow/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded control-plane DDL. pgx executes
// a whole file in one round trip, so unlike the ClickHouse path no statement
// splitting is needed.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	files, err := sqlFiles(postgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, file := range files {
		data, err := fs.ReadFile(postgresFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}

	return nil
}
