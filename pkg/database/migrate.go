package database

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// Migrate applies every *.up.sql file in migrations that has not been
// recorded in schema_migrations, in lexical order. Each file runs in its
// own transaction together with its version row.
func (db *PostgresDB) Migrate(ctx context.Context, migrations fs.FS) ([]string, error) {
	if _, err := db.pool.Exec(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	files, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	var applied []string
	for _, name := range files {
		version := strings.TrimSuffix(name, ".up.sql")

		body, err := fs.ReadFile(migrations, name)
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		ran, err := db.applyMigration(ctx, version, string(body))
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", version, err)
		}
		if ran {
			applied = append(applied, version)
		}
	}

	return applied, nil
}

func (db *PostgresDB) applyMigration(ctx context.Context, version, body string) (bool, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize concurrent starters on the same database
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext('schema_migrations'))"); err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, body); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}
