package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPostgresConfig(t *testing.T) {
	cfg := DefaultPostgresConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, int32(25), cfg.MaxConns)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Contains(t, cfg.DSN(), "dbname=reservation_db")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"connection failure class", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func integrationConfig(t *testing.T) *PostgresConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	cfg := DefaultPostgresConfig()
	if host := os.Getenv("TEST_DATABASE_HOST"); host != "" {
		cfg.Host = host
	}
	if name := os.Getenv("TEST_DATABASE_NAME"); name != "" {
		cfg.Database = name
	}
	cfg.Password = os.Getenv("TEST_DATABASE_PASSWORD")
	cfg.MaxRetries = 1
	cfg.RetryInterval = 100 * time.Millisecond
	return cfg
}

func TestMigrate_AppliesOnce(t *testing.T) {
	cfg := integrationConfig(t)
	ctx := context.Background()

	db, err := NewPostgres(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()

	version := fmt.Sprintf("9999_test_%d", time.Now().UnixNano())
	migrations := fstest.MapFS{
		version + ".up.sql": {Data: []byte("SELECT 1")},
	}
	defer func() {
		_, _ = db.Pool().Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	}()

	applied, err := db.Migrate(ctx, migrations)
	require.NoError(t, err)
	assert.Equal(t, []string{version}, applied)

	applied, err = db.Migrate(ctx, migrations)
	require.NoError(t, err)
	assert.Empty(t, applied)
}
