// Package tests holds integration tests that run against a real Postgres and
// Redis. They are skipped unless DATABASE_URL and REDIS_URL are set.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/inkpad/server/internal/cache"
	"github.com/inkpad/server/internal/db"
)

// Stores are the live backends an integration test runs against.
type Stores struct {
	DB    *sql.DB
	Redis *redis.Client
}

// OpenStores connects to DATABASE_URL and REDIS_URL, applies migrations and
// truncates the auth tables. It skips the test when either is unset.
func OpenStores(t *testing.T) *Stores {
	t.Helper()
	dsn, redisURL := os.Getenv("DATABASE_URL"), os.Getenv("REDIS_URL")
	if dsn == "" || redisURL == "" {
		t.Skip("DATABASE_URL or REDIS_URL not set; skipping integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, dsn)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")

	rdb, err := cache.Open(ctx, redisURL)
	require.NoError(t, err, "redis open must succeed; check REDIS_URL")
	t.Cleanup(func() { _ = rdb.Close() })

	s := &Stores{DB: database, Redis: rdb}
	s.Truncate(t)
	return s
}

// Truncate empties the auth tables and the Redis database for a clean state.
func (s *Stores) Truncate(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateAuthTables(context.Background(), s.DB))
	require.NoError(t, s.Redis.FlushDB(context.Background()).Err())
}

// TruncateAuthTables truncates auth-related tables for a clean test state.
func TruncateAuthTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE password_reset_tokens, one_time_codes, refresh_sessions, users RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate auth tables: %w", err)
	}
	return nil
}
