package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"wallet-sync/internal/storage"
	"wallet-sync/internal/storage/migrations"
	"wallet-sync/internal/storage/postgres"
)

// setupTestDB creates a PostgreSQL container for testing and applies migrations.
// Returns a cleanup function that must be called after tests complete.
func setupTestDB(t *testing.T) (*postgres.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	require.NoError(t, err, "failed to run migrations")
	require.NotEmpty(t, applied)

	// Second run is a no-op
	applied, err = migrations.RunPostgresMigrations(ctx, pool)
	require.NoError(t, err)
	require.Empty(t, applied)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

func TestCacheStore_PutAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewCacheStore(pool)

	written := time.Unix(1700000000, 0).UTC()
	err := store.Put(ctx, &storage.CacheRecord{
		ProductKey: "account",
		Address:    "EQaddr",
		Payload:    []byte(`{"seqno":5}`),
		WrittenAt:  written,
	})
	require.NoError(t, err)

	r, err := store.Get(ctx, "account", "EQaddr")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"seqno":5}`), r.Payload)
	assert.True(t, written.Equal(r.WrittenAt))
}

func TestCacheStore_Upsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewCacheStore(pool)

	require.NoError(t, store.Put(ctx, &storage.CacheRecord{ProductKey: "price", Payload: []byte("1"), WrittenAt: time.Now()}))
	require.NoError(t, store.Put(ctx, &storage.CacheRecord{ProductKey: "price", Payload: []byte("2"), WrittenAt: time.Now()}))

	r, err := store.Get(ctx, "price", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), r.Payload)
}

func TestCacheStore_NotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewCacheStore(pool)

	_, err := store.Get(context.Background(), "account", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
