package leveldb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-sync/internal/storage"
)

func TestCacheStore_PutGetReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)

	written := time.UnixMilli(1700000000123).UTC()
	require.NoError(t, store.Put(ctx, &storage.CacheRecord{
		ProductKey: "account",
		Address:    "EQaddr",
		Payload:    []byte(`{"seqno":7}`),
		WrittenAt:  written,
	}))
	require.NoError(t, store.Close())

	// Records survive reopening
	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	r, err := store.Get(ctx, "account", "EQaddr")
	require.NoError(t, err)
	assert.Equal(t, "account", r.ProductKey)
	assert.Equal(t, "EQaddr", r.Address)
	assert.Equal(t, []byte(`{"seqno":7}`), r.Payload)
	assert.Equal(t, written, r.WrittenAt)
}

func TestCacheStore_NotFound(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(context.Background(), "price", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCacheStore_Overwrite(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &storage.CacheRecord{ProductKey: "price", Payload: []byte("1")}))
	require.NoError(t, store.Put(ctx, &storage.CacheRecord{ProductKey: "price", Payload: []byte("2")}))

	r, err := store.Get(ctx, "price", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), r.Payload)
}

func TestCacheStore_KeysWithColons(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &storage.CacheRecord{ProductKey: "staking", Address: "EQpool:EQwallet", Payload: []byte("member")}))
	require.NoError(t, store.Put(ctx, &storage.CacheRecord{ProductKey: "staking:EQpool", Address: "EQwallet", Payload: []byte("other")}))

	r, err := store.Get(ctx, "staking", "EQpool:EQwallet")
	require.NoError(t, err)
	assert.Equal(t, []byte("member"), r.Payload)

	r, err = store.Get(ctx, "staking:EQpool", "EQwallet")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), r.Payload)
}

func TestCacheStore_ClosedAndInvalid(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, store.Put(ctx, &storage.CacheRecord{}), storage.ErrInvalidInput)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Get(ctx, "price", "")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
