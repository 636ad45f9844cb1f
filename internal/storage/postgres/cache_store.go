package postgres

import (
	"context"
	"time"

	"wallet-sync/internal/storage"
)

// CacheStore is a PostgreSQL implementation of storage.CacheStore.
// Uses the cache_records table keyed by (product_key, address); global products use ''.
type CacheStore struct {
	pool *Pool
}

// NewCacheStore creates a new PostgreSQL cache store.
func NewCacheStore(pool *Pool) *CacheStore {
	return &CacheStore{pool: pool}
}

// Get retrieves a record by product key and address.
func (s *CacheStore) Get(ctx context.Context, productKey, address string) (*storage.CacheRecord, error) {
	if productKey == "" {
		return nil, storage.ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx, `
		SELECT payload, written_at
		FROM cache_records
		WHERE product_key = $1 AND address = $2
	`, productKey, address)

	r := storage.CacheRecord{ProductKey: productKey, Address: address}
	var writtenAt time.Time
	if err := row.Scan(&r.Payload, &writtenAt); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	r.WrittenAt = writtenAt.UTC()

	return &r, nil
}

// Put inserts or overwrites a record.
func (s *CacheStore) Put(ctx context.Context, r *storage.CacheRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_records (product_key, address, payload, written_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_key, address) DO UPDATE
		SET payload = EXCLUDED.payload,
		    written_at = EXCLUDED.written_at
	`, r.ProductKey, r.Address, r.Payload, r.WrittenAt)

	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *CacheStore) Close() error {
	return nil
}
