package memory

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"wallet-sync/internal/storage"
)

// DefaultSize is the default number of records kept by CacheStore.
const DefaultSize = 1024

// CacheStore is an in-memory implementation of storage.CacheStore bounded by an LRU.
type CacheStore struct {
	records *lru.Cache[string, storage.CacheRecord]
	closed  atomic.Bool
}

// NewCacheStore creates a new in-memory cache store holding at most size records.
func NewCacheStore(size int) (*CacheStore, error) {
	if size <= 0 {
		size = DefaultSize
	}
	records, err := lru.New[string, storage.CacheRecord](size)
	if err != nil {
		return nil, err
	}
	return &CacheStore{records: records}, nil
}

func key(productKey, address string) string {
	return productKey + "\x00" + address
}

// Get retrieves a record by product key and address.
func (s *CacheStore) Get(_ context.Context, productKey, address string) (*storage.CacheRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	if productKey == "" {
		return nil, storage.ErrInvalidInput
	}

	r, ok := s.records.Get(key(productKey, address))
	if !ok {
		return nil, storage.ErrNotFound
	}

	r.Payload = append([]byte(nil), r.Payload...)
	return &r, nil
}

// Put inserts or overwrites a record.
func (s *CacheStore) Put(_ context.Context, r *storage.CacheRecord) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := r.Validate(); err != nil {
		return err
	}

	stored := *r
	stored.Payload = append([]byte(nil), r.Payload...)
	s.records.Add(key(r.ProductKey, r.Address), stored)
	return nil
}

// Len returns the number of records currently held.
func (s *CacheStore) Len() int {
	return s.records.Len()
}

// Close drops all records.
func (s *CacheStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.records.Purge()
	return nil
}
