// Package leveldb provides a LevelDB-backed storage.CacheStore for single-device wallets.
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"wallet-sync/internal/storage"
)

const cacheKeyPrefix = "cache:"

// CacheStore is a LevelDB implementation of storage.CacheStore.
// Keys are "cache:<product>\x00<address>", values are JSON envelopes.
type CacheStore struct {
	db *leveldb.DB
}

type envelope struct {
	Payload   []byte `json:"payload"`
	WrittenAt int64  `json:"writtenAt"` // unix ms
}

// Open opens (or creates) a LevelDB database at the provided path.
func Open(path string) (*CacheStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb cache path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb cache path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb cache store: %w", err)
	}
	return &CacheStore{db: db}, nil
}

// recordKey separates the parts with NUL: addresses such as "pool:member" contain ':'.
func recordKey(productKey, address string) []byte {
	return []byte(cacheKeyPrefix + productKey + "\x00" + address)
}

// Get retrieves a record by product key and address.
func (s *CacheStore) Get(_ context.Context, productKey, address string) (*storage.CacheRecord, error) {
	if productKey == "" {
		return nil, storage.ErrInvalidInput
	}

	raw, err := s.db.Get(recordKey(productKey, address), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, storage.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return nil, storage.ErrClosed
	case err != nil:
		return nil, fmt.Errorf("load cache record: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode cache record: %w", err)
	}

	return &storage.CacheRecord{
		ProductKey: productKey,
		Address:    address,
		Payload:    env.Payload,
		WrittenAt:  time.UnixMilli(env.WrittenAt).UTC(),
	}, nil
}

// Put inserts or overwrites a record.
func (s *CacheStore) Put(_ context.Context, r *storage.CacheRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(envelope{Payload: r.Payload, WrittenAt: r.WrittenAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	err = s.db.Put(recordKey(r.ProductKey, r.Address), raw, &opt.WriteOptions{Sync: false})
	if errors.Is(err, leveldb.ErrClosed) {
		return storage.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("store cache record: %w", err)
	}
	return nil
}

// Close releases the underlying LevelDB resources.
func (s *CacheStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if errors.Is(err, leveldb.ErrClosed) {
		return nil
	}
	return err
}
