package storage

import (
	"context"
	"time"
)

// CacheRecord is the last known state of one product, serialized by the product's codec.
type CacheRecord struct {
	ProductKey string    // product kind, e.g. "account"
	Address    string    // owning address, empty for global products
	Payload    []byte    // codec-encoded product value
	WrittenAt  time.Time // when the record was stored
}

// Validate checks the record key fields.
func (r *CacheRecord) Validate() error {
	if r == nil || r.ProductKey == "" {
		return ErrInvalidInput
	}
	return nil
}

// CacheStore persists product records keyed by (product key, address).
// Writes overwrite; there is no history.
type CacheStore interface {
	// Get retrieves a record. Returns ErrNotFound if not exists.
	Get(ctx context.Context, productKey, address string) (*CacheRecord, error)

	// Put inserts or overwrites a record.
	Put(ctx context.Context, r *CacheRecord) error

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by configuration.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)
