// Package cache gives products synchronous, failure-tolerant access to a storage.CacheStore.
//
// The cache is an optimization, never a source of truth: load failures and corrupt
// records read as absent, store failures are logged and swallowed.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wallet-sync/internal/observability"
	"wallet-sync/internal/storage"
)

// DefaultTimeout bounds a single cache read or write.
const DefaultTimeout = 2 * time.Second

// Cache wraps a storage.CacheStore.
type Cache struct {
	store   storage.CacheStore
	logger  *zap.Logger
	clock   clockwork.Clock
	timeout time.Duration
}

// Options contains configuration for creating a Cache.
type Options struct {
	Store   storage.CacheStore
	Logger  *zap.Logger
	Clock   clockwork.Clock
	Timeout time.Duration
}

// New creates a Cache over opts.Store.
func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cache{
		store:   opts.Store,
		logger:  logger.Named("cache"),
		clock:   clock,
		timeout: timeout,
	}
}

// Load returns the payload stored for (productKey, address). The second result is false
// when nothing usable is stored.
func (c *Cache) Load(productKey, address string) ([]byte, bool) {
	r, ok := c.LoadRecord(productKey, address)
	if !ok {
		return nil, false
	}
	return r.Payload, true
}

// LoadRecord is Load returning the full record, including when it was written.
func (c *Cache) LoadRecord(productKey, address string) (*storage.CacheRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	r, err := c.store.Get(ctx, productKey, address)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		observability.RecordCacheOp("load", "miss", nil)
		return nil, false
	case err != nil:
		observability.RecordCacheOp("load", "error", err)
		c.logger.Warn("cache load failed, treating as absent",
			zap.String("product", productKey),
			zap.String("address", address),
			zap.Error(err),
		)
		return nil, false
	}

	observability.RecordCacheOp("load", "hit", nil)
	return r, true
}

// Store writes payload for (productKey, address). Failures are logged and swallowed.
func (c *Cache) Store(productKey, address string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := c.store.Put(ctx, &storage.CacheRecord{
		ProductKey: productKey,
		Address:    address,
		Payload:    payload,
		WrittenAt:  c.clock.Now().UTC(),
	})
	if err != nil {
		observability.RecordCacheOp("store", "error", err)
		c.logger.Warn("cache store failed",
			zap.String("product", productKey),
			zap.String("address", address),
			zap.Error(err),
		)
		return
	}
	observability.RecordCacheOp("store", "ok", nil)
}
