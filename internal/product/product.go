// Package product implements the shared lifecycle of a synchronized remote value:
// load from cache, fetch until ready, watch for changes, notify subscribers, dispose.
package product

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wallet-sync/internal/cache"
	"wallet-sync/internal/observability"
	"wallet-sync/internal/observer"
	"wallet-sync/internal/retry"
)

// ErrClosed is returned by AwaitReady when the product is closed before it became ready.
var ErrClosed = errors.New("product closed")

// errWatchEnded restarts a watch whose stream ended without error.
var errWatchEnded = errors.New("watch ended")

// Phase is the lifecycle phase of a product.
type Phase int

const (
	PhaseUnloaded Phase = iota
	PhaseLoading
	PhaseReady
	PhaseAwaitingFetch
	PhaseSyncing
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnloaded:
		return "unloaded"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseAwaitingFetch:
		return "awaiting_fetch"
	case PhaseSyncing:
		return "syncing"
	case PhaseDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// EventKind distinguishes the first value from later replacements.
type EventKind string

const (
	EventReady   EventKind = "ready"
	EventUpdated EventKind = "updated"
)

// Event is delivered to subscribers on every value change.
type Event[T any] struct {
	Kind  EventKind
	Value T
}

// State is a snapshot of a product.
type State[T any] struct {
	Value T
	Ready bool
}

// Options contains configuration for creating a Product.
type Options[T any] struct {
	// Key names the product in the cache, logs and metrics.
	Key string
	// Address partitions the cache record; empty for global products.
	Address string
	Source  Source[T]
	// Cache is optional; without it every start is a cold start.
	Cache *cache.Cache
	// Codec defaults to JSONCodec.
	Codec Codec[T]
	// Accept, if set, filters watch observations: returning false drops next.
	Accept func(current, next T) bool
	// Clone, if set, copies the value handed to Value, State and listeners. Without it
	// they share the product's value and must treat it as read-only.
	Clone func(T) T
	// Retry is the background retry policy. MaxAttempts is ignored.
	Retry  retry.Policy
	Logger *zap.Logger
	Clock  clockwork.Clock
}

// Product is a reactive, cached mirror of one remote value.
// Listeners run on the product's goroutine in observation order.
type Product[T any] struct {
	key     string
	address string
	source  Source[T]
	cache   *cache.Cache
	codec   Codec[T]
	accept  func(current, next T) bool
	clone   func(T) T
	policy  retry.Policy
	logger  *zap.Logger
	clock   clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	value T
	ready bool
	phase Phase

	// writeMu orders value writes and cache writes against Close.
	writeMu   sync.Mutex
	destroyed bool

	readyCh   chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	listeners observer.Registry[Event[T]]
}

// New creates a product and starts its lifecycle. The cache is read synchronously, so a
// product with a cached value is ready when New returns.
func New[T any](ctx context.Context, opts Options[T]) *Product[T] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	policy := opts.Retry
	policy.MaxAttempts = 0

	p := &Product[T]{
		key:     opts.Key,
		address: opts.Address,
		source:  opts.Source,
		cache:   opts.Cache,
		codec:   codec,
		accept:  opts.Accept,
		clone:   opts.Clone,
		policy:  policy,
		logger:  logger.Named("product").With(zap.String("product", opts.Key)),
		clock:   clock,
		phase:   PhaseUnloaded,
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.setPhase(PhaseLoading)
	if v, ok := p.loadCached(); ok {
		p.mu.Lock()
		p.value = v
		p.ready = true
		p.phase = PhaseReady
		p.mu.Unlock()
		p.markReady()
		p.logger.Debug("loaded from cache")
	} else {
		p.setPhase(PhaseAwaitingFetch)
	}

	go p.run()
	return p
}

func (p *Product[T]) loadCached() (T, bool) {
	var zero T
	if p.cache == nil {
		return zero, false
	}
	payload, ok := p.cache.Load(p.key, p.address)
	if !ok {
		return zero, false
	}
	v, err := p.codec.Decode(payload)
	if err != nil {
		observability.RecordCacheOp("decode", "corrupt", err)
		p.logger.Warn("corrupt cache record, fetching fresh", zap.Error(err))
		return zero, false
	}
	return v, true
}

func (p *Product[T]) run() {
	defer close(p.done)

	if !p.IsReady() {
		v, err := retry.Value(p.ctx, p.policy, func(ctx context.Context) (T, error) {
			v, err := p.source.Fetch(ctx)
			if err != nil {
				return v, p.background(ctx, "fetch", err)
			}
			return v, nil
		}, p.retryOptions("fetch")...)
		if err != nil {
			// only cancellation ends a background retry
			return
		}
		p.observe(v)
	}

	if !p.setPhaseUnlessDestroyed(PhaseSyncing) {
		return
	}

	_ = retry.Do(p.ctx, p.policy, func(ctx context.Context) error {
		err := p.source.Watch(ctx, p.observe)
		if err == nil {
			err = errWatchEnded
		}
		return p.background(ctx, "watch", err)
	}, p.retryOptions("watch")...)
}

func (p *Product[T]) retryOptions(stage string) []retry.Option {
	return []retry.Option{
		retry.WithName(p.key + "." + stage),
		retry.WithLogger(p.logger),
		retry.WithClock(p.clock),
	}
}

// background makes every source failure retryable: decode errors trigger a fresh read
// instead of stopping the loop.
func (p *Product[T]) background(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	observability.RecordProductError(p.key, stage)
	p.logger.Debug("source failed", zap.String("stage", stage), zap.Error(err))
	return &transientError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Temporary() bool { return true }

// observe replaces the value, writes it through to the cache and notifies listeners.
func (p *Product[T]) observe(v T) {
	p.writeMu.Lock()
	if p.destroyed {
		p.writeMu.Unlock()
		return
	}

	p.mu.Lock()
	if p.ready && p.accept != nil && !p.accept(p.value, v) {
		p.mu.Unlock()
		p.writeMu.Unlock()
		p.logger.Debug("observation rejected")
		return
	}
	first := !p.ready
	p.value = v
	p.ready = true
	if first {
		p.phase = PhaseReady
	}
	p.mu.Unlock()

	p.store(v)
	p.writeMu.Unlock()

	kind := EventUpdated
	if first {
		kind = EventReady
		p.markReady()
	}
	observability.RecordProductEvent(p.key, string(kind))
	p.listeners.Notify(Event[T]{Kind: kind, Value: p.copyOf(v)})
}

func (p *Product[T]) store(v T) {
	if p.cache == nil {
		return
	}
	payload, err := p.codec.Encode(v)
	if err != nil {
		p.logger.Warn("encode for cache failed", zap.Error(err))
		return
	}
	p.cache.Store(p.key, p.address, payload)
}

func (p *Product[T]) markReady() {
	p.readyOnce.Do(func() {
		close(p.readyCh)
		observability.DefaultMetrics.ProductReady.WithLabelValues(p.key).Set(1)
	})
}

func (p *Product[T]) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

func (p *Product[T]) setPhaseUnlessDestroyed(phase Phase) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseDestroyed {
		return false
	}
	p.phase = phase
	return true
}

// Key returns the product key.
func (p *Product[T]) Key() string {
	return p.key
}

// Value returns the current value. The second result is false until the product is ready.
func (p *Product[T]) Value() (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.copyOf(p.value), p.ready
}

// State returns a snapshot of the product.
func (p *Product[T]) State() State[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return State[T]{Value: p.copyOf(p.value), Ready: p.ready}
}

func (p *Product[T]) copyOf(v T) T {
	if p.clone == nil {
		return v
	}
	return p.clone(v)
}

// IsReady reports whether the product has a value.
func (p *Product[T]) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Phase returns the lifecycle phase.
func (p *Product[T]) Phase() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

// AwaitReady blocks until the product has a value, ctx is done or the product is closed.
func (p *Product[T]) AwaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	default:
	}
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Subscribe registers fn for every value change and returns a function that removes it.
func (p *Product[T]) Subscribe(fn func(Event[T])) (unsubscribe func()) {
	return p.listeners.Subscribe(fn)
}

// Close stops the product. No cache writes or events happen after Close returns.
// Safe to call more than once, including from a listener.
func (p *Product[T]) Close() {
	p.closeOnce.Do(func() {
		p.cancel()

		p.writeMu.Lock()
		p.destroyed = true
		p.writeMu.Unlock()

		p.setPhase(PhaseDestroyed)
		p.listeners.Clear()
		p.logger.Debug("closed")
	})
}

// Done is closed when the product's goroutine has exited after Close.
func (p *Product[T]) Done() <-chan struct{} {
	return p.done
}
