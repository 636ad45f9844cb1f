package engine

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wallet-sync/internal/connector"
	"wallet-sync/internal/flight"
	"wallet-sync/internal/observability"
	"wallet-sync/internal/observer"
	"wallet-sync/internal/retry"
)

// FeeEstimate is a fee computed for a specific draft.
type FeeEstimate struct {
	Draft *connector.MessageDraft
	Fee   *uint256.Int
}

// FeeEstimator keeps the fee of the draft a user is editing. Every Update supersedes the
// previous one: estimations run one at a time and only the latest result is applied.
type FeeEstimator struct {
	conn   connector.Connector
	policy retry.Policy
	logger *zap.Logger
	clock  clockwork.Clock
	ctx    context.Context

	lock   *flight.Lock
	latest flight.Latest

	mu      sync.RWMutex
	current *FeeEstimate

	listeners observer.Registry[FeeEstimate]
	wg        sync.WaitGroup
}

// NewFeeEstimator creates an estimator bound to the engine's lifetime.
func (e *Engine) NewFeeEstimator() *FeeEstimator {
	return &FeeEstimator{
		conn:   e.conn,
		policy: e.interactive,
		logger: e.logger.Named("fees"),
		clock:  e.clock,
		ctx:    e.ctx,
		lock:   flight.NewLock(),
	}
}

// Update schedules estimation of draft and returns immediately. Any estimation still
// queued or running for an earlier draft is abandoned.
func (f *FeeEstimator) Update(draft *connector.MessageDraft) {
	token := f.latest.Next(f.ctx)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		err := f.lock.InLock(token.Context(), func(ctx context.Context) error {
			if token.Ended() {
				return nil
			}
			fee, err := retry.Value(ctx, f.policy, func(ctx context.Context) (*uint256.Int, error) {
				return f.conn.EstimateFee(ctx, draft)
			}, retry.WithName("estimate_fee"), retry.WithLogger(f.logger), retry.WithClock(f.clock))

			// inputs changed while estimating
			if token.Ended() {
				observability.RecordEstimateDiscarded()
				return nil
			}
			if err != nil {
				return err
			}

			est := FeeEstimate{Draft: draft, Fee: fee}
			f.mu.Lock()
			f.current = &est
			f.mu.Unlock()
			f.listeners.Notify(est)
			return nil
		})
		if err != nil && !token.Ended() {
			f.logger.Warn("fee estimation failed", zap.Error(err))
		}
		if token.Ended() && err != nil {
			observability.RecordEstimateDiscarded()
		}
	}()
}

// Value returns the latest applied estimate.
func (f *FeeEstimator) Value() (FeeEstimate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.current == nil {
		return FeeEstimate{}, false
	}
	return *f.current, true
}

// Subscribe registers fn for every applied estimate.
func (f *FeeEstimator) Subscribe(fn func(FeeEstimate)) (unsubscribe func()) {
	return f.listeners.Subscribe(fn)
}

// Close abandons any pending estimation and waits for it to stop.
func (f *FeeEstimator) Close() {
	f.latest.End()
	f.wg.Wait()
	f.listeners.Clear()
}
