// Package retry runs operations with capped exponential backoff.
//
// Background sync loops retry forever until their context is cancelled; interactive calls
// (fee estimation, submission) cap the number of attempts and surface ExhaustedError.
// Errors that report Temporary() == false are returned immediately without retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wallet-sync/internal/observability"
)

// Default configuration values.
const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultMultiplier      = 2.0
	DefaultJitter          = 0.2
)

// Policy holds backoff parameters shared by all retried calls of one kind.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // randomization factor in [0, 1)
	MaxAttempts     int     // 0 means retry until cancelled
}

// DefaultPolicy returns the background policy: no attempt cap.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
		Jitter:          DefaultJitter,
	}
}

// Interactive returns p capped at attempts tries.
func (p Policy) Interactive(attempts int) Policy {
	p.MaxAttempts = attempts
	return p
}

// ExhaustedError is returned when an interactive call used all attempts.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err should be retried. context.Canceled and errors that
// implement Temporary() bool returning false are terminal; everything else is treated as
// a transient failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Option configures a single Do call.
type Option func(*runner)

// WithLogger logs every failed attempt at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(r *runner) {
		r.logger = logger
	}
}

// WithClock sets the clock used for backoff delays.
func WithClock(clock clockwork.Clock) Option {
	return func(r *runner) {
		r.clock = clock
	}
}

// WithName names the operation in logs, metrics and ExhaustedError.
func WithName(name string) Option {
	return func(r *runner) {
		r.name = name
	}
}

type runner struct {
	name   string
	logger *zap.Logger
	clock  clockwork.Clock
}

// Do calls op until it succeeds, returns a non-retryable error, ctx is done, or the policy's
// attempt cap is reached.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) error {
	r := runner{name: "operation", logger: zap.NewNop(), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&r)
	}

	var b backoff.BackOff = newExponential(p, r.clock)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	var lastErr error
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		observability.RecordRetry(r.name)
		r.logger.Debug("attempt failed, backing off",
			zap.String("op", r.name),
			zap.Int("attempt", attempts),
			zap.Duration("next", next),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{clock: r.clock})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts && Retryable(lastErr) {
		return &ExhaustedError{Op: r.name, Attempts: attempts, Err: lastErr}
	}
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

func newExponential(p Policy, clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(p.InitialInterval, DefaultInitialInterval)
	b.MaxInterval = orDefault(p.MaxInterval, DefaultMaxInterval)
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()
	return b
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// clockTimer adapts a clockwork clock to backoff.Timer.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
