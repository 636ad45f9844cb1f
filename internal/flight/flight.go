// Package flight serializes asynchronous work on one logical resource and lets callers
// supersede in-flight work when its inputs change.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Lock runs units of work one at a time, in arrival order.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock creates an unlocked Lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// InLock waits for all earlier units to finish, then runs fn. Returns ctx.Err() if ctx is
// done before the lock is acquired.
func (l *Lock) InLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}

// Token is a cooperative cancellation token. Work checks Ended at each checkpoint and
// discards its result once the token has ended.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken creates a token derived from parent. It ends when End is called or parent is done.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// End marks the token ended. Safe to call more than once.
func (t *Token) End() {
	t.cancel()
}

// Ended reports whether the token has ended.
func (t *Token) Ended() bool {
	return t.ctx.Err() != nil
}

// Context returns a context cancelled when the token ends.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Latest hands out tokens such that only the most recent one is live.
type Latest struct {
	mu      sync.Mutex
	current *Token
}

// Next ends the current token, if any, and returns a new live one.
func (l *Latest) Next(parent context.Context) *Token {
	t := NewToken(parent)

	l.mu.Lock()
	prev := l.current
	l.current = t
	l.mu.Unlock()

	if prev != nil {
		prev.End()
	}
	return t
}

// End ends the current token without issuing a new one.
func (l *Latest) End() {
	l.mu.Lock()
	prev := l.current
	l.current = nil
	l.mu.Unlock()

	if prev != nil {
		prev.End()
	}
}
