package product

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wallet-sync/internal/cache"
	"wallet-sync/internal/retry"
	"wallet-sync/internal/storage/memory"
)

var fastRetry = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}

type permanent struct{ error }

func (permanent) Temporary() bool { return false }

// recorder collects events delivered to a subscriber.
type recorder[T any] struct {
	mu     sync.Mutex
	events []Event[T]
	ch     chan Event[T]
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{ch: make(chan Event[T], 64)}
}

func (r *recorder[T]) listen(ev Event[T]) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder[T]) next(t *testing.T) Event[T] {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event[T]{}
	}
}

func (r *recorder[T]) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func (r *recorder[T]) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// feed is a Watch driven by the test through a channel.
func feed[T any](ch <-chan T) func(ctx context.Context, emit func(T)) error {
	return func(ctx context.Context, emit func(T)) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v := <-ch:
				emit(v)
			}
		}
	}
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	store, err := memory.NewCacheStore(16)
	require.NoError(t, err)
	return cache.New(cache.Options{Store: store, Logger: zaptest.NewLogger(t)})
}

func TestProduct_ColdStartFetchesUntilReady(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	watch := make(chan int)
	gate := make(chan struct{})

	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) {
			<-gate
			if calls.Add(1) < 3 {
				return 0, errors.New("connection reset")
			}
			return 7, nil
		},
		WatchFunc: feed(watch),
	}

	p := New(context.Background(), Options[int]{
		Key: "counter", Address: "A", Source: src, Cache: c, Retry: fastRetry, Logger: zaptest.NewLogger(t),
	})
	defer p.Close()

	rec := newRecorder[int]()
	p.Subscribe(rec.listen)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.AwaitReady(ctx))

	v, ok := p.Value()
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(3), calls.Load())

	ev := rec.next(t)
	assert.Equal(t, EventReady, ev.Kind)
	assert.Equal(t, 7, ev.Value)

	payload, ok := c.Load("counter", "A")
	require.True(t, ok)
	assert.Equal(t, "7", string(payload))

	// later observations are updates, never a second ready
	watch <- 8
	ev = rec.next(t)
	assert.Equal(t, EventUpdated, ev.Kind)
	assert.Equal(t, 1, rec.count(EventReady))

	// awaiting again resolves immediately
	require.NoError(t, p.AwaitReady(ctx))
}

func TestProduct_AwaitReadyBeforeValueBlocks(t *testing.T) {
	release := make(chan struct{})
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) {
			select {
			case <-release:
				return 1, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
		WatchFunc: feed(make(chan int)),
	}

	p := New(context.Background(), Options[int]{Key: "slow", Source: src, Retry: fastRetry})
	defer p.Close()

	assert.False(t, p.IsReady())
	assert.Equal(t, PhaseAwaitingFetch, p.Phase())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.AwaitReady(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.AwaitReady(context.Background()))
	assert.True(t, p.IsReady())
}

func TestProduct_DecodeErrorsAreRetriedInBackground(t *testing.T) {
	var calls atomic.Int32
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) {
			if calls.Add(1) == 1 {
				return 0, permanent{errors.New("malformed response")}
			}
			return 3, nil
		},
		WatchFunc: feed(make(chan int)),
	}

	p := New(context.Background(), Options[int]{Key: "decode", Source: src, Retry: fastRetry})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.AwaitReady(ctx))
	assert.Equal(t, int32(2), calls.Load())
}

type price struct {
	USD string `json:"usd"`
}

func TestProduct_StaleCachedValue(t *testing.T) {
	c := newCache(t)
	c.Store("price", "", []byte(`{"usd":"1.00"}`))

	clock := clockwork.NewFakeClock()
	gate := make(chan struct{})
	src := Polling(clock, time.Minute, func(ctx context.Context) (price, error) {
		<-gate
		return price{USD: "2.00"}, nil
	})

	p := New(context.Background(), Options[price]{Key: "price", Source: src, Cache: c, Clock: clock, Retry: fastRetry})
	defer p.Close()

	rec := newRecorder[price]()
	// ready synchronously with the stale value
	v, ok := p.Value()
	require.True(t, ok)
	assert.Equal(t, "1.00", v.USD)
	p.Subscribe(rec.listen)
	close(gate)

	ev := rec.next(t)
	assert.Equal(t, EventUpdated, ev.Kind)
	assert.Equal(t, "2.00", ev.Value.USD)

	// no further events until the poll interval elapses
	rec.none(t, 50*time.Millisecond)
	assert.Equal(t, 0, rec.count(EventReady))
	assert.Equal(t, 1, rec.count(EventUpdated))

	payload, ok := c.Load("price", "")
	require.True(t, ok)
	assert.JSONEq(t, `{"usd":"2.00"}`, string(payload))
}

func TestProduct_CorruptCacheFetchesFresh(t *testing.T) {
	c := newCache(t)
	c.Store("price", "", []byte(`{not json`))

	src := Funcs[price]{
		FetchFunc: func(ctx context.Context) (price, error) { return price{USD: "3.00"}, nil },
		WatchFunc: feed(make(chan price)),
	}
	p := New(context.Background(), Options[price]{Key: "price", Source: src, Cache: c, Retry: fastRetry})
	defer p.Close()

	require.NoError(t, p.AwaitReady(context.Background()))
	v, _ := p.Value()
	assert.Equal(t, "3.00", v.USD)
}

func TestProduct_NullCacheRecordIsAbsent(t *testing.T) {
	c := newCache(t)
	c.Store("account", "A", []byte(`null`))

	src := Funcs[*price]{
		FetchFunc: func(ctx context.Context) (*price, error) { return &price{USD: "1"}, nil },
		WatchFunc: feed(make(chan *price)),
	}
	p := New(context.Background(), Options[*price]{Key: "account", Address: "A", Source: src, Cache: c, Retry: fastRetry})
	defer p.Close()

	require.NoError(t, p.AwaitReady(context.Background()))
	v, _ := p.Value()
	require.NotNil(t, v)
}

func TestProduct_WatchReplacesValueWholesale(t *testing.T) {
	watch := make(chan price)
	src := Funcs[price]{
		FetchFunc: func(ctx context.Context) (price, error) { return price{USD: "1"}, nil },
		WatchFunc: feed(watch),
	}
	p := New(context.Background(), Options[price]{Key: "price", Source: src, Retry: fastRetry})
	defer p.Close()
	require.NoError(t, p.AwaitReady(context.Background()))

	rec := newRecorder[price]()
	p.Subscribe(rec.listen)

	for _, usd := range []string{"2", "3", "4"} {
		watch <- price{USD: usd}
		ev := rec.next(t)
		assert.Equal(t, usd, ev.Value.USD)
		v, _ := p.Value()
		assert.Equal(t, ev.Value, v)
	}
	assert.Equal(t, PhaseSyncing, p.Phase())
}

func TestProduct_CloneIsolatesCallers(t *testing.T) {
	watch := make(chan *price)
	src := Funcs[*price]{
		FetchFunc: func(ctx context.Context) (*price, error) { return &price{USD: "1"}, nil },
		WatchFunc: feed(watch),
	}
	p := New(context.Background(), Options[*price]{
		Key:    "price",
		Source: src,
		Clone: func(v *price) *price {
			if v == nil {
				return nil
			}
			c := *v
			return &c
		},
		Retry: fastRetry,
	})
	defer p.Close()
	require.NoError(t, p.AwaitReady(context.Background()))

	v, _ := p.Value()
	v.USD = "mutated"
	st := p.State()
	assert.Equal(t, "1", st.Value.USD)
	st.Value.USD = "mutated"

	rec := newRecorder[*price]()
	p.Subscribe(func(ev Event[*price]) {
		ev.Value.USD = "mutated by listener"
		rec.listen(ev)
	})
	watch <- &price{USD: "2"}
	rec.next(t)

	v, _ = p.Value()
	assert.Equal(t, "2", v.USD)
}

func TestProduct_AcceptFiltersObservations(t *testing.T) {
	watch := make(chan int)
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) { return 4, nil },
		WatchFunc: feed(watch),
	}
	p := New(context.Background(), Options[int]{
		Key:    "seqno",
		Source: src,
		Retry:  fastRetry,
		Accept: func(current, next int) bool { return next >= current },
	})
	defer p.Close()
	require.NoError(t, p.AwaitReady(context.Background()))

	rec := newRecorder[int]()
	p.Subscribe(rec.listen)

	watch <- 5
	watch <- 3
	watch <- 6

	assert.Equal(t, 5, rec.next(t).Value)
	assert.Equal(t, 6, rec.next(t).Value)
	v, _ := p.Value()
	assert.Equal(t, 6, v)
}

func TestProduct_WatchRestartsAfterFailure(t *testing.T) {
	var watches atomic.Int32
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) { return 1, nil },
		WatchFunc: func(ctx context.Context, emit func(int)) error {
			if watches.Add(1) == 1 {
				return errors.New("stream reset")
			}
			emit(2)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	p := New(context.Background(), Options[int]{Key: "restart", Source: src, Retry: fastRetry})
	defer p.Close()

	require.Eventually(t, func() bool {
		v, _ := p.Value()
		return v == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, watches.Load(), int32(2))
}

func TestProduct_CloseStopsEverything(t *testing.T) {
	c := newCache(t)
	watch := make(chan int)
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) { return 1, nil },
		WatchFunc: feed(watch),
	}
	p := New(context.Background(), Options[int]{Key: "closing", Source: src, Cache: c, Retry: fastRetry})
	require.NoError(t, p.AwaitReady(context.Background()))

	rec := newRecorder[int]()
	p.Subscribe(rec.listen)

	p.Close()
	p.Close()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("product goroutine did not exit")
	}
	assert.Equal(t, PhaseDestroyed, p.Phase())

	// a late observation is dropped without touching cache or listeners
	p.observe(99)
	rec.none(t, 20*time.Millisecond)
	payload, _ := c.Load("closing", "")
	assert.Equal(t, "1", string(payload))
	v, _ := p.Value()
	assert.Equal(t, 1, v)
}

func TestProduct_CloseBeforeReady(t *testing.T) {
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) { return 0, errors.New("down") },
		WatchFunc: feed(make(chan int)),
	}
	p := New(context.Background(), Options[int]{Key: "never", Source: src, Retry: fastRetry})

	errCh := make(chan error, 1)
	go func() { errCh <- p.AwaitReady(context.Background()) }()

	p.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitReady did not return after Close")
	}
	<-p.Done()
}

func TestProduct_CloseFromListener(t *testing.T) {
	watch := make(chan int)
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) { return 1, nil },
		WatchFunc: feed(watch),
	}
	p := New(context.Background(), Options[int]{Key: "self", Source: src, Retry: fastRetry})
	require.NoError(t, p.AwaitReady(context.Background()))

	p.Subscribe(func(Event[int]) { p.Close() })
	watch <- 2

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close from listener deadlocked")
	}
}

func TestProduct_UnsubscribeStopsDelivery(t *testing.T) {
	watch := make(chan int)
	src := Funcs[int]{
		FetchFunc: func(ctx context.Context) (int, error) { return 1, nil },
		WatchFunc: feed(watch),
	}
	p := New(context.Background(), Options[int]{Key: "unsub", Source: src, Retry: fastRetry})
	defer p.Close()
	require.NoError(t, p.AwaitReady(context.Background()))

	first := newRecorder[int]()
	second := newRecorder[int]()
	unsubscribe := p.Subscribe(first.listen)
	p.Subscribe(second.listen)

	watch <- 2
	first.next(t)
	second.next(t)

	unsubscribe()
	unsubscribe()
	watch <- 3
	assert.Equal(t, 3, second.next(t).Value)
	first.none(t, 20*time.Millisecond)
}

func TestPoll_FetchesEveryInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var n atomic.Int32
	watch := Poll(clock, time.Minute, func(ctx context.Context) (int32, error) {
		return n.Add(1), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan int32, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- watch(ctx, func(v int32) { got <- v }) }()

	assert.Equal(t, int32(1), <-got)
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	assert.Equal(t, int32(2), <-got)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestPoll_FetchErrorEndsWatch(t *testing.T) {
	boom := errors.New("boom")
	watch := Poll(clockwork.NewFakeClock(), time.Minute, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, watch(context.Background(), func(int) {}), boom)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "awaiting_fetch", PhaseAwaitingFetch.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
