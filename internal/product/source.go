package product

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// Source is how a product talks to the outside world.
type Source[T any] interface {
	// Fetch reads the current value once.
	Fetch(ctx context.Context) (T, error)

	// Watch observes the value until ctx is done or the stream breaks, calling emit for
	// every observation. emit must be called from the goroutine running Watch.
	// A nil return means the stream ended and will be restarted.
	Watch(ctx context.Context, emit func(T)) error
}

// Funcs adapts a pair of functions to Source.
type Funcs[T any] struct {
	FetchFunc func(ctx context.Context) (T, error)
	WatchFunc func(ctx context.Context, emit func(T)) error
}

// Fetch calls FetchFunc.
func (f Funcs[T]) Fetch(ctx context.Context) (T, error) {
	return f.FetchFunc(ctx)
}

// Watch calls WatchFunc.
func (f Funcs[T]) Watch(ctx context.Context, emit func(T)) error {
	return f.WatchFunc(ctx, emit)
}

// Poll builds a Watch that calls fetch immediately and then every interval. A fetch error
// ends the watch so the caller's backoff applies.
func Poll[T any](clock clockwork.Clock, interval time.Duration, fetch func(ctx context.Context) (T, error)) func(ctx context.Context, emit func(T)) error {
	return func(ctx context.Context, emit func(T)) error {
		for {
			v, err := fetch(ctx)
			if err != nil {
				return err
			}
			emit(v)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(interval):
			}
		}
	}
}

// Polling is a Source that fetches with fetch and watches by polling it.
func Polling[T any](clock clockwork.Clock, interval time.Duration, fetch func(ctx context.Context) (T, error)) Source[T] {
	return Funcs[T]{
		FetchFunc: fetch,
		WatchFunc: Poll(clock, interval, fetch),
	}
}

// Codec serializes product values for the cache.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

// Encode marshals v.
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals data into a new T. A JSON null is rejected.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if string(bytes.TrimSpace(data)) == "null" {
		return v, errNullRecord
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

var errNullRecord = errors.New("null record")
