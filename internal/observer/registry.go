// Package observer implements a synchronous listener registry with unsubscribe handles.
package observer

import "sync"

type entry[E any] struct {
	fn     func(E)
	active bool
}

// Registry delivers events to listeners synchronously, in subscription order.
// A listener may unsubscribe itself (or others) while being notified: the delivery in
// progress uses the listener set captured when Notify started, and listeners removed
// before their turn are skipped.
type Registry[E any] struct {
	mu        sync.Mutex
	listeners []*entry[E]
}

// Subscribe adds fn and returns a function that removes it. Calling the returned
// function more than once is a no-op.
func (r *Registry[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	e := &entry[E]{fn: fn, active: true}

	r.mu.Lock()
	r.listeners = append(r.listeners, e)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.active = false
			for i, l := range r.listeners {
				if l == e {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Notify calls every listener with ev.
func (r *Registry[E]) Notify(ev E) {
	r.mu.Lock()
	snapshot := make([]*entry[E], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, e := range snapshot {
		r.mu.Lock()
		active := e.active
		r.mu.Unlock()
		if active {
			e.fn(ev)
		}
	}
}

// Len returns the number of subscribed listeners.
func (r *Registry[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Clear removes all listeners.
func (r *Registry[E]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.listeners {
		e.active = false
	}
	r.listeners = nil
}
