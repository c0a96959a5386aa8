// Package observer provides a small typed observer registry with explicit
// subscribe/unsubscribe and deterministic invocation order.
package observer

import (
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Registry holds listeners for a single event type T. Listeners are invoked
// in registration order. A panicking listener is recovered and logged so the
// remaining listeners still run. Registry is safe for concurrent use.
type Registry[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []entry[T]
	log       *slog.Logger
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// New creates a registry. A nil logger discards panic reports.
func New[T any](log *slog.Logger) *Registry[T] {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry[T]{log: log}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener with v. Listeners registered or removed while
// Emit runs take effect on the next Emit.
func (r *Registry[T]) Emit(v T) {
	r.mu.RLock()
	snapshot := make([]entry[T], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, e := range snapshot {
		r.safeCall(e.fn, v)
	}
}

func (r *Registry[T]) safeCall(fn func(T), v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("observer panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(v)
}

// Len reports the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Clear removes all listeners.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.listeners = nil
	r.mu.Unlock()
}
