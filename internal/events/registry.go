package events

import (
	"sort"
	"sync"
)

// Handler receives published values of type T
type Handler[T any] func(T)

// Registry is a typed callback registry. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Registry[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]Handler[T]
}

// NewRegistry creates an empty registry
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{handlers: make(map[uint64]Handler[T])}
}

// Subscribe adds h and returns a func that removes it. The returned func is
// safe to call more than once.
func (r *Registry[T]) Subscribe(h Handler[T]) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.handlers, id)
		})
	}
}

// Publish delivers v to every current subscriber. Handlers may subscribe or
// unsubscribe while being called.
func (r *Registry[T]) Publish(v T) {
	if r == nil {
		return
	}
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		hs = append(hs, r.handlers[id])
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(v)
	}
}

// Len returns the number of subscribers
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
