// Package eventbus provides a typed publish/subscribe bus.
//
// Handlers register for specific event kinds and are unregistered on
// teardown. Delivery is synchronous on the publishing goroutine, in
// registration order; handlers that need to do real work hand it off.
package eventbus

import (
	"slices"
	"sync"
)

// Event is anything that can report its kind.
type Event[K comparable] interface {
	Kind() K
}

// Handler receives events. Implementations registered with Register must
// be comparable (pointer receivers); they are matched by identity on
// Unregister.
type Handler[E any] interface {
	HandleEvent(E)
}

// funcHandler is always used by pointer, so each Subscribe gets its own
// identity even for the same fn.
type funcHandler[E any] struct {
	fn func(E)
}

func (f *funcHandler[E]) HandleEvent(e E) { f.fn(e) }

// Bus fans events out to the handlers registered for their kind.
type Bus[K comparable, E Event[K]] struct {
	mu       sync.RWMutex
	handlers map[K][]Handler[E]
}

// New creates an empty bus.
func New[K comparable, E Event[K]]() *Bus[K, E] {
	return &Bus[K, E]{handlers: make(map[K][]Handler[E])}
}

// Register adds h for every listed kind. Registering the same handler
// twice for a kind is a no-op.
func (b *Bus[K, E]) Register(h Handler[E], kinds ...K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		if slices.Contains(b.handlers[k], h) {
			continue
		}
		b.handlers[k] = append(b.handlers[k], h)
	}
}

// Unregister removes h from the listed kinds, or from every kind when
// none are given.
func (b *Bus[K, E]) Unregister(h Handler[E], kinds ...K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(kinds) == 0 {
		for k := range b.handlers {
			kinds = append(kinds, k)
		}
	}
	for _, k := range kinds {
		hs := slices.DeleteFunc(b.handlers[k], func(x Handler[E]) bool { return x == h })
		if len(hs) == 0 {
			delete(b.handlers, k)
			continue
		}
		b.handlers[k] = hs
	}
}

// Subscribe registers fn for the listed kinds and returns a function
// that removes it again.
func (b *Bus[K, E]) Subscribe(fn func(E), kinds ...K) (cancel func()) {
	h := &funcHandler[E]{fn: fn}
	b.Register(h, kinds...)
	return func() { b.Unregister(h) }
}

// Publish delivers e to the handlers registered for e.Kind().
func (b *Bus[K, E]) Publish(e E) {
	b.mu.RLock()
	hs := slices.Clone(b.handlers[e.Kind()])
	b.mu.RUnlock()

	for _, h := range hs {
		h.HandleEvent(e)
	}
}

// Count returns the number of handlers registered for kind.
func (b *Bus[K, E]) Count(kind K) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// Empty reports whether no handler is registered for any kind.
func (b *Bus[K, E]) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers) == 0
}
