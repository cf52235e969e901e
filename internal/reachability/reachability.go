// Package reachability reports whether the network is usable.
package reachability

import (
	"sync"

	"github.com/google/uuid"
)

// Monitor publishes network availability transitions.
type Monitor interface {
	Available() bool
	// Subscribe calls fn on every transition. fn runs on the monitor's
	// goroutine and must not block.
	Subscribe(fn func(available bool)) (cancel func())
}

// notifier tracks the current value and its subscribers.
type notifier struct {
	mu        sync.Mutex
	available bool
	subs      map[uuid.UUID]func(bool)
	order     []uuid.UUID
}

func (n *notifier) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.available
}

func (n *notifier) Subscribe(fn func(bool)) func() {
	id := uuid.New()
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[uuid.UUID]func(bool))
	}
	n.subs[id] = fn
	n.order = append(n.order, id)
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
		for i, o := range n.order {
			if o == id {
				n.order = append(n.order[:i], n.order[i+1:]...)
				break
			}
		}
	}
}

// set stores v and notifies subscribers if it changed.
func (n *notifier) set(v bool) bool {
	n.mu.Lock()
	if n.available == v {
		n.mu.Unlock()
		return false
	}
	n.available = v
	fns := make([]func(bool), 0, len(n.order))
	for _, id := range n.order {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return true
}

// Static is a Monitor whose value is set by hand.
type Static struct {
	notifier
}

// NewStatic returns a Static monitor with the given initial value.
func NewStatic(available bool) *Static {
	s := &Static{}
	s.available = available
	return s
}

// Set changes availability, notifying subscribers on a transition.
func (s *Static) Set(available bool) {
	s.set(available)
}
