// Package dispatch provides the serial dispatcher used to guard shared
// session and cache state.
//
// A Queue owns one goroutine. Every submitted job runs on that goroutine
// in submission order, so state touched only from jobs needs no further
// locking. Jobs must stay short and must never block on network I/O.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	arcerrors "github.com/gezibash/arc-session/pkg/errors"
)

// ErrClosed is returned when submitting to a queue that has been closed.
var ErrClosed = fmt.Errorf("dispatch queue %w", arcerrors.ErrClosed)

// Queue is a single-goroutine serial executor.
type Queue struct {
	name string

	mu     sync.Mutex
	jobs   []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a queue. The name only shows up in logs.
func New(name string) *Queue {
	q := &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Async enqueues fn and returns immediately. fn runs after every job
// submitted before it.
func (q *Queue) Async(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.jobs = append(q.jobs, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sync enqueues fn and blocks until it has run.
//
// Sync must not be called from a job running on the same queue: the
// caller would wait on itself.
func (q *Queue) Sync(fn func()) error {
	finished := make(chan struct{})
	if err := q.Async(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// SyncValue runs fn on q and returns its result.
func SyncValue[T any](q *Queue, fn func() T) (T, error) {
	var out T
	err := q.Sync(func() { out = fn() })
	return out, err
}

// Close stops accepting jobs, runs everything already queued and waits
// for the worker to exit. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.jobs) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			batch := q.jobs
			q.jobs = nil
			q.mu.Unlock()

			for _, job := range batch {
				q.run(job)
			}
		}
	}
}

func (q *Queue) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch job panicked",
				"component", "dispatch",
				"queue", q.name,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	job()
}
