// Package future provides a single-assignment result cell shared between the
// goroutine that produces a value and the goroutines that wait for it.
//
// A Future is settled exactly once, either resolved with a value or rejected
// with an error. Later settlement attempts are ignored. A rejected Future is
// "poisoned": every waiter observes the same error, so work that depends on a
// failed resource fails fast instead of touching it.
package future

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is a write-once value of type T. The zero value is not usable; create
// one with [New]. All methods are safe for concurrent use.
type Future[T any] struct {
	done    chan struct{}
	settled atomic.Bool
	mu      sync.Mutex

	val T
	err error
}

// New returns an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Resolve settles f with v. It reports whether this call settled the Future;
// false means it had already been settled and v was discarded.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject poisons f with err. A nil err is replaced by [context.Canceled] so
// that a rejected Future never looks successful.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = context.Canceled
	}
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled.Load() {
		return false
	}
	f.val, f.err = v, err
	f.settled.Store(true)
	close(f.done)
	return true
}

// Await blocks until f is settled or ctx is done. It returns ctx.Err() in the
// latter case without affecting f.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed once f is settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Ready reports whether f has been settled.
func (f *Future[T]) Ready() bool { return f.settled.Load() }

// Err returns the rejection error of a settled Future. It returns nil while
// f is unsettled or when it was resolved.
func (f *Future[T]) Err() error {
	if !f.settled.Load() {
		return nil
	}
	return f.err
}
