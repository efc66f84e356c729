// Package taskqueue runs submitted tasks one at a time, in submission order,
// on a single background goroutine.
//
// A Queue is the execution context that owns a non-thread-safe native
// resource: every task that touches the resource is submitted to the same
// Queue, so only the worker goroutine ever calls into it. Callers never block
// on submission.
//
// A Queue is shut down in one of two ways:
//
//   - [Queue.Drain] stops accepting new tasks and lets every queued task run.
//   - [Queue.ForceDrain] stops accepting new tasks, cancels the context of the
//     task currently running and discards the rest. Discarded tasks are still
//     invoked once, with an already-cancelled context, so they can release
//     what they own and settle their futures. A task must therefore check
//     ctx.Err() before doing any work.
//
// Both return a channel that is closed when the worker goroutine has exited.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed is returned by [Queue.Submit] once the queue has started draining.
var ErrClosed = errors.New("taskqueue: queue is not accepting tasks")

// ErrPanic wraps the value recovered from a panicking task.
var ErrPanic = errors.New("taskqueue: task panicked")

// Task is a unit of work executed on the worker goroutine.
type Task func(ctx context.Context) error

// Report describes one finished task. It is passed to the [Observer].
type Report struct {
	// Queue is the name of the queue that ran the task.
	Queue string
	// Op is the operation name given to [Queue.Submit].
	Op string
	// Duration is the wall time spent inside the task function.
	Duration time.Duration
	// Err is the task's result, including recovered panics.
	Err error
	// Discarded is true when the task was dequeued after a forced drain and
	// ran only for cleanup.
	Discarded bool
}

// Observer receives a [Report] after every task. It is called on the worker
// goroutine and must not block.
type Observer func(Report)

// Option configures a [Queue].
type Option func(*Queue)

// WithObserver installs an [Observer].
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithLogger sets the logger used for panics. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

type entry struct {
	op string
	fn Task
}

// Queue is a single-worker FIFO executor. All methods are safe for concurrent
// use.
type Queue struct {
	name     string
	log      *slog.Logger
	observer Observer

	ctx    context.Context // handed to tasks; cancelled by ForceDrain
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []entry
	accepting bool
	forced    bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a Queue and starts its worker goroutine.
func New(name string, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:      name,
		log:       slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		accepting: true,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With("queue", name)
	go q.run()
	return q
}

// Name returns the name given to [New].
func (q *Queue) Name() string { return q.name }

// Submit appends fn to the queue under the operation name op and returns
// immediately. It returns [ErrClosed] after [Queue.Drain] or
// [Queue.ForceDrain] has been called; fn is then never invoked.
func (q *Queue) Submit(op string, fn Task) error {
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, q.name)
	}
	q.pending = append(q.pending, entry{op: op, fn: fn})
	q.mu.Unlock()
	q.wake()
	return nil
}

// Accepting reports whether [Queue.Submit] would accept a task.
func (q *Queue) Accepting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.accepting
}

// Pending returns the number of queued tasks that have not started yet.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain stops accepting tasks and lets every queued task finish. The returned
// channel is closed once the worker has exited. Calling Drain after
// ForceDrain does not undo the cancellation.
func (q *Queue) Drain() <-chan struct{} {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()
	q.wake()
	return q.done
}

// ForceDrain stops accepting tasks, cancels the running task's context and
// discards queued tasks. The returned channel is closed once the worker has
// exited.
func (q *Queue) ForceDrain() <-chan struct{} {
	q.mu.Lock()
	q.accepting = false
	q.forced = true
	q.mu.Unlock()
	q.cancel()
	q.wake()
	return q.done
}

// Done returns a channel closed when the worker goroutine exits.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// run is the worker loop.
func (q *Queue) run() {
	defer close(q.done)
	defer q.cancel()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			if !q.accepting {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.notify
			continue
		}
		e := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		discarded := q.forced
		q.mu.Unlock()

		q.exec(e, discarded)
	}
}

// exec runs one task, converting a panic into an error so the worker survives.
func (q *Queue) exec(e entry, discarded bool) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %s: %v", ErrPanic, e.op, r)
				q.log.Error("task panicked", "op", e.op, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		err = e.fn(q.ctx)
	}()
	if q.observer != nil {
		q.observer(Report{
			Queue:     q.name,
			Op:        e.op,
			Duration:  time.Since(start),
			Err:       err,
			Discarded: discarded,
		})
	}
}

// Barrier returns a task that blocks until done is closed. Submitted first on
// a new queue, it orders that queue after a previous one whose Done channel
// is passed in.
//
// The barrier ignores cancellation: a queue that is force-drained while
// waiting still does not run its discarded cleanup tasks before the previous
// queue has exited, so two generations never touch the same resource at
// once. It returns the context error, if any, once done is closed.
func Barrier(done <-chan struct{}) Task {
	return func(ctx context.Context) error {
		<-done
		return ctx.Err()
	}
}
