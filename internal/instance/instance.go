// Package instance orchestrates one speech-recognition session.
//
// An [Instance] owns a worker queue, futures for its model and recognizer
// handles, an optional transcript sink and an event channel. Every call into
// the engine runs as a task on the worker, in submission order; the calling
// goroutine only records intent and never blocks on the engine.
//
// Workers come in generations. Deallocating or force-draining the worker
// detaches it from the instance; the next operation allocates a new worker
// whose first task is a barrier on the previous one, so all engine access for
// an instance stays totally ordered.
//
// Task failures are not returned to the caller. They are delivered out of
// band through [events.Channel.Fail] and classified by [KindOf]. Operations
// return an error only when they cannot be queued at all.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxscribe/internal/events"
	"github.com/MrWong99/voxscribe/internal/future"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/taskqueue"
	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/recognizer"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// Default file layout for FeedFile: a canonical WAV header followed by raw
// 16-bit PCM read in 200 ms chunks at 16 kHz.
const (
	DefaultHeaderBytes = audio.WAVHeaderSize
	DefaultChunkBytes  = 6400
)

// Option configures an [Instance].
type Option func(*Instance)

// WithLogger sets the base logger. The instance adds its id.
func WithLogger(l *slog.Logger) Option {
	return func(i *Instance) {
		if l != nil {
			i.log = l
		}
	}
}

// WithMetrics records task, event and failure metrics to m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Instance) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithRecorder mirrors every transcript written by this instance to r.
func WithRecorder(r transcript.BlockRecorder) Option {
	return func(i *Instance) { i.recorder = r }
}

// WithFileLayout sets the header size skipped and the chunk size read by
// FeedFile. Non-positive chunk sizes and negative header sizes keep the
// defaults.
func WithFileLayout(headerBytes int64, chunkBytes int) Option {
	return func(i *Instance) {
		if headerBytes >= 0 {
			i.headerBytes = headerBytes
		}
		if chunkBytes > 0 {
			i.chunkBytes = chunkBytes
		}
	}
}

// Instance is a single recognition session. All methods are safe for
// concurrent use.
type Instance struct {
	id          int64
	engine      recognizer.Engine
	log         *slog.Logger
	metrics     *observe.Metrics
	recorder    transcript.BlockRecorder
	headerBytes int64
	chunkBytes  int
	events      *events.Channel

	mu           sync.Mutex
	queue        *taskqueue.Queue
	prevDone     <-chan struct{}
	generation   int
	model        *future.Future[*modelHandle]
	modelPath    string
	rec          *future.Future[*recognizerHandle]
	sink         *transcript.Sink
	state        State
	disconnected bool
}

// New returns an idle instance. No worker is started until the first
// operation.
func New(id int64, engine recognizer.Engine, opts ...Option) *Instance {
	i := &Instance{
		id:          id,
		engine:      engine,
		log:         slog.Default(),
		metrics:     observe.DefaultMetrics(),
		headerBytes: DefaultHeaderBytes,
		chunkBytes:  DefaultChunkBytes,
	}
	for _, o := range opts {
		o(i)
	}
	i.log = i.log.With("instance", id)
	i.events = events.New(id, events.WithObserver(func(kind string, delivered bool) {
		i.metrics.RecordEvent(context.Background(), kind, delivered)
	}))
	return i
}

// ID returns the instance id.
func (i *Instance) ID() int64 { return i.id }

// Events returns the channel that carries this instance's transcript events
// and failures.
func (i *Instance) Events() *events.Channel { return i.events }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Status returns a snapshot of the instance.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := Status{
		ID:         i.id,
		State:      i.state,
		Generation: i.generation,
		Worker:     i.queue != nil,
		Model:      handleState(i.model),
		ModelPath:  i.modelPath,
		Recognizer: handleState(i.rec),
		Listeners:  i.events.Listeners(),
	}
	if i.queue != nil {
		st.Pending = i.queue.Pending()
	}
	if i.sink != nil {
		st.Transcript = i.sink.Path()
	}
	return st
}

// ── Worker management ───────────────────────────────────────────────────────

// Allocate starts a worker generation if none is running. Operations allocate
// one on demand, so calling it is optional.
func (i *Instance) Allocate() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	i.ensureQueueLocked()
	return nil
}

// Deallocate lets the current worker finish its queued tasks and exit. The
// next operation starts a new generation that waits for this one.
func (i *Instance) Deallocate() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	i.retireLocked(false)
	return nil
}

// Terminate force-drains the current worker: the running task is cancelled
// and queued tasks only run their cleanup.
func (i *Instance) Terminate() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if i.retireLocked(true) {
		i.state = StateForceTerminated
	}
	return nil
}

// Sync blocks until every task submitted before it has finished, or ctx is
// done.
func (i *Instance) Sync(ctx context.Context) error {
	i.mu.Lock()
	var wait <-chan struct{}
	if i.queue != nil {
		done := make(chan struct{})
		if err := i.queue.Submit("sync", func(context.Context) error {
			close(done)
			return nil
		}); err != nil {
			i.mu.Unlock()
			return err
		}
		wait = done
	} else {
		wait = i.prevDone
	}
	i.mu.Unlock()

	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureQueueLocked returns the current worker, starting a new generation if
// needed. i.mu must be held.
func (i *Instance) ensureQueueLocked() *taskqueue.Queue {
	if i.queue != nil {
		return i.queue
	}
	i.generation++
	q := taskqueue.New(fmt.Sprintf("instance-%d-gen%d", i.id, i.generation),
		taskqueue.WithLogger(i.log),
		taskqueue.WithObserver(i.observeTask),
	)
	if i.prevDone != nil {
		_ = q.Submit("barrier", taskqueue.Barrier(i.prevDone))
	}
	i.queue = q

	i.metrics.ActiveWorkers.Add(context.Background(), 1)
	go func() {
		<-q.Done()
		i.metrics.ActiveWorkers.Add(context.Background(), -1)
	}()
	i.log.Debug("worker allocated", "generation", i.generation)
	return q
}

// retireLocked drains the current worker and remembers it as the previous
// generation. It reports whether a worker was running. i.mu must be held.
func (i *Instance) retireLocked(force bool) bool {
	q := i.queue
	if q == nil {
		return false
	}
	var done <-chan struct{}
	if force {
		done = q.ForceDrain()
	} else {
		done = q.Drain()
	}
	i.prevDone = joinDone(i.prevDone, done)
	i.queue = nil
	i.log.Debug("worker retired", "generation", i.generation, "force", force)
	return true
}

// joinDone returns a channel closed once both a and b are closed.
func joinDone(a, b <-chan struct{}) <-chan struct{} {
	if a == nil {
		return b
	}
	out := make(chan struct{})
	go func() {
		<-a
		<-b
		close(out)
	}()
	return out
}

// submitLocked queues fn under op on the current generation. i.mu must be
// held.
func (i *Instance) submitLocked(op string, fn func(ctx context.Context, gen int) error) error {
	q := i.ensureQueueLocked()
	gen := i.generation
	return q.Submit(op, i.traced(op, func(ctx context.Context) error {
		return fn(ctx, gen)
	}))
}

// traced wraps a task with a span and failure reporting.
func (i *Instance) traced(op string, fn taskqueue.Task) taskqueue.Task {
	return func(ctx context.Context) error {
		ctx, span := observe.StartSpan(ctx, "instance."+op, trace.WithAttributes(
			attribute.Int64("instance.id", i.id),
		))
		defer span.End()

		err := fn(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			i.fail(ctx, op, err)
		}
		return err
	}
}

// observeTask records queue reports. Panics never reach traced, so they are
// reported here.
func (i *Instance) observeTask(r taskqueue.Report) {
	status := "ok"
	switch {
	case r.Discarded:
		status = "discarded"
	case r.Err != nil && KindOf(r.Err) == types.KindCancelled:
		status = "cancelled"
	case r.Err != nil:
		status = "error"
	}
	i.metrics.RecordTask(context.Background(), r.Op, status, r.Duration)
	if errors.Is(r.Err, taskqueue.ErrPanic) {
		i.fail(context.Background(), r.Op, r.Err)
	}
}

// fail publishes a failure notification and logs it.
func (i *Instance) fail(ctx context.Context, op string, err error) {
	kind := KindOf(err)
	log := observe.With(i.log, ctx)
	if kind == types.KindCancelled {
		log.Debug("task cancelled", "op", op, "err", err)
	} else {
		log.Warn("task failed", "op", op, "kind", kind, "err", err)
	}
	i.metrics.RecordFailure(context.WithoutCancel(ctx), op, kind)
	i.events.Fail(types.Failure{
		InstanceID: i.id,
		Operation:  op,
		Kind:       kind,
		Message:    err.Error(),
	})
}

// advance moves the state machine from a worker task. Transitions from a
// retired generation, after a forced termination or after Disconnect are
// ignored.
func (i *Instance) advance(gen int, s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if gen != i.generation || i.disconnected || i.state == StateForceTerminated {
		return
	}
	i.state = s
}

// setLocked moves the state machine from the control side. i.mu must be held.
func (i *Instance) setLocked(s State) {
	if !i.disconnected {
		i.state = s
	}
}

// ── Model ───────────────────────────────────────────────────────────────────

// OpenModel queues loading the model at path. Load failures poison the model
// future and surface through later operations and a failure event. A model
// that is already open is closed first.
func (i *Instance) OpenModel(path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if i.model != nil {
		if err := i.closeModelLocked(); err != nil {
			return err
		}
	}

	f := future.New[*modelHandle]()
	err := i.submitLocked("open_model", func(ctx context.Context, gen int) error {
		defer f.Reject(fmt.Errorf("%w: open model %q aborted", ErrResource, path))
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("%w: open model %q: %w", ErrCancelled, path, err)
			f.Reject(err)
			return err
		}
		m, err := i.engine.LoadModel(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: open model %q: %w", ErrCancelled, path, err)
			} else {
				err = fmt.Errorf("%w: load model %q: %w", ErrResource, path, err)
			}
			f.Reject(err)
			return err
		}
		f.Resolve(newModelHandle(path, m, i.log))
		i.advance(gen, StateModelReady)
		i.log.Info("model loaded", "path", path, "engine", i.engine.Name())
		return nil
	})
	if err != nil {
		return err
	}
	i.model = f
	i.modelPath = path
	i.setLocked(StateModelPending)
	return nil
}

// CloseModel queues releasing the model. It fails with [ErrResource] when no
// model was opened.
func (i *Instance) CloseModel() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if i.model == nil {
		return fmt.Errorf("%w: no model open", ErrResource)
	}
	return i.closeModelLocked()
}

func (i *Instance) closeModelLocked() error {
	f, path := i.model, i.modelPath
	err := i.submitLocked("close_model", func(ctx context.Context, gen int) error {
		h, err := await(ctx, f)
		if err != nil {
			i.log.Debug("no model to release", "path", path, "err", err)
			return nil
		}
		if err := h.release(); err != nil {
			return fmt.Errorf("%w: %w", ErrResource, err)
		}
		i.advance(gen, StateModelClosed)
		i.log.Info("model released", "path", path)
		return nil
	})
	if err != nil {
		return err
	}
	i.model = nil
	i.modelPath = ""
	return nil
}

// ── Recognizer ──────────────────────────────────────────────────────────────

// CreateRecognizer queues opening a recognizer at sampleRate on the current
// model. It fails with [ErrResource] when no model was opened.
func (i *Instance) CreateRecognizer(sampleRate int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	return i.createRecognizerLocked(sampleRate)
}

func (i *Instance) createRecognizerLocked(sampleRate int) error {
	if i.model == nil {
		return fmt.Errorf("%w: no model open", ErrResource)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrResource, sampleRate)
	}
	if i.rec != nil {
		prev := i.rec
		if err := i.submitLocked("close_recognizer", func(ctx context.Context, _ int) error {
			return releaseRecognizer(ctx, prev)
		}); err != nil {
			return err
		}
		i.rec = nil
	}

	mf := i.model
	rf := future.New[*recognizerHandle]()
	err := i.submitLocked("create_recognizer", func(ctx context.Context, gen int) error {
		defer rf.Reject(fmt.Errorf("%w: create recognizer aborted", ErrResource))
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("%w: create recognizer: %w", ErrCancelled, err)
			rf.Reject(err)
			return err
		}
		m, err := awaitModel(ctx, mf)
		if err != nil {
			rf.Reject(err)
			return err
		}
		h, err := m.newRecognizer(sampleRate)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrResource, err)
			rf.Reject(err)
			return err
		}
		rf.Resolve(h)
		i.advance(gen, StateRecognizerReady)
		return nil
	})
	if err != nil {
		return err
	}
	i.rec = rf
	i.setLocked(StateRecognizerPending)
	return nil
}

// StartTranscript opens the transcript at dest and queues a recognizer at
// sampleRate, unless one is already open or pending. The file is created
// immediately; failure to create it is returned wrapped in [ErrFileSystem].
// An unfinished previous transcript is closed as is.
func (i *Instance) StartTranscript(dest string, sampleRate int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if i.model == nil {
		return fmt.Errorf("%w: no model open", ErrResource)
	}

	sink, err := transcript.Open(dest,
		transcript.WithRecorder(i.recorder),
		transcript.WithLogger(i.log),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystem, err)
	}
	if prev := i.sink; prev != nil {
		if err := i.submitLocked("close_transcript", func(context.Context, int) error {
			return closeSink(prev)
		}); err != nil {
			_ = sink.Discard(context.Background())
			return err
		}
	}
	i.sink = sink

	if i.rec == nil {
		if err := i.createRecognizerLocked(sampleRate); err != nil {
			return err
		}
	}
	i.log.Info("transcript started", "path", dest, "sample_rate", sampleRate)
	return nil
}

// ── Feeding ─────────────────────────────────────────────────────────────────

// FeedBuffer queues one decode step over data, a chunk of 16-bit mono PCM at
// the recognizer's sample rate. data is copied. Endpoint results are written
// to the transcript; with post set, full and partial results are published.
func (i *Instance) FeedBuffer(data []byte, post bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if i.rec == nil {
		return fmt.Errorf("%w: no recognizer", ErrResource)
	}
	rf, sink := i.rec, i.sink
	pcm := append([]byte(nil), data...)
	err := i.submitLocked("feed_buffer", func(ctx context.Context, _ int) error {
		h, err := awaitRecognizer(ctx, rf)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: feed buffer: %w", ErrCancelled, err)
		}
		return i.accept(ctx, h, sink, pcm, post, types.SourceBuffer, nil)
	})
	if err != nil {
		return err
	}
	i.setLocked(StateFeeding)
	return nil
}

// FeedFile queues streaming the audio file at path through the recognizer.
// A cancelled feed deletes the transcript it was writing.
func (i *Instance) FeedFile(path string, post bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if i.rec == nil {
		return fmt.Errorf("%w: no recognizer", ErrResource)
	}
	rf, sink := i.rec, i.sink
	err := i.submitLocked("feed_file", func(ctx context.Context, _ int) error {
		return i.feedFile(ctx, rf, sink, path, post)
	})
	if err != nil {
		return err
	}
	i.setLocked(StateFeeding)
	return nil
}

// ── Teardown ────────────────────────────────────────────────────────────────

// FinishTranscript queues the final flush of the recognizer. The final
// result is written to the transcript and, with post set, published with
// progress 1. The recognizer is then released and the transcript closed.
func (i *Instance) FinishTranscript(post bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if i.rec == nil {
		return fmt.Errorf("%w: no recognizer", ErrResource)
	}
	rf, sink := i.rec, i.sink
	err := i.submitLocked("finish_transcript", func(ctx context.Context, gen int) error {
		return i.finish(ctx, gen, rf, sink, post)
	})
	if err != nil {
		return err
	}
	i.rec, i.sink = nil, nil
	i.setLocked(StateFinalizing)
	return nil
}

// TerminateTranscript queues releasing the recognizer and closing the
// transcript without producing any event. It is a no-op when neither exists.
func (i *Instance) TerminateTranscript() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	return i.terminateLocked()
}

func (i *Instance) terminateLocked() error {
	if i.rec == nil && i.sink == nil {
		return nil
	}
	rf, sink := i.rec, i.sink
	err := i.submitLocked("terminate_transcript", func(ctx context.Context, gen int) error {
		err := errors.Join(releaseRecognizer(ctx, rf), closeSink(sink))
		i.advance(gen, StateRecognizerClosed)
		return err
	})
	if err != nil {
		return err
	}
	i.rec, i.sink = nil, nil
	return nil
}

// CloseResources tears the instance down. With force set the current worker
// is force-drained first; otherwise its queued work completes. Then any
// recognizer and transcript are terminated, the model is closed and the
// worker is deallocated. Calling it again with nothing left open is a no-op.
func (i *Instance) CloseResources(force bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return ErrDisconnected
	}
	if force && i.retireLocked(true) {
		i.state = StateForceTerminated
	}
	if err := i.terminateLocked(); err != nil {
		return err
	}
	if i.model != nil {
		if err := i.closeModelLocked(); err != nil {
			return err
		}
	}
	i.retireLocked(false)
	return nil
}

// Disconnect detaches the subscriber and makes the instance unusable. It does
// not release handles; call CloseResources first.
func (i *Instance) Disconnect() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disconnected {
		return
	}
	i.state = StateDisconnected
	i.disconnected = true
	i.events.Close()
	i.log.Debug("instance disconnected")
}

// Done returns a channel closed once every worker generation started so far
// has exited. It returns nil while a worker is still allocated.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.queue != nil {
		return nil
	}
	if i.prevDone == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return i.prevDone
}

func closeSink(s *transcript.Sink) error {
	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystem, err)
	}
	return nil
}
