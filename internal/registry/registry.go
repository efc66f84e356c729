// Package registry maps instance ids to [instance.Instance] values and routes
// control commands to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxscribe/internal/instance"
	"github.com/MrWong99/voxscribe/internal/observe"
)

var (
	// ErrUnknownInstance is returned for commands addressed to an id that is
	// not registered.
	ErrUnknownInstance = errors.New("registry: unknown instance")

	// ErrUnknownMethod is returned by [Registry.Dispatch] for unsupported
	// methods.
	ErrUnknownMethod = errors.New("registry: unknown method")

	// ErrInvalidParams is returned when a command's parameters are missing
	// or out of range.
	ErrInvalidParams = errors.New("registry: invalid parameters")

	// ErrShutdown is returned by every mutating call after Shutdown.
	ErrShutdown = errors.New("registry: shut down")
)

// Factory builds the instance registered under id.
type Factory func(id int64) *instance.Instance

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics sets the metrics used for the active instance gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Registry owns every live instance. All methods are safe for concurrent use.
type Registry struct {
	newInstance Factory
	log         *slog.Logger
	metrics     *observe.Metrics

	mu        sync.Mutex
	instances map[int64]*instance.Instance
	shutdown  bool
}

// New returns an empty Registry that builds instances with factory.
func New(factory Factory, opts ...Option) *Registry {
	r := &Registry{
		newInstance: factory,
		log:         slog.Default(),
		metrics:     observe.DefaultMetrics(),
		instances:   make(map[int64]*instance.Instance),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a new instance under id. If id is taken the existing
// instance is returned and created is false.
func (r *Registry) Create(id int64) (inst *instance.Instance, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, false, ErrShutdown
	}
	if inst, ok := r.instances[id]; ok {
		return inst, false, nil
	}
	inst = r.newInstance(id)
	r.instances[id] = inst
	r.metrics.ActiveInstances.Add(context.Background(), 1)
	r.log.Info("instance created", "instance", id)
	return inst, true, nil
}

// Get returns the instance registered under id.
func (r *Registry) Get(id int64) (*instance.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Remove closes the instance's resources gracefully, disconnects it and
// forgets it. Queued work still runs to completion in the background.
func (r *Registry) Remove(id int64) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, id)
	}

	r.metrics.ActiveInstances.Add(context.Background(), -1)
	err := inst.CloseResources(false)
	inst.Disconnect()
	r.log.Info("instance removed", "instance", id)
	if err != nil && !errors.Is(err, instance.ErrDisconnected) {
		return fmt.Errorf("registry: close instance %d: %w", id, err)
	}
	return nil
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Shutdown force-closes and disconnects every instance concurrently, then
// waits for their workers to exit or ctx to be done. Later Create calls fail
// with [ErrShutdown].
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	all := r.instances
	r.instances = make(map[int64]*instance.Instance)
	r.mu.Unlock()

	r.log.Info("shutting down instances", "count", len(all))
	g, ctx := errgroup.WithContext(ctx)
	for id, inst := range all {
		g.Go(func() error {
			defer r.metrics.ActiveInstances.Add(context.Background(), -1)
			if err := inst.CloseResources(true); err != nil && !errors.Is(err, instance.ErrDisconnected) {
				r.log.Warn("failed to close instance", "instance", id, "err", err)
			}
			inst.Disconnect()
			done := inst.Done()
			if done == nil {
				r.log.Warn("instance was disconnected with its worker still allocated", "instance", id)
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("registry: instance %d did not stop: %w", id, ctx.Err())
			}
		})
	}
	return g.Wait()
}
