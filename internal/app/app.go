// Package app wires all voxscribe subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is done, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithEngine,
// WithRecorder, WithMetrics). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/internal/archive"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/control"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/instance"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/registry"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/recognizer"
)

// ControlPath is the route of the WebSocket control endpoint.
const ControlPath = "/v1/control"

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	engines   *config.Registry
	engine    recognizer.Engine
	breaker   *resilience.CircuitBreaker
	recorder  transcript.BlockRecorder
	archive   *archive.Store
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	registry  *registry.Registry
	control   *control.Server
	health    *health.Handler
	checkers  []health.Checker
	handler   http.Handler

	mu     sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown, after HTTP has stopped.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithEngine injects a recognizer engine instead of creating one from
// cfg.Engine.
func WithEngine(e recognizer.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithEngineRegistry replaces the built-in engine factories.
func WithEngineRegistry(r *config.Registry) Option {
	return func(a *App) { a.engines = r }
}

// WithRecorder injects a transcript recorder instead of connecting to the
// archive database.
func WithRecorder(r transcript.BlockRecorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry serves tel on /metrics and shuts it down last.
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = tel }
}

// WithHealthChecks adds readiness checks on top of the built-in ones.
func WithHealthChecks(checks ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, checks...) }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 2. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Instance registry ─────────────────────────────────────────────
	a.registry = registry.New(a.newInstance,
		registry.WithLogger(a.log),
		registry.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.registry.Shutdown)

	// ── 4. Control server ────────────────────────────────────────────────
	a.control = control.NewServer(a.registry,
		control.WithLogger(a.log),
		control.WithMetrics(a.metrics),
		control.WithBuffer(cfg.Transcription.EventBuffer),
		control.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	// ── 5. Health + routes ───────────────────────────────────────────────
	a.initHealth()
	a.handler = a.routes()

	// Archive and telemetry outlive the registry so that the last blocks
	// and metrics are flushed.
	if a.archive != nil {
		a.closers = append(a.closers, func(context.Context) error {
			a.archive.Close()
			return nil
		})
	}
	if a.telemetry != nil {
		a.closers = append(a.closers, a.telemetry.Shutdown)
	}

	return a, nil
}

// initEngine builds the recognizer engine from config unless one was
// injected.
func (a *App) initEngine() error {
	if a.engine != nil {
		return nil
	}
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   a.cfg.Engine.Name,
		Logger: a.log,
	})
	if a.engines == nil {
		a.engines = Engines(a.breaker)
	}
	eng, err := a.engines.Create(a.cfg.Engine)
	if err != nil {
		return err
	}
	a.engine = eng
	a.log.Info("engine created", "name", a.cfg.Engine.Name)
	return nil
}

// initArchive connects the PostgreSQL archive when configured and no
// recorder was injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		return nil
	}
	store, err := archive.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.archive = store
	a.recorder = store
	a.log.Info("transcript archive connected")
	return nil
}

func (a *App) initHealth() {
	checks := []health.Checker{{
		Name: "registry",
		Check: func(context.Context) error {
			if a.registry.Closed() {
				return registry.ErrShutdown
			}
			return nil
		},
	}}
	if p, ok := a.engine.(health.Pinger); ok {
		checks = append(checks, health.Ping("engine", p))
	}
	if a.breaker != nil {
		checks = append(checks, health.Checker{Name: "engine_breaker", Check: a.breaker.Healthy})
	}
	if a.archive != nil {
		checks = append(checks, health.Ping("archive", a.archive))
	}
	a.health = health.New(append(checks, a.checkers...)...)
}

// newInstance is the registry factory.
func (a *App) newInstance(id int64) *instance.Instance {
	opts := []instance.Option{
		instance.WithLogger(a.log),
		instance.WithMetrics(a.metrics),
		instance.WithFileLayout(a.cfg.Transcription.FileHeaderBytes, a.cfg.Transcription.FileChunkBytes),
	}
	if a.recorder != nil {
		opts = append(opts, instance.WithRecorder(a.recorder))
	}
	return instance.New(id, a.engine, opts...)
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+ControlPath, a.control)
	a.health.Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the instance registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Run serves HTTP on cfg.Server.ListenAddr and blocks until ctx is done or
// the listener fails. When ctx is done Run returns ctx.Err(); call Shutdown
// afterwards to release the subsystems.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	a.log.Info("app running", "addr", ln.Addr().String(), "engine", a.engine.Name(), "archive", a.archive != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears down all subsystems in order: readiness is failed, control
// connections are closed, the HTTP server stops, then every instance is
// force-closed before the archive and telemetry are released. If ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.control.Close(ctx); err != nil {
			a.log.Warn("control close error", "err", err)
		}
		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
