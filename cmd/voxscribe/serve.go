package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxscribe/internal/app"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription server",
		Long: `Serve runs the HTTP server exposing the WebSocket control endpoint
(/v1/control), health probes (/healthz, /readyz) and Prometheus metrics
(/metrics).

The config file is watched while the server runs and re-read on SIGHUP.
A changed log level is applied immediately; other changes are logged and
need a restart.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cmd.ErrOrStderr(), cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("voxscribe starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Config hot reload ─────────────────────────────────────────────────────
	if path != "" {
		w, err := config.NewWatcher(path, func(old, new *config.Config) {
			applyReload(level, old, new)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	printStartupSummary(cmd.OutOrStdout(), cfg)

	application, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithTelemetry(tel))
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}

// applyReload applies what can change at runtime and reports the rest.
func applyReload(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if applied, err := w.Reload(); err != nil {
				slog.Warn("config rejected on SIGHUP", "err", err)
			} else if !applied {
				slog.Info("config unchanged on SIGHUP")
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	engine := cfg.Engine.Name
	if cfg.Engine.BaseURL != "" {
		engine += " @ " + cfg.Engine.BaseURL
	}
	archive := "(disabled)"
	if cfg.Archive.PostgresDSN != "" {
		archive = "postgres"
	}
	tls := "off"
	if cfg.Server.TLS != nil {
		tls = "on"
	}

	fmt.Fprintln(w, "voxscribe startup summary")
	fmt.Fprintf(w, "  %-14s %s\n", "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintf(w, "  %-14s %s\n", "TLS", tls)
	fmt.Fprintf(w, "  %-14s %s\n", "Engine", engine)
	fmt.Fprintf(w, "  %-14s %d / %d bytes\n", "File layout", cfg.Transcription.FileHeaderBytes, cfg.Transcription.FileChunkBytes)
	fmt.Fprintf(w, "  %-14s %d\n", "Event buffer", cfg.Transcription.EventBuffer)
	fmt.Fprintf(w, "  %-14s %s\n", "Archive", archive)
}
