package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxscribe/internal/app"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/instance"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/pkg/recognizer"
	"github.com/MrWong99/voxscribe/pkg/types"
)

type transcribeOptions struct {
	model      string
	input      string
	output     string
	sampleRate int
	quiet      bool
}

func newTranscribeCmd() *cobra.Command {
	var opts transcribeOptions
	cmd := &cobra.Command{
		Use:   "transcribe",
		Short: "Transcribe one audio file",
		Long: `Transcribe opens a model, feeds a 16-bit mono PCM WAV file through a
recognizer and writes the transcript to --output. Results are printed to
stdout as JSON lines unless --quiet is set.`,
		Example: `  voxscribe transcribe --model models/ggml-base.en.bin --input a.wav --output a.txt`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, _ := newLogger(cmd.ErrOrStderr(), cfg.Server.LogLevel)
			slog.SetDefault(logger)
			if opts.model == "" {
				opts.model = cfg.Engine.Model
			}

			breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: cfg.Engine.Name, Logger: logger})
			eng, err := app.Engines(breaker).Create(cfg.Engine)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			if opts.quiet {
				out = io.Discard
			}
			return transcribe(ctx, eng, cfg, opts, out)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.model, "model", "", "model path (defaults to engine.model)")
	f.StringVarP(&opts.input, "input", "i", "", "WAV file to transcribe")
	f.StringVarP(&opts.output, "output", "o", "", "transcript file to write")
	f.IntVar(&opts.sampleRate, "sample-rate", 16000, "sample rate of the input")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print results")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// transcribe drives one instance through open, start, feed, finish and
// close, printing results to out. It returns the failures reported by the
// instance joined together.
func transcribe(ctx context.Context, eng recognizer.Engine, cfg *config.Config, opts transcribeOptions, out io.Writer) error {
	if opts.model == "" {
		return errors.New("transcribe: no model given")
	}

	inst := instance.New(1, eng,
		instance.WithFileLayout(cfg.Transcription.FileHeaderBytes, cfg.Transcription.FileChunkBytes),
	)
	p := &printer{enc: json.NewEncoder(out)}
	inst.Events().Attach(p)
	defer inst.Disconnect()

	post := out != io.Discard
	steps := []struct {
		name string
		run  func() error
	}{
		{"open model", func() error { return inst.OpenModel(opts.model) }},
		{"start transcript", func() error { return inst.StartTranscript(opts.output, opts.sampleRate) }},
		{"feed file", func() error { return inst.FeedFile(opts.input, post) }},
		{"finish transcript", func() error { return inst.FinishTranscript(post) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			_ = inst.CloseResources(true)
			return fmt.Errorf("transcribe: %s: %w", s.name, err)
		}
	}

	if err := inst.Sync(ctx); err != nil {
		_ = inst.CloseResources(true)
		return fmt.Errorf("transcribe: %w", err)
	}
	if err := inst.CloseResources(false); err != nil {
		return fmt.Errorf("transcribe: close: %w", err)
	}
	if err := inst.Sync(ctx); err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	return p.err()
}

// printer writes transcript events as JSON lines and collects failures.
type printer struct {
	mu       sync.Mutex
	enc      *json.Encoder
	failures []error
}

func (p *printer) Transcript(_ int64, ev types.TranscriptEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(ev)
}

func (p *printer) Failure(f types.Failure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slog.Error("task failed", "operation", f.Operation, "kind", f.Kind, "err", f.Message)
	p.failures = append(p.failures, fmt.Errorf("%s: %s: %s", f.Operation, f.Kind, f.Message))
}

func (p *printer) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.failures...)
}
