// Command voxscribe runs the transcription server and a one-shot file
// transcriber.
package main

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxscribe/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voxscribe",
		Short:         "Speech-to-text transcription server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `voxscribe runs recognition instances on a whisper engine and writes
their results to transcript files.

"serve" exposes the instances over a WebSocket control endpoint; "transcribe"
drives a single instance over one audio file.`,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	root.AddCommand(newServeCmd(), newTranscribeCmd())
	return root
}

// loadConfig reads the file named by the --config flag. A missing file is
// only an error when the flag was set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on w whose level can be changed through the
// returned LevelVar.
func newLogger(w io.Writer, level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Level())
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), lvl
}
