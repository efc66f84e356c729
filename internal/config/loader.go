package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownEngines lists the engine names that ship with voxscribe.
// Used by [Validate] to warn about unrecognised engine names.
var KnownEngines = []string{EngineWhisperNative, EngineWhisperServer}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Engine
	if cfg.Engine.Name == EngineWhisperServer && cfg.Engine.BaseURL == "" {
		errs = append(errs, fmt.Errorf("engine.base_url is required when engine.name is %q", EngineWhisperServer))
	}
	if cfg.Engine.Name != "" && !slices.Contains(KnownEngines, cfg.Engine.Name) {
		slog.Warn("unknown engine name, it must be registered before startup",
			"name", cfg.Engine.Name,
			"known", KnownEngines,
		)
	}
	for _, key := range []string{"threads", "silence_threshold_ms", "max_buffer_duration_ms"} {
		if v, ok := cfg.Engine.Options[key]; ok {
			if n, ok := v.(int); !ok || n < 0 {
				errs = append(errs, fmt.Errorf("engine.options.%s must be a non-negative integer, got %v", key, v))
			}
		}
	}

	// Transcription
	if cfg.Transcription.FileHeaderBytes < 0 {
		errs = append(errs, fmt.Errorf("transcription.file_header_bytes %d must not be negative", cfg.Transcription.FileHeaderBytes))
	}
	if cfg.Transcription.FileChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("transcription.file_chunk_bytes %d must not be negative", cfg.Transcription.FileChunkBytes))
	} else if cfg.Transcription.FileChunkBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("transcription.file_chunk_bytes %d must be a whole number of 16-bit samples", cfg.Transcription.FileChunkBytes))
	}
	if cfg.Transcription.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("transcription.event_buffer %d must not be negative", cfg.Transcription.EventBuffer))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be between 0 and 1", r))
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; transcripts will not be archived")
	}

	return errors.Join(errs...)
}

// OptString returns the string option key, or "" when unset or not a string.
func OptString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// OptInt returns the integer option key, or 0 when unset or not an integer.
func OptInt(opts map[string]any, key string) int {
	if v, ok := opts[key].(int); ok {
		return v
	}
	return 0
}
