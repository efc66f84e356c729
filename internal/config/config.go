// Package config provides the configuration schema, loader, and engine registry
// for the voxscribe server.
package config

import "log/slog"

// LogLevel controls log verbosity for the voxscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Built-in engine names.
const (
	EngineWhisperNative = "whisper-native"
	EngineWhisperServer = "whisper-server"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultEngine          = EngineWhisperNative
	DefaultFileHeaderBytes = 44
	DefaultFileChunkBytes  = 6400
	DefaultEventBuffer     = 256
	DefaultServiceName     = "voxscribe"
)

// Config is the root configuration structure for voxscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the voxscribe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns of browser origins allowed to open
	// control connections. Same-origin requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineConfig selects and configures the recognizer engine. The Name field
// is used to look up the constructor in the [Registry].
type EngineConfig struct {
	// Name selects the registered engine (e.g., "whisper-native").
	Name string `yaml:"name"`

	// BaseURL is the address of a remote engine server. Required by
	// whisper-server.
	BaseURL string `yaml:"base_url"`

	// Model is the model loaded by default when a client opens an empty path.
	Model string `yaml:"model"`

	// Options holds engine-specific configuration values such as language,
	// threads, silence_threshold_ms and max_buffer_duration_ms.
	Options map[string]any `yaml:"options"`
}

// TranscriptionConfig tunes how instances process audio.
type TranscriptionConfig struct {
	// FileHeaderBytes is skipped at the start of every fed audio file.
	FileHeaderBytes int64 `yaml:"file_header_bytes"`

	// FileChunkBytes is the size of each chunk read from a fed audio file.
	FileChunkBytes int `yaml:"file_chunk_bytes"`

	// EventBuffer is the outgoing message queue length per control
	// connection.
	EventBuffer int `yaml:"event_buffer"`
}

// ArchiveConfig configures the optional PostgreSQL transcript archive.
type ArchiveConfig struct {
	// PostgresDSN enables the archive when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces kept, in (0, 1].
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = DefaultEngine
	}
	if cfg.Transcription.FileHeaderBytes == 0 {
		cfg.Transcription.FileHeaderBytes = DefaultFileHeaderBytes
	}
	if cfg.Transcription.FileChunkBytes == 0 {
		cfg.Transcription.FileChunkBytes = DefaultFileChunkBytes
	}
	if cfg.Transcription.EventBuffer == 0 {
		cfg.Transcription.EventBuffer = DefaultEventBuffer
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
