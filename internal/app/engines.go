package app

import (
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/pkg/recognizer"
	"github.com/MrWong99/voxscribe/pkg/recognizer/whisper"
)

// Engines returns a registry holding the built-in engine factories. Calls to
// a whisper server go through breaker; nil disables the breaker.
func Engines(breaker *resilience.CircuitBreaker) *config.Registry {
	reg := config.NewRegistry()

	reg.Register(config.EngineWhisperNative, func(entry config.EngineConfig) (recognizer.Engine, error) {
		return whisper.NewNative(
			whisper.WithNativeLanguage(config.OptString(entry.Options, "language")),
			whisper.WithNativeThreads(config.OptInt(entry.Options, "threads")),
			whisper.WithNativeSegmentation(segmentation(entry)),
		), nil
	})

	reg.Register(config.EngineWhisperServer, func(entry config.EngineConfig) (recognizer.Engine, error) {
		opts := []whisper.ServerOption{
			whisper.WithLanguage(config.OptString(entry.Options, "language")),
			whisper.WithSegmentation(segmentation(entry)),
		}
		if breaker != nil {
			opts = append(opts, whisper.WithBreaker(breaker))
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	return reg
}

func segmentation(entry config.EngineConfig) whisper.Segmentation {
	return whisper.Segmentation{
		SilenceThresholdMs:  config.OptInt(entry.Options, "silence_threshold_ms"),
		MaxBufferDurationMs: config.OptInt(entry.Options, "max_buffer_duration_ms"),
	}
}
