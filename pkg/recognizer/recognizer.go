// Package recognizer defines the interfaces for streaming speech-recognition
// engines.
//
// An [Engine] loads [Model] handles from disk. A model creates [Recognizer]
// sessions bound to one sample rate; a recognizer accepts 16-bit
// little-endian mono PCM and reports results as JSON records:
//
//	{"result": [{"word": "hello", "start": 0.12, "end": 0.5, "conf": 1}], "text": "hello"}
//	{"partial": "hel"}
//
// Model and recognizer handles are NOT safe for concurrent use. Callers must
// confine every call on a handle, including Close, to a single goroutine at a
// time. Engines themselves are safe for concurrent use.
package recognizer

import (
	"context"
	"errors"
)

// ErrClosed is returned by calls on a handle after Close.
var ErrClosed = errors.New("recognizer: handle is closed")

// Engine loads models. Implementations must be safe for concurrent use.
type Engine interface {
	// Name identifies the engine in logs and metrics (e.g. "whisper-native").
	Name() string

	// LoadModel loads the model at path. It may block for a long time and
	// should honour ctx where the backend allows it.
	LoadModel(ctx context.Context, path string) (Model, error)
}

// Model is a loaded model.
type Model interface {
	// NewRecognizer creates a streaming decode session for PCM at sampleRate
	// Hz, with per-word timings enabled.
	NewRecognizer(sampleRate int) (Recognizer, error)

	// Close releases the model. Recognizers created from it must be closed
	// first.
	Close() error
}

// Recognizer is a streaming decode session.
type Recognizer interface {
	// AcceptWaveform feeds PCM audio. It reports true when the recognizer
	// detected the end of an utterance; Result then returns it.
	AcceptWaveform(pcm []byte) (endpoint bool, err error)

	// Result returns the utterance committed by the last endpoint.
	Result() (string, error)

	// PartialResult returns the provisional hypothesis for audio fed since the
	// last endpoint.
	PartialResult() (string, error)

	// FinalResult flushes buffered audio and returns the remaining text.
	FinalResult() (string, error)

	// Close releases the session.
	Close() error
}
