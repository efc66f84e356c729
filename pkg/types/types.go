// Package types defines the shared types used across all voxscribe packages.
//
// These types form the lingua franca between the recognizer engines, the
// per-instance orchestration layer and the control surface. Each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "fmt"

// UnknownTimestamp is the TimestampSeconds value of an event whose recognized
// text carries no word timings.
const UnknownTimestamp = -1.0

// ResultKind classifies a recognizer result.
type ResultKind int

const (
	// ResultPartial is a provisional hypothesis for the current utterance. It
	// is published but never written to a transcript file.
	ResultPartial ResultKind = iota

	// ResultFull is a committed utterance, emitted when the recognizer detects
	// an endpoint.
	ResultFull

	// ResultFinal is the flush of the remaining audio when a transcript ends.
	ResultFinal
)

var resultKindNames = [...]string{"partial", "full", "final"}

// String returns the wire name of the kind.
func (k ResultKind) String() string {
	if k < 0 || int(k) >= len(resultKindNames) {
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
	return resultKindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k ResultKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ResultKind) UnmarshalText(b []byte) error {
	for i, n := range resultKindNames {
		if n == string(b) {
			*k = ResultKind(i)
			return nil
		}
	}
	return fmt.Errorf("types: unknown result kind %q", b)
}

// SourceKind names the kind of input that produced an event.
type SourceKind int

const (
	// SourceNone is used for events not tied to a particular input, such as the
	// final flush of a transcript.
	SourceNone SourceKind = iota
	// SourceBuffer marks events produced while feeding an in-memory PCM buffer.
	SourceBuffer
	// SourceFile marks events produced while feeding an audio file.
	SourceFile
)

var sourceKindNames = [...]string{"none", "buffer", "file"}

func (k SourceKind) String() string {
	if k < 0 || int(k) >= len(sourceKindNames) {
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
	return sourceKindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k SourceKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SourceKind) UnmarshalText(b []byte) error {
	for i, n := range sourceKindNames {
		if n == string(b) {
			*k = SourceKind(i)
			return nil
		}
	}
	return fmt.Errorf("types: unknown source kind %q", b)
}

// TranscriptEvent is a recognition result delivered to an instance's event
// subscriber.
type TranscriptEvent struct {
	// Kind classifies the result.
	Kind ResultKind `json:"resultType"`

	// Source names the input that produced the result.
	Source SourceKind `json:"sourceKind"`

	// Progress is the fraction of the input consumed so far, in [0, 1].
	// Nil when the input has no known length (buffer feeds).
	Progress *float64 `json:"progress"`

	// TimestampSeconds is the start time of the first recognized word, or
	// [UnknownTimestamp] when no word timings are available.
	TimestampSeconds float64 `json:"timestamp"`

	// Text is the recognized text. For full and final results with word
	// timings it holds one "word start end conf" line per word.
	Text string `json:"text"`
}

// Progress returns a pointer to p, for use in [TranscriptEvent.Progress].
func Progress(p float64) *float64 { return &p }

// Word is a single recognized word with its timing in seconds and a
// confidence in [0, 1].
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"conf"`
}

// ErrorKind classifies a task failure.
type ErrorKind string

const (
	// KindResource covers model, recognizer and engine failures, including
	// use of a handle that never became available.
	KindResource ErrorKind = "resource"
	// KindFileSystem covers transcript and input file failures.
	KindFileSystem ErrorKind = "file_system"
	// KindMalformedResult is reported when the engine returns a result that
	// cannot be parsed.
	KindMalformedResult ErrorKind = "malformed_result"
	// KindCancelled is reported by tasks interrupted by a forced drain.
	KindCancelled ErrorKind = "cancelled"
)

// Failure is an out-of-band report of a failed task.
type Failure struct {
	// InstanceID identifies the instance whose task failed.
	InstanceID int64 `json:"instance"`
	// Operation is the command that submitted the failed task (e.g. "feedFile").
	Operation string `json:"operation"`
	// Kind classifies the failure.
	Kind ErrorKind `json:"kind"`
	// Message is a human-readable description.
	Message string `json:"message"`
}
