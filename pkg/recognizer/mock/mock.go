// Package mock provides a deterministic recognizer engine for tests.
//
// Every AcceptWaveform call "recognizes" one word named w1, w2, ... spaced
// half a second apart. By default every call is an endpoint, so each fed
// chunk produces one full result. Set EndpointEvery to group words into
// longer utterances; words fed since the last endpoint are reported by
// PartialResult and flushed by FinalResult.
//
// Example:
//
//	eng := &mock.Engine{EndpointEvery: 2}
//	m, _ := eng.LoadModel(ctx, "model")
//	rec, _ := m.NewRecognizer(16000)
//	rec.AcceptWaveform(chunk) // false
//	rec.AcceptWaveform(chunk) // true; Result() reports w1 and w2
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/voxscribe/pkg/recognizer"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// wordSpacing is the time in seconds between consecutive fake words.
const wordSpacing = 0.5

// Engine is a mock implementation of recognizer.Engine.
type Engine struct {
	mu sync.Mutex

	// LoadErr, if non-nil, is returned by LoadModel.
	LoadErr error

	// NewRecognizerErr, if non-nil, is returned by Model.NewRecognizer.
	NewRecognizerErr error

	// AcceptErr, if non-nil, is returned by every AcceptWaveform call.
	AcceptErr error

	// EndpointEvery makes every n-th AcceptWaveform an endpoint. Zero or one
	// means every call.
	EndpointEvery int

	// RawResult, if set, replaces the JSON returned by Result and FinalResult.
	RawResult string

	// OnAccept, if set, is called at the start of every AcceptWaveform with
	// the 1-based call number across all recognizers. Tests use it to block
	// a feed mid-way.
	OnAccept func(call int)

	// Loads records every path passed to LoadModel.
	Loads []string

	// Models records every model returned by LoadModel.
	Models []*Model

	accepts int
}

// Name implements recognizer.Engine.
func (e *Engine) Name() string { return "mock" }

// LoadModel records the call and returns a new Model or LoadErr.
func (e *Engine) LoadModel(ctx context.Context, path string) (recognizer.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Loads = append(e.Loads, path)
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	m := &Model{engine: e, Path: path}
	e.Models = append(e.Models, m)
	return m, nil
}

// Accepts returns the total number of AcceptWaveform calls. Thread-safe.
func (e *Engine) Accepts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepts
}

// Model is a mock implementation of recognizer.Model.
type Model struct {
	engine *Engine

	// Path is the path the model was loaded from.
	Path string

	mu          sync.Mutex
	closed      bool
	closeCalls  int
	recognizers []*Recognizer
}

// NewRecognizer returns a new Recognizer or the engine's NewRecognizerErr.
func (m *Model) NewRecognizer(sampleRate int) (recognizer.Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, recognizer.ErrClosed
	}
	m.engine.mu.Lock()
	err := m.engine.NewRecognizerErr
	m.engine.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r := &Recognizer{model: m, SampleRate: sampleRate}
	m.recognizers = append(m.recognizers, r)
	return r, nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CloseCalls returns how many times Close was called.
func (m *Model) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// Recognizers returns every recognizer created from m.
func (m *Model) Recognizers() []*Recognizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Recognizer(nil), m.recognizers...)
}

// Recognizer is a mock implementation of recognizer.Recognizer.
type Recognizer struct {
	model *Model

	// SampleRate is the rate passed to NewRecognizer.
	SampleRate int

	mu         sync.Mutex
	closed     bool
	closeCalls int
	words      int
	pending    []types.Word
	committed  []types.Word
}

// AcceptWaveform appends one fake word per call.
func (r *Recognizer) AcceptWaveform(pcm []byte) (bool, error) {
	e := r.model.engine
	e.mu.Lock()
	e.accepts++
	call := e.accepts
	hook := e.OnAccept
	acceptErr := e.AcceptErr
	every := e.EndpointEvery
	e.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, recognizer.ErrClosed
	}
	if acceptErr != nil {
		return false, acceptErr
	}
	if len(pcm) == 0 {
		return false, nil
	}
	r.words++
	start := float64(r.words-1) * wordSpacing
	r.pending = append(r.pending, types.Word{
		Word:       fmt.Sprintf("w%d", r.words),
		Start:      start,
		End:        start + 0.4,
		Confidence: 1,
	})
	if every <= 1 || r.words%every == 0 {
		r.committed, r.pending = r.pending, nil
		return true, nil
	}
	return false, nil
}

// Result returns the words committed by the last endpoint.
func (r *Recognizer) Result() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", recognizer.ErrClosed
	}
	if raw := r.rawResult(); raw != "" {
		return raw, nil
	}
	out := encodeWords(r.committed)
	r.committed = nil
	return out, nil
}

// PartialResult returns the words fed since the last endpoint.
func (r *Recognizer) PartialResult() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", recognizer.ErrClosed
	}
	names := make([]string, len(r.pending))
	for i, w := range r.pending {
		names[i] = w.Word
	}
	b, _ := json.Marshal(map[string]string{"partial": strings.Join(names, " ")})
	return string(b), nil
}

// FinalResult flushes pending words.
func (r *Recognizer) FinalResult() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", recognizer.ErrClosed
	}
	if raw := r.rawResult(); raw != "" {
		return raw, nil
	}
	out := encodeWords(r.pending)
	r.pending = nil
	return out, nil
}

// Close marks the recognizer closed.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCalls++
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CloseCalls returns how many times Close was called.
func (r *Recognizer) CloseCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCalls
}

func (r *Recognizer) rawResult() string {
	e := r.model.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.RawResult
}

func encodeWords(words []types.Word) string {
	texts := make([]string, len(words))
	for i, w := range words {
		texts[i] = w.Word
	}
	b, _ := json.Marshal(struct {
		Result []types.Word `json:"result,omitempty"`
		Text   string       `json:"text"`
	}{Result: words, Text: strings.Join(texts, " ")})
	return string(b)
}

// Compile-time interface assertions.
var (
	_ recognizer.Engine     = (*Engine)(nil)
	_ recognizer.Model      = (*Model)(nil)
	_ recognizer.Recognizer = (*Recognizer)(nil)
)
