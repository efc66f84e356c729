package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/recognizer"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// NativeEngine implements recognizer.Engine with the whisper.cpp CGO
// bindings. Each LoadModel call loads an independent model.
type NativeEngine struct {
	language string
	threads  uint
	seg      Segmentation
}

// NativeOption is a functional option for configuring a NativeEngine.
type NativeOption func(*NativeEngine)

// WithNativeLanguage sets the language code passed to whisper.cpp (e.g.
// "en", "de"). Defaults to "en"; "auto" enables detection.
func WithNativeLanguage(lang string) NativeOption {
	return func(e *NativeEngine) {
		if lang != "" {
			e.language = lang
		}
	}
}

// WithNativeThreads sets the number of inference threads. Zero keeps the
// whisper.cpp default.
func WithNativeThreads(n int) NativeOption {
	return func(e *NativeEngine) {
		if n > 0 {
			e.threads = uint(n)
		}
	}
}

// WithNativeSegmentation tunes utterance detection.
func WithNativeSegmentation(s Segmentation) NativeOption {
	return func(e *NativeEngine) { e.seg = s }
}

// NewNative returns a NativeEngine.
func NewNative(opts ...NativeOption) *NativeEngine {
	e := &NativeEngine{language: defaultLanguage}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements recognizer.Engine.
func (e *NativeEngine) Name() string { return "whisper-native" }

// LoadModel loads a ggml model file. whisper.cpp offers no way to abort a
// load in progress, so ctx is only checked before starting.
func (e *NativeEngine) LoadModel(ctx context.Context, path string) (recognizer.Model, error) {
	if path == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	return &nativeModel{engine: e, path: path, model: m}, nil
}

// nativeModel owns one whisperlib.Model.
type nativeModel struct {
	engine *NativeEngine
	path   string
	model  whisperlib.Model

	mu     sync.Mutex
	closed bool
}

// NewRecognizer implements recognizer.Model.
func (m *nativeModel) NewRecognizer(sampleRate int) (recognizer.Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, recognizer.ErrClosed
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", sampleRate)
	}
	return newSession(sampleRate, m.engine.seg, m.infer, nil), nil
}

// Close implements recognizer.Model.
func (m *nativeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.model.Close()
}

// infer runs one utterance through a fresh whisper context. Contexts are not
// thread-safe but the model may be shared, so every call gets its own.
func (m *nativeModel) infer(pcm []byte, offset float64) ([]types.Word, string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(m.engine.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", m.engine.language, "err", err)
	}
	if m.engine.threads > 0 {
		wctx.SetThreads(m.engine.threads)
	}
	// One word per segment, with token-level timestamps.
	wctx.SetTokenTimestamps(true)
	wctx.SetSplitOnWord(true)
	wctx.SetMaxSegmentLength(1)

	if err := wctx.Process(audio.ToFloat32(pcm), nil, nil, nil); err != nil {
		return nil, "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var words []types.Word
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		words = append(words, types.Word{
			Word:       text,
			Start:      offset + segment.Start.Seconds(),
			End:        offset + segment.End.Seconds(),
			Confidence: tokenConfidence(segment.Tokens),
		})
	}
	return words, "", nil
}

// tokenConfidence averages the probability of the text tokens of a segment.
// Special tokens such as "[_BEG_]" or "<|en|>" are skipped.
func tokenConfidence(tokens []whisperlib.Token) float64 {
	var sum float64
	var n int
	for _, t := range tokens {
		if strings.HasPrefix(t.Text, "[_") || strings.HasPrefix(t.Text, "<|") {
			continue
		}
		sum += float64(t.P)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

var (
	_ recognizer.Engine = (*NativeEngine)(nil)
	_ recognizer.Model  = (*nativeModel)(nil)
)
