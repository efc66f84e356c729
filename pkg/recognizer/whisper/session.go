// Package whisper provides whisper.cpp-backed recognizer engines.
//
// whisper.cpp is a batch transcription engine, so both engines simulate a
// streaming recognizer: incoming PCM is buffered, an energy-based silence
// detector segments it into utterances, and each completed utterance is
// transcribed in one inference call. The end of an utterance is reported as
// an endpoint by AcceptWaveform.
//
// Two engines are available:
//
//   - [NativeEngine] runs inference in-process through the whisper.cpp CGO
//     bindings. The whisper.cpp static library (libwhisper.a) and headers
//     (whisper.h) must be available at link time via LIBRARY_PATH and
//     C_INCLUDE_PATH.
//   - [ServerEngine] posts utterances to a running whisper-server
//     (POST /inference).
package whisper

import (
	"encoding/json"
	"strings"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/recognizer"
	"github.com/MrWong99/voxscribe/pkg/types"
)

const (
	// whisperSampleRate is the only rate whisper.cpp accepts. Other input
	// rates are resampled.
	whisperSampleRate = 16000

	// defaultRMSThreshold is the RMS level (in 16-bit PCM units) below which
	// audio counts as silence. 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// Segmentation tunes utterance detection.
type Segmentation struct {
	// SilenceThresholdMs is the run of silence after speech that ends an
	// utterance. Default 500.
	SilenceThresholdMs int

	// MaxBufferDurationMs forces an endpoint once this much speech has been
	// buffered. Default 10000.
	MaxBufferDurationMs int

	// RMSThreshold is the energy below which a chunk is silence. Default 300.
	RMSThreshold float64
}

func (s Segmentation) withDefaults() Segmentation {
	if s.SilenceThresholdMs <= 0 {
		s.SilenceThresholdMs = defaultSilenceThresholdMs
	}
	if s.MaxBufferDurationMs <= 0 {
		s.MaxBufferDurationMs = defaultMaxBufferDurationMs
	}
	if s.RMSThreshold <= 0 {
		s.RMSThreshold = defaultRMSThreshold
	}
	return s
}

// segmenter splits a 16 kHz PCM stream into utterances. It tracks the
// stream position so that word timings are relative to the first sample fed.
type segmenter struct {
	cfg Segmentation

	buffer    []byte
	hadSpeech bool
	silenceMs int
	consumed  int // bytes seen so far, including discarded leading silence
	start     int // stream offset in bytes of buffer[0]
}

// push appends chunk and reports whether an utterance is complete.
func (s *segmenter) push(chunk []byte) bool {
	offset := s.consumed
	s.consumed += len(chunk)

	if audio.RMS(chunk) < s.cfg.RMSThreshold {
		// Leading silence before any speech is dropped.
		if !s.hadSpeech {
			return false
		}
		s.silenceMs += audio.DurationMs(chunk, whisperSampleRate)
		s.buffer = append(s.buffer, chunk...)
		return s.silenceMs >= s.cfg.SilenceThresholdMs
	}

	if !s.hadSpeech {
		s.hadSpeech = true
		s.start = offset
	}
	s.silenceMs = 0
	s.buffer = append(s.buffer, chunk...)
	maxBytes := s.cfg.MaxBufferDurationMs * audio.BytesPerMs(whisperSampleRate)
	return maxBytes > 0 && len(s.buffer) >= maxBytes
}

// take returns the buffered utterance and its start time in seconds, and
// resets the buffer. pcm is nil when no speech was buffered.
func (s *segmenter) take() (pcm []byte, startSec float64) {
	if !s.hadSpeech {
		s.buffer = nil
		return nil, 0
	}
	pcm = s.buffer
	startSec = float64(s.start) / float64(whisperSampleRate*audio.BitsPerSample/8)
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0
	return pcm, startSec
}

// transcribeFunc transcribes one 16 kHz utterance. Word timings must be
// shifted by offset seconds.
type transcribeFunc func(pcm []byte, offset float64) (words []types.Word, text string, err error)

// session implements recognizer.Recognizer on top of a segmenter and a
// batch transcribeFunc. Confined to one goroutine like every recognizer.
type session struct {
	sampleRate int
	seg        segmenter
	transcribe transcribeFunc
	release    func() error

	last   string
	closed bool
}

func newSession(sampleRate int, seg Segmentation, fn transcribeFunc, release func() error) *session {
	return &session{
		sampleRate: sampleRate,
		seg:        segmenter{cfg: seg.withDefaults()},
		transcribe: fn,
		release:    release,
		last:       emptyResult,
	}
}

const (
	emptyResult  = `{"text":""}`
	emptyPartial = `{"partial":""}`
)

// AcceptWaveform implements recognizer.Recognizer.
func (s *session) AcceptWaveform(pcm []byte) (bool, error) {
	if s.closed {
		return false, recognizer.ErrClosed
	}
	if s.sampleRate != whisperSampleRate {
		pcm = audio.ResampleMono16(pcm, s.sampleRate, whisperSampleRate)
	}
	if len(pcm) == 0 || !s.seg.push(pcm) {
		return false, nil
	}
	return true, s.flush()
}

// flush transcribes the buffered utterance into s.last.
func (s *session) flush() error {
	pcm, offset := s.seg.take()
	if pcm == nil {
		s.last = emptyResult
		return nil
	}
	words, text, err := s.transcribe(pcm, offset)
	if err != nil {
		s.last = emptyResult
		return err
	}
	s.last = encodeResult(words, text)
	return nil
}

// Result implements recognizer.Recognizer.
func (s *session) Result() (string, error) {
	if s.closed {
		return "", recognizer.ErrClosed
	}
	out := s.last
	s.last = emptyResult
	return out, nil
}

// PartialResult implements recognizer.Recognizer. whisper.cpp has no cheap
// incremental hypothesis, so partials are always empty.
func (s *session) PartialResult() (string, error) {
	if s.closed {
		return "", recognizer.ErrClosed
	}
	return emptyPartial, nil
}

// FinalResult implements recognizer.Recognizer.
func (s *session) FinalResult() (string, error) {
	if s.closed {
		return "", recognizer.ErrClosed
	}
	if err := s.flush(); err != nil {
		return "", err
	}
	return s.Result()
}

// Close implements recognizer.Recognizer.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.seg.buffer = nil
	if s.release != nil {
		return s.release()
	}
	return nil
}

func encodeResult(words []types.Word, text string) string {
	if text == "" && len(words) > 0 {
		parts := make([]string, len(words))
		for i, w := range words {
			parts[i] = w.Word
		}
		text = strings.Join(parts, " ")
	}
	b, err := json.Marshal(struct {
		Result []types.Word `json:"result,omitempty"`
		Text   string       `json:"text"`
	}{Result: words, Text: strings.TrimSpace(text)})
	if err != nil {
		return emptyResult
	}
	return string(b)
}

var _ recognizer.Recognizer = (*session)(nil)
