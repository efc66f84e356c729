package instance

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxscribe/pkg/recognizer"
)

// modelHandle wraps a loaded model. It is only touched by worker tasks, one
// at a time, so it carries no lock.
type modelHandle struct {
	path       string
	model      recognizer.Model
	log        *slog.Logger
	released   bool
	dependents map[*recognizerHandle]struct{}
}

func newModelHandle(path string, m recognizer.Model, log *slog.Logger) *modelHandle {
	return &modelHandle{
		path:       path,
		model:      m,
		log:        log,
		dependents: make(map[*recognizerHandle]struct{}),
	}
}

// newRecognizer opens a recognizer bound to this model.
func (m *modelHandle) newRecognizer(sampleRate int) (*recognizerHandle, error) {
	if m.released {
		return nil, fmt.Errorf("model %q: %w", m.path, recognizer.ErrClosed)
	}
	r, err := m.model.NewRecognizer(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create recognizer at %d Hz: %w", sampleRate, err)
	}
	h := &recognizerHandle{parent: m, rec: r, sampleRate: sampleRate, log: m.log}
	m.dependents[h] = struct{}{}
	return h, nil
}

// release closes the model. Recognizers still bound to it are released
// first. Releasing twice is a no-op.
func (m *modelHandle) release() error {
	if m.released {
		return nil
	}
	var errs []error
	for h := range m.dependents {
		m.log.Warn("releasing recognizer still bound to model", "model", m.path, "sample_rate", h.sampleRate)
		errs = append(errs, h.release())
	}
	m.released = true
	if err := m.model.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close model %q: %w", m.path, err))
	}
	return errors.Join(errs...)
}

// recognizerHandle wraps an open recognizer session.
type recognizerHandle struct {
	parent     *modelHandle
	rec        recognizer.Recognizer
	sampleRate int
	log        *slog.Logger
	released   bool
}

// release closes the recognizer exactly once.
func (r *recognizerHandle) release() error {
	if r.released {
		r.log.Debug("recognizer already released", "sample_rate", r.sampleRate)
		return nil
	}
	r.released = true
	delete(r.parent.dependents, r)
	if err := r.rec.Close(); err != nil {
		return fmt.Errorf("close recognizer: %w", err)
	}
	return nil
}
