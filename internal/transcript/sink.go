// Package transcript writes recognized text to transcript files.
//
// A transcript file is UTF-8 text made of blocks separated by exactly one
// blank line, with no separator before the first block. A block is the text
// of one full or final result. Partial and empty results are never written.
package transcript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MrWong99/voxscribe/pkg/types"
)

// ErrClosed is returned by [Sink.Write] after Close or Discard.
var ErrClosed = errors.New("transcript: sink is closed")

// BlockRecorder mirrors transcript files somewhere else, for example a
// database archive. Errors are logged and never fail the write.
type BlockRecorder interface {
	// RecordBlock is called after block number seq (0-based) of the
	// transcript at path has been written.
	RecordBlock(ctx context.Context, path string, seq int, text string) error

	// DiscardTranscript is called after the transcript at path was deleted.
	DiscardTranscript(ctx context.Context, path string) error
}

// Option configures a [Sink].
type Option func(*Sink)

// WithRecorder mirrors every block to r.
func WithRecorder(r BlockRecorder) Option {
	return func(s *Sink) { s.recorder = r }
}

// WithLogger sets the logger used for recorder failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// Sink appends result blocks to one transcript file. It is owned by a single
// worker goroutine and is not safe for concurrent use.
type Sink struct {
	path      string
	f         *os.File
	w         *bufio.Writer
	blocks    int
	closed    bool
	discarded bool
	recorder  BlockRecorder
	log       *slog.Logger
}

// Open creates or truncates the transcript at path, creating missing parent
// directories.
func Open(path string, opts ...Option) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create directory for %q: %w", path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %q: %w", path, err)
	}
	s := &Sink{
		path: path,
		f:    f,
		w:    bufio.NewWriter(f),
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Path returns the destination path.
func (s *Sink) Path() string { return s.path }

// Blocks returns the number of blocks written so far.
func (s *Sink) Blocks() int { return s.blocks }

// Write appends ev.Text as a new block. Partial and empty results are
// ignored. Each block is flushed to the file before Write returns.
func (s *Sink) Write(ctx context.Context, ev types.TranscriptEvent) error {
	if ev.Kind == types.ResultPartial || ev.Text == "" {
		return nil
	}
	if s.closed {
		return ErrClosed
	}
	if s.blocks > 0 {
		if _, err := s.w.WriteString("\n\n"); err != nil {
			return fmt.Errorf("transcript: write %q: %w", s.path, err)
		}
	}
	if _, err := s.w.WriteString(ev.Text); err != nil {
		return fmt.Errorf("transcript: write %q: %w", s.path, err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("transcript: flush %q: %w", s.path, err)
	}
	seq := s.blocks
	s.blocks++

	if s.recorder != nil {
		if err := s.recorder.RecordBlock(ctx, s.path, seq, ev.Text); err != nil {
			s.log.Warn("transcript: failed to record block", "path", s.path, "seq", seq, "err", err)
		}
	}
	return nil
}

// Close flushes and closes the file. Closing twice is a no-op.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("transcript: close %q: %w", s.path, err)
	}
	return nil
}

// Discard closes and deletes the transcript. It is used when a transcript is
// abandoned mid-feed. Discarding twice is a no-op.
func (s *Sink) Discard(ctx context.Context) error {
	if s.discarded {
		return nil
	}
	s.discarded = true
	closeErr := s.Close()
	rmErr := os.Remove(s.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	if rmErr != nil {
		rmErr = fmt.Errorf("transcript: remove %q: %w", s.path, rmErr)
	}
	if s.recorder != nil {
		if err := s.recorder.DiscardTranscript(context.WithoutCancel(ctx), s.path); err != nil {
			s.log.Warn("transcript: failed to discard recorded blocks", "path", s.path, "err", err)
		}
	}
	return errors.Join(closeErr, rmErr)
}
