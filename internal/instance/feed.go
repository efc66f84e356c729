package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MrWong99/voxscribe/internal/future"
	"github.com/MrWong99/voxscribe/internal/result"
	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// await returns the outcome of f. Settled futures are read even when ctx is
// already cancelled, so cleanup tasks can still release what they own.
func await[T any](ctx context.Context, f *future.Future[T]) (T, error) {
	if f.Ready() {
		return f.Await(context.Background())
	}
	return f.Await(ctx)
}

// awaitModel returns the model of f or an [ErrResource] error when the
// model failed to load.
func awaitModel(ctx context.Context, f *future.Future[*modelHandle]) (*modelHandle, error) {
	h, err := await(ctx, f)
	if err != nil {
		if ctx.Err() != nil && !f.Ready() {
			return nil, fmt.Errorf("%w: waiting for model: %w", ErrCancelled, err)
		}
		return nil, fmt.Errorf("%w: model unavailable: %v", ErrResource, err)
	}
	if h.released {
		return nil, fmt.Errorf("%w: model %q released", ErrResource, h.path)
	}
	return h, nil
}

// awaitRecognizer returns the recognizer of f or an [ErrResource] error when
// it could not be created.
func awaitRecognizer(ctx context.Context, f *future.Future[*recognizerHandle]) (*recognizerHandle, error) {
	h, err := await(ctx, f)
	if err != nil {
		if ctx.Err() != nil && !f.Ready() {
			return nil, fmt.Errorf("%w: waiting for recognizer: %w", ErrCancelled, err)
		}
		return nil, fmt.Errorf("%w: recognizer unavailable: %v", ErrResource, err)
	}
	if h.released {
		return nil, fmt.Errorf("%w: recognizer released", ErrResource)
	}
	return h, nil
}

// releaseRecognizer releases the recognizer of f, if it was created.
func releaseRecognizer(ctx context.Context, f *future.Future[*recognizerHandle]) error {
	if f == nil {
		return nil
	}
	h, err := await(ctx, f)
	if err != nil {
		return nil
	}
	if err := h.release(); err != nil {
		return fmt.Errorf("%w: %w", ErrResource, err)
	}
	return nil
}

// accept feeds one chunk. On an endpoint the full result is written to sink
// and, with post set, published. Otherwise the partial result is published
// when post is set; partials are never written.
func (i *Instance) accept(ctx context.Context, h *recognizerHandle, sink *transcript.Sink, pcm []byte, post bool, source types.SourceKind, progress *float64) error {
	endpoint, err := h.rec.AcceptWaveform(pcm)
	if err != nil {
		return fmt.Errorf("%w: accept waveform: %w", ErrResource, err)
	}

	if endpoint {
		raw, err := h.rec.Result()
		if err != nil {
			return fmt.Errorf("%w: read result: %w", ErrResource, err)
		}
		p, err := result.Full(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedResult, err)
		}
		if p.Empty() {
			return nil
		}
		ev := p.Event(types.ResultFull, source, progress)
		if err := i.write(ctx, sink, ev); err != nil {
			return err
		}
		if post {
			i.events.Publish(ev)
		}
		return nil
	}

	if !post {
		return nil
	}
	raw, err := h.rec.PartialResult()
	if err != nil {
		return fmt.Errorf("%w: read partial result: %w", ErrResource, err)
	}
	p, err := result.Partial(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	if !p.Empty() {
		i.events.Publish(p.Event(types.ResultPartial, source, progress))
	}
	return nil
}

func (i *Instance) write(ctx context.Context, sink *transcript.Sink, ev types.TranscriptEvent) error {
	if sink == nil {
		return nil
	}
	if err := sink.Write(ctx, ev); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystem, err)
	}
	i.metrics.RecordBlock(ctx)
	return nil
}

// feedFile streams the file at path through the recognizer in fixed-size
// chunks after skipping the header. Cancellation is checked between chunks;
// a cancelled feed deletes the transcript.
func (i *Instance) feedFile(ctx context.Context, rf *future.Future[*recognizerHandle], sink *transcript.Sink, path string, post bool) error {
	h, err := awaitRecognizer(ctx, rf)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return i.abandon(ctx, sink, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open audio %q: %w", ErrFileSystem, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat audio %q: %w", ErrFileSystem, path, err)
	}
	total := info.Size() - i.headerBytes
	if _, err := f.Seek(i.headerBytes, io.SeekStart); err != nil {
		return fmt.Errorf("%w: skip header of %q: %w", ErrFileSystem, path, err)
	}

	buf := make([]byte, i.chunkBytes)
	var consumed int64
	for {
		if ctx.Err() != nil {
			return i.abandon(ctx, sink, path)
		}
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			consumed += int64(n)
			progress := types.Progress(fileProgress(consumed, total))
			if err := i.accept(ctx, h, sink, buf[:n], post, types.SourceFile, progress); err != nil {
				return err
			}
		}
		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			i.log.Debug("audio file consumed", "path", path, "bytes", consumed)
			return nil
		default:
			return fmt.Errorf("%w: read audio %q: %w", ErrFileSystem, path, readErr)
		}
	}
}

// fileProgress returns consumed/total clamped to [0, 1]. Files holding no
// audio after the header count as complete.
func fileProgress(consumed, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return min(float64(consumed)/float64(total), 1)
}

// abandon deletes the transcript of a cancelled feed.
func (i *Instance) abandon(ctx context.Context, sink *transcript.Sink, path string) error {
	if sink != nil {
		if err := sink.Discard(ctx); err != nil {
			i.log.Warn("failed to discard transcript", "path", sink.Path(), "err", err)
		} else {
			i.log.Info("transcript discarded", "path", sink.Path(), "reason", "feed cancelled")
		}
	}
	return fmt.Errorf("%w: feed file %q: %w", ErrCancelled, path, context.Cause(ctx))
}

// finish flushes the recognizer, writes and publishes the final result, then
// releases the recognizer and closes sink. Cleanup runs on every path.
func (i *Instance) finish(ctx context.Context, gen int, rf *future.Future[*recognizerHandle], sink *transcript.Sink, post bool) (err error) {
	defer func() {
		if cerr := closeSink(sink); cerr != nil {
			err = errors.Join(err, cerr)
		}
		i.advance(gen, StateRecognizerClosed)
	}()

	h, err := awaitRecognizer(ctx, rf)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrResource, rerr))
		}
	}()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: finish transcript: %w", ErrCancelled, err)
	}

	raw, err := h.rec.FinalResult()
	if err != nil {
		return fmt.Errorf("%w: read final result: %w", ErrResource, err)
	}
	p, err := result.Final(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	ev := p.Event(types.ResultFinal, types.SourceNone, types.Progress(1))
	if !p.Empty() {
		if err := i.write(ctx, sink, ev); err != nil {
			return err
		}
	}
	if post {
		i.events.Publish(ev)
	}
	return nil
}
