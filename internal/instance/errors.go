package instance

import (
	"context"
	"errors"

	"github.com/MrWong99/voxscribe/internal/result"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// Sentinel errors. Task errors wrap exactly one of the first four; use
// [KindOf] to classify them.
var (
	// ErrResource means a model or recognizer was unavailable when required,
	// or the engine refused an operation.
	ErrResource = errors.New("instance: resource unavailable")

	// ErrFileSystem means a file could not be opened, read, created or
	// written.
	ErrFileSystem = errors.New("instance: file system error")

	// ErrMalformedResult means the engine returned result data that could
	// not be parsed.
	ErrMalformedResult = errors.New("instance: malformed recognizer result")

	// ErrCancelled means the task was aborted by a forced drain.
	ErrCancelled = errors.New("instance: task cancelled")

	// ErrDisconnected is returned by every operation after Disconnect.
	ErrDisconnected = errors.New("instance: disconnected")
)

// KindOf classifies err. Errors that match none of the sentinels, including
// recovered panics, are reported as [types.KindResource].
func KindOf(err error) types.ErrorKind {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return types.KindCancelled
	case errors.Is(err, ErrFileSystem):
		return types.KindFileSystem
	case errors.Is(err, ErrMalformedResult), errors.Is(err, result.ErrMalformed):
		return types.KindMalformedResult
	default:
		return types.KindResource
	}
}
