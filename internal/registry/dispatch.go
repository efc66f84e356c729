package registry

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxscribe/internal/instance"
	"github.com/MrWong99/voxscribe/internal/observe"
)

// Method names accepted by [Registry.Dispatch].
const (
	MethodCreateInstance      = "createInstance"
	MethodRemoveInstance      = "removeInstance"
	MethodListInstances       = "listInstances"
	MethodStatus              = "status"
	MethodAllocate            = "allocateWorker"
	MethodDeallocate          = "deallocateWorker"
	MethodTerminate           = "terminateWorker"
	MethodOpenModel           = "openModel"
	MethodCloseModel          = "closeModel"
	MethodCreateRecognizer    = "createRecognizer"
	MethodStartTranscript     = "startTranscript"
	MethodFeedBuffer          = "feedBuffer"
	MethodFeedFile            = "feedFile"
	MethodFinishTranscript    = "finishTranscript"
	MethodTerminateTranscript = "terminateTranscript"
	MethodCloseResources      = "closeResources"
	MethodDisconnect          = "disconnect"
)

// Params is the union of all command parameters. Each method reads only the
// fields it needs.
type Params struct {
	// Path is the model path for openModel and the audio path for feedFile.
	Path string `json:"path,omitempty"`
	// Destination is the transcript path for startTranscript.
	Destination string `json:"destination,omitempty"`
	// SampleRate is used by startTranscript and createRecognizer.
	SampleRate int `json:"sampleRate,omitempty"`
	// Bytes is 16-bit mono PCM for feedBuffer, base64 in JSON.
	Bytes []byte `json:"bytes,omitempty"`
	// Post requests transcript events from feed and finish commands.
	Post bool `json:"post,omitempty"`
	// Force selects a forced drain for closeResources.
	Force bool `json:"force,omitempty"`
}

// Command is one request routed by [Registry.Dispatch].
type Command struct {
	Instance int64
	Method   string
	Params   Params
}

// Dispatch runs cmd and returns its result, if any. Instance operations only
// queue work; their failures arrive later as failure events.
func (r *Registry) Dispatch(ctx context.Context, cmd Command) (any, error) {
	_, span := observe.StartSpan(ctx, "registry.dispatch "+cmd.Method)
	defer span.End()

	switch cmd.Method {
	case MethodCreateInstance:
		_, _, err := r.Create(cmd.Instance)
		return nil, err
	case MethodRemoveInstance:
		return nil, r.Remove(cmd.Instance)
	case MethodListInstances:
		ids := r.IDs()
		out := make([]instance.Status, 0, len(ids))
		for _, id := range ids {
			if inst, ok := r.Get(id); ok {
				out = append(out, inst.Status())
			}
		}
		return out, nil
	}

	inst, ok := r.Get(cmd.Instance)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInstance, cmd.Instance)
	}
	p := cmd.Params

	switch cmd.Method {
	case MethodStatus:
		return inst.Status(), nil
	case MethodAllocate:
		return nil, inst.Allocate()
	case MethodDeallocate:
		return nil, inst.Deallocate()
	case MethodTerminate:
		return nil, inst.Terminate()
	case MethodOpenModel:
		if p.Path == "" {
			return nil, fmt.Errorf("%w: openModel requires path", ErrInvalidParams)
		}
		return nil, inst.OpenModel(p.Path)
	case MethodCloseModel:
		return nil, inst.CloseModel()
	case MethodCreateRecognizer:
		if p.SampleRate <= 0 {
			return nil, fmt.Errorf("%w: createRecognizer requires a positive sampleRate", ErrInvalidParams)
		}
		return nil, inst.CreateRecognizer(p.SampleRate)
	case MethodStartTranscript:
		if p.Destination == "" || p.SampleRate <= 0 {
			return nil, fmt.Errorf("%w: startTranscript requires destination and a positive sampleRate", ErrInvalidParams)
		}
		return nil, inst.StartTranscript(p.Destination, p.SampleRate)
	case MethodFeedBuffer:
		return nil, inst.FeedBuffer(p.Bytes, p.Post)
	case MethodFeedFile:
		if p.Path == "" {
			return nil, fmt.Errorf("%w: feedFile requires path", ErrInvalidParams)
		}
		return nil, inst.FeedFile(p.Path, p.Post)
	case MethodFinishTranscript:
		return nil, inst.FinishTranscript(p.Post)
	case MethodTerminateTranscript:
		return nil, inst.TerminateTranscript()
	case MethodCloseResources:
		return nil, inst.CloseResources(p.Force)
	case MethodDisconnect:
		inst.Disconnect()
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, cmd.Method)
	}
}
