package control

import (
	"errors"

	"github.com/MrWong99/voxscribe/internal/instance"
	"github.com/MrWong99/voxscribe/internal/registry"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// Methods handled by the connection itself rather than the registry.
const (
	MethodListen = "listen"
	MethodCancel = "cancel"
)

// Message types sent to clients.
const (
	TypeAck        = "ack"
	TypeError      = "error"
	TypeTranscript = "transcript"
	TypeFailure    = "failure"
)

// Reply kinds for requests rejected before reaching an instance.
const (
	KindInvalidRequest  = "invalid_request"
	KindUnknownInstance = "unknown_instance"
	KindUnknownMethod   = "unknown_method"
	KindDisconnected    = "disconnected"
	KindShutdown        = "shutdown"
)

// Request is one client command. ID is echoed in the reply.
type Request struct {
	ID       int64           `json:"id"`
	Instance int64           `json:"instance"`
	Method   string          `json:"method"`
	Params   registry.Params `json:"params"`
}

// Message is every server-to-client frame. Type selects which fields are set.
type Message struct {
	Type     string                 `json:"type"`
	ID       int64                  `json:"id,omitempty"`
	Instance int64                  `json:"instance,omitempty"`
	Kind     string                 `json:"kind,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Result   any                    `json:"result,omitempty"`
	Event    *types.TranscriptEvent `json:"event,omitempty"`
	Failure  *types.Failure         `json:"failure,omitempty"`
}

func ack(id int64, result any) Message {
	return Message{Type: TypeAck, ID: id, Result: result}
}

func replyError(id int64, err error) Message {
	return Message{Type: TypeError, ID: id, Kind: errorKind(err), Message: err.Error()}
}

// errorKind maps a synchronous command error to its reply kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownInstance):
		return KindUnknownInstance
	case errors.Is(err, registry.ErrUnknownMethod):
		return KindUnknownMethod
	case errors.Is(err, registry.ErrInvalidParams):
		return KindInvalidRequest
	case errors.Is(err, registry.ErrShutdown):
		return KindShutdown
	case errors.Is(err, instance.ErrDisconnected):
		return KindDisconnected
	default:
		return string(instance.KindOf(err))
	}
}
