package instance

import "github.com/MrWong99/voxscribe/internal/future"

// State is the lifecycle state of an [Instance].
type State int

const (
	StateIdle State = iota
	StateModelPending
	StateModelReady
	StateRecognizerPending
	StateRecognizerReady
	StateFeeding
	StateFinalizing
	StateRecognizerClosed
	StateModelClosed
	StateDisconnected
	StateForceTerminated
)

var stateNames = [...]string{
	"idle",
	"model_pending",
	"model_ready",
	"recognizer_pending",
	"recognizer_ready",
	"feeding",
	"finalizing",
	"recognizer_closed",
	"model_closed",
	"disconnected",
	"force_terminated",
}

// String returns the snake_case name of s.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Handle states reported in [Status].
const (
	HandleAbsent  = "absent"
	HandlePending = "pending"
	HandleReady   = "ready"
	HandleFailed  = "failed"
)

// Status is a point-in-time snapshot of an instance.
type Status struct {
	ID         int64  `json:"id"`
	State      State  `json:"state"`
	Generation int    `json:"generation"`
	Worker     bool   `json:"worker"`
	Pending    int    `json:"pending"`
	Model      string `json:"model"`
	ModelPath  string `json:"modelPath,omitempty"`
	Recognizer string `json:"recognizer"`
	Transcript string `json:"transcript,omitempty"`
	Listeners  int    `json:"listeners"`
}

func handleState[T any](f *future.Future[T]) string {
	switch {
	case f == nil:
		return HandleAbsent
	case !f.Ready():
		return HandlePending
	case f.Err() != nil:
		return HandleFailed
	default:
		return HandleReady
	}
}
