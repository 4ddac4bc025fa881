package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/satindergrewal/gary/internal/audio"
	"github.com/satindergrewal/gary/internal/protocol"
	"github.com/satindergrewal/gary/internal/results"
	"github.com/satindergrewal/gary/internal/session"
)

var (
	ErrNoInput             = errors.New("no input clip")
	ErrNoSession           = errors.New("no session")
	ErrNoPriorResult       = errors.New("no prior result to continue from")
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrTimeout             = errors.New("operation timed out")
	ErrDisconnected        = errors.New("connection lost")
	ErrClosed              = errors.New("orchestrator closed")
)

// State of the orchestrator.
type State int

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	if s == AwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OpKind tags an Operation.
type OpKind string

const (
	OpSubmit     OpKind = "submit"
	OpContinue   OpKind = "continue"
	OpRetry      OpKind = "retry"
	OpUpdateCrop OpKind = "update_crop"
)

// Operation is the request currently in flight.
type Operation struct {
	Kind           OpKind     `json:"kind"`
	ModelName      string     `json:"model_name,omitempty"`
	PromptDuration int        `json:"prompt_duration,omitempty"`
	Clip           audio.Clip `json:"-"`
	Started        time.Time  `json:"started"`
}

// pending is the orchestrator's private view of the in-flight operation.
type pending struct {
	Operation
	sent  bool
	err   error // set when the operation was failed before its send
	timer *time.Timer
}

// Transport is the slice of session.Connection the orchestrator drives.
type Transport interface {
	Connect(ctx context.Context) error
	Close()
	State() session.State
	SetListener(session.Listener)
	Send(kind protocol.RequestKind, payload any) error
}

// ResultStore holds every received result. Latest returns
// results.ErrNotFound when nothing has been stored.
type ResultStore interface {
	Save(ctx context.Context, kind results.Kind, sessionID string, data []byte) (results.Record, error)
	Latest(ctx context.Context) (results.Record, error)
	Data(ctx context.Context, id int64) ([]byte, error)
	Clear(ctx context.Context) error
}

// Observer is told about operation lifecycle and connection changes.
type Observer interface {
	OperationStarted(kind string)
	OperationFinished(kind string, err error, elapsed time.Duration)
	ProgressChanged(percent int)
	ConnectionChanged(state string)
	ResultStored(kind string)
}

type nopObserver struct{}

func (nopObserver) OperationStarted(string) {}
func (nopObserver) OperationFinished(string, error, time.Duration) {}
func (nopObserver) ProgressChanged(int) {}
func (nopObserver) ConnectionChanged(string) {}
func (nopObserver) ResultStored(string) {}
