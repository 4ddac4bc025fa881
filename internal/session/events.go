package session

import (
	"errors"
	"fmt"
	"strconv"
)

// State is the lifecycle of the underlying transport.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// EventType enumerates everything the connection reports to its listener.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventError
	EventProgress
	EventAudioResult
	EventCropAck
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventProgress:
		return "progress"
	case EventAudioResult:
		return "audio_result"
	case EventCropAck:
		return "crop_ack"
	default:
		return "event(" + strconv.Itoa(int(t)) + ")"
	}
}

// Event is one typed notification from the connection.
type Event struct {
	Type EventType

	// EventAudioResult: Kind is the inbound event name (audio_processed,
	// music_continued or music_retried), AudioData its base64 payload.
	Kind       string
	AudioData  string
	SessionID  string
	HasSession bool

	// EventProgress
	Progress int

	// EventError
	Err error
}

// Listener consumes connection events. Only one is registered at a time
// and it is called from transport goroutines, so it must not block for long.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// HandleEvent calls f(ev).
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// ErrNotConnected is returned by Send while the state is not Connected.
var ErrNotConnected = errors.New("not connected")

// ConnectionError reports a transport failure.
type ConnectionError struct {
	Op  string // "dial", "handshake", "read", "write"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
