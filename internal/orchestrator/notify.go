package orchestrator

import (
	"sync"

	"github.com/satindergrewal/gary/internal/results"
	"github.com/satindergrewal/gary/internal/session"
)

// NoteType enumerates notifications pushed to subscribers.
type NoteType string

const (
	NoteStarted    NoteType = "started"
	NoteProgress   NoteType = "progress"
	NoteCompleted  NoteType = "completed"
	NoteFailed     NoteType = "failed"
	NoteResult     NoteType = "result" // stored without a matching operation
	NoteConnection NoteType = "connection"
)

// Notification is one observable change.
type Notification struct {
	Type       NoteType        `json:"type"`
	Op         OpKind          `json:"op,omitempty"`
	Progress   int             `json:"progress,omitempty"`
	Result     *results.Record `json:"result,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Connection string          `json:"connection,omitempty"`
	Error      string          `json:"error,omitempty"`
	Err        error           `json:"-"`
}

// hub fans notifications out to subscribers. Slow subscribers miss
// notifications rather than stall the orchestrator.
type hub struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

func (h *hub) subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan Notification]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(n Notification) {
	if n.Err != nil {
		n.Error = n.Err.Error()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func connectionNote(s session.State) Notification {
	return Notification{Type: NoteConnection, Connection: s.String()}
}
