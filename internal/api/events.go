package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleEvents streams orchestrator notifications as server-sent events.
// The current snapshot is sent first as a "status" event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	notes, unsubscribe := s.Orchestrator.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.Write([]byte(": ok\n\n"))
	if b, err := json.Marshal(s.Orchestrator.Snapshot()); err == nil {
		writeEvent(w, "status", b)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case n, ok := <-notes:
			if !ok {
				return
			}
			b, err := json.Marshal(n)
			if err != nil {
				continue
			}
			writeEvent(w, string(n.Type), b)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) {
	w.Write([]byte("event: " + name + "\ndata: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}
