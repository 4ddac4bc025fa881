// Package api is the local HTTP control surface: it drives the orchestrator,
// exposes results and settings, and streams notifications as server-sent
// events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/satindergrewal/gary/internal/audio"
	"github.com/satindergrewal/gary/internal/config"
	"github.com/satindergrewal/gary/internal/orchestrator"
	"github.com/satindergrewal/gary/internal/results"
	"github.com/satindergrewal/gary/internal/session"
)

// Orchestrator is what the API drives.
type Orchestrator interface {
	Submit(ctx context.Context, clip audio.Clip, model string, promptDuration int) error
	Continue(ctx context.Context, model string, promptDuration int) error
	Retry(ctx context.Context, model string, promptDuration int) error
	UpdateCrop(ctx context.Context, clip audio.Clip) error
	CropLatest(ctx context.Context, elapsed float64) (results.Record, error)
	Connect(ctx context.Context) error
	ClearHistory(ctx context.Context) error
	Snapshot() orchestrator.Snapshot
	Subscribe() (<-chan orchestrator.Notification, func())
}

// Results lists and serves stored results.
type Results interface {
	List(ctx context.Context, limit int) ([]results.Record, error)
	Latest(ctx context.Context) (results.Record, error)
	Get(ctx context.Context, id int64) (results.Record, error)
	Delete(ctx context.Context, id int64) error
}

// Settings provides and persists the user's generation settings.
type Settings interface {
	Get() config.Settings
	Update(config.Settings) error
}

// Player is the preview player.
type Player interface {
	Status() audio.PlayerStatus
	Stop()
}

// Recorder records request metrics.
type Recorder interface {
	RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64)
}

// Deps are the collaborators of a Server. Player, Listeners and Metrics are
// optional.
type Deps struct {
	Orchestrator Orchestrator
	Results      Results
	Settings     Settings
	Player       Player
	Listeners    func() int
	Metrics      Recorder
}

// Server serves the API.
type Server struct {
	Deps
	validate  *validator.Validate
	mux       *http.ServeMux
	heartbeat time.Duration
}

// New builds the API routes.
func New(d Deps) *Server {
	s := &Server{Deps: d, validate: validator.New(), mux: http.NewServeMux(), heartbeat: 25 * time.Second}

	s.handle("/api/status", s.handleStatus)
	s.handle("/api/connect", s.handleConnect)
	s.handle("/api/submit", s.handleSubmit)
	s.handle("/api/continue", s.handleContinue)
	s.handle("/api/retry", s.handleRetry)
	s.handle("/api/crop", s.handleCrop)
	s.handle("/api/crop/audio", s.handleCropAudio)
	s.handle("/api/results", s.handleResults)
	s.handle("/api/results/", s.handleResult)
	s.handle("/api/settings", s.handleSettings)
	s.handle("/api/stop", s.handleStop)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	return s
}

// Handle mounts an extra handler, e.g. the preview streams or /metrics.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if s.Metrics == nil {
			h(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.Metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("API error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ce *session.ConnectionError
	switch {
	case errors.Is(err, orchestrator.ErrOperationInProgress),
		errors.Is(err, orchestrator.ErrNoSession),
		errors.Is(err, orchestrator.ErrNoPriorResult):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoInput),
		errors.Is(err, audio.ErrEmptyCrop),
		errors.Is(err, config.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrConversion), errors.Is(err, audio.ErrNotPCM):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotConnected), errors.As(err, &ce):
		return http.StatusServiceUnavailable
	case errors.Is(err, results.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, methods[0]+" required", http.StatusMethodNotAllowed)
	return false
}
