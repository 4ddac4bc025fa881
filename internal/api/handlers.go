package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/satindergrewal/gary/internal/audio"
	"github.com/satindergrewal/gary/internal/config"
	"github.com/satindergrewal/gary/internal/orchestrator"
	"github.com/satindergrewal/gary/internal/results"
)

const maxUpload = 64 << 20

type playerView struct {
	TrackID  string  `json:"track_id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
	Playing  bool    `json:"playing"`
}

type statusResponse struct {
	orchestrator.Snapshot
	Settings  config.Settings `json:"settings"`
	Player    *playerView     `json:"player,omitempty"`
	Listeners int             `json:"listeners"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := statusResponse{
		Snapshot: s.Orchestrator.Snapshot(),
		Settings: s.Settings.Get(),
	}
	if s.Player != nil {
		st := s.Player.Status()
		resp.Player = &playerView{
			TrackID:  st.Track.ID,
			Name:     st.Track.Name,
			Position: st.Position.Seconds(),
			Duration: st.Duration.Seconds(),
			Playing:  st.Playing,
		}
	}
	if s.Listeners != nil {
		resp.Listeners = s.Listeners()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.Orchestrator.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.Snapshot())
}

// generateRequest overrides the stored settings for a single operation.
type generateRequest struct {
	ModelName      *string `json:"model_name" validate:"omitnil,min=1"`
	PromptDuration *int    `json:"prompt_duration" validate:"omitnil,min=1,max=15"`
}

// settingsFor merges req over the current settings.
func (s *Server) settingsFor(req generateRequest) (config.Settings, error) {
	if err := s.validate.Struct(req); err != nil {
		return config.Settings{}, fmt.Errorf("%w: %v", config.ErrInvalidSettings, err)
	}
	st := s.Settings.Get()
	if req.ModelName != nil {
		st.ModelName = *req.ModelName
	}
	if req.PromptDuration != nil {
		st.PromptDuration = *req.PromptDuration
	}
	return st, nil
}

// decodeOptional reads a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidSettings, err)
	}
	return nil
}

// handleSubmit accepts a multipart upload in field "audio", or the raw file
// as the request body with its name in ?name=. Generation overrides come
// from form values or query parameters.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	clip, err := readClip(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req generateRequest
	if v := r.FormValue("model_name"); v != "" {
		req.ModelName = &v
	}
	if v := r.FormValue("prompt_duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid prompt_duration"})
			return
		}
		req.PromptDuration = &n
	}
	st, err := s.settingsFor(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Orchestrator.Submit(r.Context(), clip, st.ModelName, st.PromptDuration); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Orchestrator.Snapshot())
}

func readClip(r *http.Request) (audio.Clip, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return audio.Clip{}, fmt.Errorf("invalid multipart form: %w", err)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			return audio.Clip{}, fmt.Errorf("missing audio file: %w", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("read upload: %w", err)
		}
		return audio.FromBytes(data, filepath.Base(header.Filename)), nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUpload))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("read body: %w", err)
	}
	return audio.FromBytes(data, r.URL.Query().Get("name")), nil
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	s.generate(w, r, s.Orchestrator.Continue)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.generate(w, r, s.Orchestrator.Retry)
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request, start func(ctx context.Context, model string, promptDuration int) error) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req generateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.settingsFor(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := start(r.Context(), st.ModelName, st.PromptDuration); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Orchestrator.Snapshot())
}

type cropRequest struct {
	Elapsed *float64 `json:"elapsed" validate:"omitnil,gte=0"`
}

// handleCrop crops the latest result at the given playback position, or at
// the preview player's position when none is given.
func (s *Server) handleCrop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req cropRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var elapsed float64
	switch {
	case req.Elapsed != nil:
		elapsed = *req.Elapsed
	case s.Player != nil:
		elapsed = s.Player.Status().Position.Seconds()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "elapsed required"})
		return
	}

	rec, err := s.Orchestrator.CropLatest(r.Context(), elapsed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// handleCropAudio sends an already cropped clip, uploaded like a submit.
func (s *Server) handleCropAudio(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	clip, err := readClip(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.Orchestrator.UpdateCrop(r.Context(), clip); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Orchestrator.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.Player != nil {
		s.Player.Stop()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}
		recs, err := s.Results.List(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	case http.MethodDelete:
		if err := s.Orchestrator.ClearHistory(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "GET or DELETE required", http.StatusMethodNotAllowed)
	}
}

// handleResult serves /api/results/latest and /api/results/{id}. GET
// returns the WAV file; ?download=1 marks it as an attachment for sharing.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/results/")
	if key == "" || strings.Contains(key, "/") {
		http.NotFound(w, r)
		return
	}

	var id int64
	if key != "latest" {
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		id = n
	}

	switch r.Method {
	case http.MethodGet:
		var rec results.Record
		var err error
		if key == "latest" {
			rec, err = s.Results.Latest(r.Context())
		} else {
			rec, err = s.Results.Get(r.Context(), id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		if r.URL.Query().Get("download") != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name))
		}
		http.ServeFile(w, r, rec.Path)
	case http.MethodDelete:
		if key == "latest" {
			http.Error(w, "DELETE requires an id", http.StatusMethodNotAllowed)
			return
		}
		if err := s.Results.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "GET or DELETE required", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Settings.Get())
	case http.MethodPost, http.MethodPut:
		var req generateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		st, err := s.settingsFor(req)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.Settings.Update(st); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Settings.Get())
	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}
