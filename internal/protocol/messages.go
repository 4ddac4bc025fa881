package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestKind names an outbound request event.
type RequestKind string

const (
	ProcessAudioRequest  RequestKind = "process_audio_request"
	ContinueMusicRequest RequestKind = "continue_music_request"
	RetryMusicRequest    RequestKind = "retry_music_request"
	UpdateCroppedAudio   RequestKind = "update_cropped_audio"
)

// Valid reports whether k is one of the four request events.
func (k RequestKind) Valid() bool {
	switch k {
	case ProcessAudioRequest, ContinueMusicRequest, RetryMusicRequest, UpdateCroppedAudio:
		return true
	}
	return false
}

// Inbound event names.
const (
	AudioProcessed       = "audio_processed"
	MusicContinued       = "music_continued"
	MusicRetried         = "music_retried"
	CroppedAudioComplete = "update_cropped_audio_complete"
	ProgressUpdate       = "progress_update"
)

// ProcessAudio is the process_audio_request payload.
type ProcessAudio struct {
	AudioData      string `json:"audio_data"`
	ModelName      string `json:"model_name"`
	PromptDuration int    `json:"prompt_duration"`
}

// ContinueMusic is the continue_music_request payload.
type ContinueMusic struct {
	AudioData      string `json:"audio_data"`
	ModelName      string `json:"model_name"`
	SessionID      string `json:"session_id"`
	PromptDuration int    `json:"prompt_duration"`
}

// RetryMusic is the retry_music_request payload.
type RetryMusic struct {
	SessionID      string `json:"session_id"`
	ModelName      string `json:"model_name"`
	PromptDuration int    `json:"prompt_duration"`
}

// CroppedAudio is the update_cropped_audio payload.
type CroppedAudio struct {
	AudioData string `json:"audio_data"`
	SessionID string `json:"session_id"`
}

// AudioResult is delivered by audio_processed, music_continued and music_retried.
type AudioResult struct {
	AudioData string  `json:"audio_data"`
	SessionID *string `json:"session_id,omitempty"`
}

// Progress is the progress_update payload.
type Progress struct {
	Progress int `json:"progress"`
}

// StringArg serialises payload to a JSON document and returns it as a
// string argument. The service parses request arguments as JSON strings.
func StringArg(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// DecodeArg unmarshals an event argument that is either a JSON object or a
// JSON string holding one.
func DecodeArg(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode string argument: %w", err)
		}
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode argument: %w", err)
	}
	return nil
}
