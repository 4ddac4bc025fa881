package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeEnginePackets(t *testing.T) {
	tests := []struct {
		frame string
		want  PacketType
	}{
		{`0{"sid":"abc","pingInterval":25000,"pingTimeout":20000}`, PacketOpen},
		{"1", PacketClose},
		{"2", PacketPing},
		{"3hello", PacketPong},
		{"6", PacketNoop},
		{"40", PacketConnect},
		{`40{"sid":"xyz"}`, PacketConnect},
		{"41", PacketDisconnect},
		{`44{"message":"nope"}`, PacketConnectError},
		{`42["progress_update",{"progress":5}]`, PacketEvent},
	}
	for _, tt := range tests {
		p, err := Decode([]byte(tt.frame))
		if err != nil {
			t.Errorf("Decode(%q): %v", tt.frame, err)
			continue
		}
		if p.Type != tt.want {
			t.Errorf("Decode(%q).Type = %s, want %s", tt.frame, p.Type, tt.want)
		}
	}
}

func TestDecodeHandshake(t *testing.T) {
	p, err := Decode([]byte(`0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var h Handshake
	if err := json.Unmarshal(p.Data, &h); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if h.SID != "abc" || h.PingInterval != 25000 || h.PingTimeout != 20000 || h.MaxPayload != 1000000 {
		t.Errorf("handshake = %+v", h)
	}
}

func TestDecodeEvent(t *testing.T) {
	p, err := Decode([]byte(`42["audio_processed",{"audio_data":"QUJD","session_id":"s1"}]`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Event != AudioProcessed {
		t.Errorf("Event = %q, want %q", p.Event, AudioProcessed)
	}
	if p.Namespace != "/" || p.AckID != -1 {
		t.Errorf("Namespace=%q AckID=%d, want / and -1", p.Namespace, p.AckID)
	}
	if len(p.Args) != 1 {
		t.Fatalf("len(Args) = %d, want 1", len(p.Args))
	}

	var res AudioResult
	if err := DecodeArg(p.Args[0], &res); err != nil {
		t.Fatalf("DecodeArg: %v", err)
	}
	if res.AudioData != "QUJD" || res.SessionID == nil || *res.SessionID != "s1" {
		t.Errorf("result = %+v", res)
	}
}

func TestDecodeEventNamespaceAndAck(t *testing.T) {
	p, err := Decode([]byte(`42/music,17["music_retried",{}]`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Namespace != "/music" || p.AckID != 17 || p.Event != MusicRetried {
		t.Errorf("packet = %+v", p)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, frame := range []string{"", "9", "4", "47", "42", `42[]`, `42[5]`, `42{"a":1}`} {
		if _, err := Decode([]byte(frame)); err == nil {
			t.Errorf("Decode(%q): expected error", frame)
		}
	}
}

func TestEncodeEvent(t *testing.T) {
	arg, err := StringArg(ProcessAudio{AudioData: "QUJD", ModelName: "modelX", PromptDuration: 6})
	if err != nil {
		t.Fatalf("StringArg: %v", err)
	}
	frame, err := EncodeEvent(string(ProcessAudioRequest), arg)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}

	want := `42["process_audio_request","{\"audio_data\":\"QUJD\",\"model_name\":\"modelX\",\"prompt_duration\":6}"]`
	if string(frame) != want {
		t.Errorf("frame = %s\nwant    %s", frame, want)
	}

	p, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var req ProcessAudio
	if err := DecodeArg(p.Args[0], &req); err != nil {
		t.Fatalf("DecodeArg: %v", err)
	}
	if req.ModelName != "modelX" || req.PromptDuration != 6 || req.AudioData != "QUJD" {
		t.Errorf("request = %+v", req)
	}
}

func TestPayloadFieldNames(t *testing.T) {
	tests := []struct {
		payload any
		want    string
	}{
		{ContinueMusic{AudioData: "A", ModelName: "m", SessionID: "s", PromptDuration: 3},
			`{"audio_data":"A","model_name":"m","session_id":"s","prompt_duration":3}`},
		{RetryMusic{SessionID: "s", ModelName: "m", PromptDuration: 15},
			`{"session_id":"s","model_name":"m","prompt_duration":15}`},
		{CroppedAudio{AudioData: "A", SessionID: "s"},
			`{"audio_data":"A","session_id":"s"}`},
	}
	for _, tt := range tests {
		got, err := StringArg(tt.payload)
		if err != nil {
			t.Fatalf("StringArg: %v", err)
		}
		if got != tt.want {
			t.Errorf("StringArg(%T) = %s, want %s", tt.payload, got, tt.want)
		}
	}
}

func TestAudioResultWithoutSession(t *testing.T) {
	var res AudioResult
	if err := DecodeArg(json.RawMessage(`"{\"audio_data\":\"QQ==\"}"`), &res); err != nil {
		t.Fatalf("DecodeArg: %v", err)
	}
	if res.SessionID != nil {
		t.Errorf("SessionID = %v, want nil", *res.SessionID)
	}
}

func TestRequestKindValid(t *testing.T) {
	for _, k := range []RequestKind{ProcessAudioRequest, ContinueMusicRequest, RetryMusicRequest, UpdateCroppedAudio} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if RequestKind("audio_processed").Valid() {
		t.Error("inbound event name accepted as request kind")
	}
}

func TestEncodeControlFrames(t *testing.T) {
	if got := string(EncodeConnect()); got != "40" {
		t.Errorf("connect = %q", got)
	}
	if got := string(EncodeDisconnect()); got != "41" {
		t.Errorf("disconnect = %q", got)
	}
	if got := string(EncodePong([]byte("hello"))); got != "3hello" {
		t.Errorf("pong = %q", got)
	}
	open, err := EncodeOpen(Handshake{SID: "x", PingInterval: 10, PingTimeout: 20})
	if err != nil {
		t.Fatalf("EncodeOpen: %v", err)
	}
	p, err := Decode(open)
	if err != nil || p.Type != PacketOpen {
		t.Errorf("decode open: %v %v", p.Type, err)
	}
}
