package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/gary/internal/audio"
	"github.com/satindergrewal/gary/internal/protocol"
	"github.com/satindergrewal/gary/internal/results"
	"github.com/satindergrewal/gary/internal/session"
)

type request struct {
	kind    protocol.RequestKind
	payload any
}

// fakeConn records sends and lets tests inject connection events.
type fakeConn struct {
	mu       sync.Mutex
	state    session.State
	listener session.Listener
	sends    []request
	sendErr  error
	closed   bool
	writing  chan struct{} // when set, Send signals here and then waits on release
	release  chan struct{}
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	f.state = session.Connected
	f.mu.Unlock()
	f.emit(session.Event{Type: session.EventConnected})
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.listener = nil
	f.state = session.Disconnected
	f.mu.Unlock()
}

func (f *fakeConn) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) SetListener(l session.Listener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

func (f *fakeConn) Send(kind protocol.RequestKind, payload any) error {
	if f.writing != nil {
		f.writing <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.Connected {
		return session.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, request{kind, payload})
	return nil
}

func (f *fakeConn) emit(ev session.Event) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.HandleEvent(ev)
	}
}

func (f *fakeConn) sent() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.sends...)
}

// memStore is an in-memory ResultStore.
type memStore struct {
	mu   sync.Mutex
	recs []results.Record
	data map[int64][]byte
	err  error
}

func (m *memStore) Save(_ context.Context, kind results.Kind, sid string, data []byte) (results.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return results.Record{}, m.err
	}
	if m.data == nil {
		m.data = make(map[int64][]byte)
	}
	rec := results.Record{ID: int64(len(m.recs) + 1), Kind: kind, SessionID: sid, Size: int64(len(data)), CreatedAt: time.Now()}
	m.recs = append(m.recs, rec)
	m.data[rec.ID] = append([]byte(nil), data...)
	return rec, nil
}

func (m *memStore) Latest(context.Context) (results.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == 0 {
		return results.Record{}, results.ErrNotFound
	}
	return m.recs[len(m.recs)-1], nil
}

func (m *memStore) Data(_ context.Context, id int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	if !ok {
		return nil, results.ErrNotFound
	}
	return d, nil
}

func (m *memStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs, m.data = nil, nil
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type harness struct {
	o     *Orchestrator
	conn  *fakeConn
	store *memStore
	notes <-chan Notification
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{conn: &fakeConn{state: session.Connected}, store: &memStore{}}
	h.o = New(h.conn, h.store, cfg)
	h.notes, _ = h.o.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go h.o.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.o.Close()
	})
	return h
}

// await returns the next notification of type want, skipping others.
func (h *harness) await(t *testing.T, want NoteType) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-h.notes:
			if !ok {
				t.Fatalf("notifications closed while waiting for %s", want)
			}
			if n.Type == want {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notification", want)
			return Notification{}
		}
	}
}

// result delivers an audio result event for the given inbound kind.
func (h *harness) result(kind string, data []byte, sid string) {
	ev := session.Event{Type: session.EventAudioResult, Kind: kind, AudioData: base64.StdEncoding.EncodeToString(data)}
	if sid != "" {
		ev.SessionID, ev.HasSession = sid, true
	}
	h.conn.emit(ev)
}

func pcmClip(seconds float64) audio.Clip {
	frames := int(seconds * audio.CanonicalSampleRate)
	data := make([]byte, frames*2)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return audio.Clip{Data: data, SampleRate: audio.CanonicalSampleRate, Channels: 1, BitDepth: 16}
}

// completeSubmit runs scenario A and leaves the orchestrator Idle with
// session "s1".
func completeSubmit(t *testing.T, h *harness, payload []byte) {
	t.Helper()
	if err := h.o.Submit(context.Background(), pcmClip(10), "modelX", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.await(t, NoteStarted)
	h.result(protocol.AudioProcessed, payload, "s1")
	h.await(t, NoteCompleted)
}

func TestSubmitScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.o.Submit(ctx, pcmClip(10), "modelX", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if s := h.o.Snapshot(); s.State != AwaitingResponse || s.Operation == nil || s.Operation.Kind != OpSubmit {
		t.Fatalf("snapshot after submit = %+v", s)
	}

	sends := h.conn.sent()
	if len(sends) != 1 || sends[0].kind != protocol.ProcessAudioRequest {
		t.Fatalf("sends = %+v", sends)
	}
	req, ok := sends[0].payload.(protocol.ProcessAudio)
	if !ok {
		t.Fatalf("payload type %T", sends[0].payload)
	}
	if req.ModelName != "modelX" || req.PromptDuration != 6 {
		t.Errorf("request params = %q/%d", req.ModelName, req.PromptDuration)
	}
	wav, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		t.Fatalf("audio_data not base64: %v", err)
	}
	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("audio_data not WAV: %v", err)
	}
	if clip.SampleRate != 32000 || clip.Channels != 1 || clip.BitDepth != 16 {
		t.Errorf("format = %d Hz %d ch %d bit", clip.SampleRate, clip.Channels, clip.BitDepth)
	}
	if want := 30 * 32000 * 2; len(clip.Data) != want {
		t.Errorf("padded data = %d bytes, want %d", len(clip.Data), want)
	}

	payload := []byte("RIFF-generated")
	h.result(protocol.AudioProcessed, payload, "s1")
	n := h.await(t, NoteCompleted)
	if n.Op != OpSubmit || n.Result == nil {
		t.Errorf("completion = %+v", n)
	}

	s := h.o.Snapshot()
	if s.State != Idle || !s.HasSession || s.SessionID != "s1" {
		t.Errorf("snapshot = %+v, want idle with session s1", s)
	}
	rec, _ := h.store.Latest(ctx)
	data, _ := h.store.Data(ctx, rec.ID)
	if !bytes.Equal(data, payload) {
		t.Errorf("latest result = %q, want %q", data, payload)
	}
	if rec.Kind != results.KindProcessed || rec.SessionID != "s1" {
		t.Errorf("record = %+v", rec)
	}
}

func TestSecondSubmitRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if err := h.o.Submit(ctx, pcmClip(1), "m", 6); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := h.o.Submit(ctx, pcmClip(1), "m", 6); !errors.Is(err, ErrOperationInProgress) {
		t.Errorf("second Submit = %v, want ErrOperationInProgress", err)
	}
	if n := len(h.conn.sent()); n != 1 {
		t.Errorf("sends = %d, want 1", n)
	}
}

func TestConcurrentStartsOneWins(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, busy := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.o.Submit(ctx, pcmClip(0.5), "m", 6)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrOperationInProgress):
				busy++
			default:
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || busy != 15 {
		t.Errorf("ok=%d busy=%d, want 1 and 15", ok, busy)
	}
	if n := len(h.conn.sent()); n != 1 {
		t.Errorf("sends = %d, want 1", n)
	}
}

func TestRetryScenario(t *testing.T) {
	h := newHarness(t, Config{})
	completeSubmit(t, h, []byte("first"))

	if err := h.o.Retry(context.Background(), "modelX", 8); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	sends := h.conn.sent()
	if len(sends) != 2 || sends[1].kind != protocol.RetryMusicRequest {
		t.Fatalf("sends = %+v", sends)
	}
	want := protocol.RetryMusic{SessionID: "s1", ModelName: "modelX", PromptDuration: 8}
	if got := sends[1].payload; got != want {
		t.Errorf("retry payload = %+v, want %+v", got, want)
	}

	h.result(protocol.MusicRetried, []byte("second"), "s2")
	h.await(t, NoteCompleted)
	if s := h.o.Snapshot(); s.SessionID != "s2" || s.State != Idle {
		t.Errorf("snapshot = %+v, want idle with session s2", s)
	}
	rec, _ := h.store.Latest(context.Background())
	if rec.Kind != results.KindRetried {
		t.Errorf("latest kind = %s", rec.Kind)
	}
}

func TestRetryWithoutSession(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Retry(context.Background(), "m", 6); !errors.Is(err, ErrNoSession) {
		t.Errorf("Retry = %v, want ErrNoSession", err)
	}
	if n := len(h.conn.sent()); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestContinueWhileAwaiting(t *testing.T) {
	h := newHarness(t, Config{})
	completeSubmit(t, h, []byte("first"))

	if err := h.o.Retry(context.Background(), "m", 6); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := h.o.Continue(context.Background(), "m", 6); !errors.Is(err, ErrOperationInProgress) {
		t.Errorf("Continue = %v, want ErrOperationInProgress", err)
	}
	if n := len(h.conn.sent()); n != 2 {
		t.Errorf("sends = %d, want 2", n)
	}
	if s := h.o.Snapshot(); s.SessionID != "s1" || s.Operation.Kind != OpRetry {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestContinueSendsLatestResult(t *testing.T) {
	h := newHarness(t, Config{})
	completeSubmit(t, h, []byte("latest-bytes"))

	if err := h.o.Continue(context.Background(), "modelY", 12); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	sends := h.conn.sent()
	req, ok := sends[len(sends)-1].payload.(protocol.ContinueMusic)
	if !ok {
		t.Fatalf("payload type %T", sends[len(sends)-1].payload)
	}
	want := protocol.ContinueMusic{
		AudioData:      base64.StdEncoding.EncodeToString([]byte("latest-bytes")),
		ModelName:      "modelY",
		SessionID:      "s1",
		PromptDuration: 12,
	}
	if req != want {
		t.Errorf("continue payload = %+v, want %+v", req, want)
	}

	h.result(protocol.MusicContinued, []byte("continued"), "")
	h.await(t, NoteCompleted)
	if s := h.o.Snapshot(); s.SessionID != "s1" {
		t.Errorf("session after id-less continue = %q, want s1", s.SessionID)
	}
}

func TestContinueWithoutPriorResult(t *testing.T) {
	h := newHarness(t, Config{})
	completeSubmit(t, h, []byte("x"))
	h.store.Clear(context.Background())

	if err := h.o.Continue(context.Background(), "m", 6); !errors.Is(err, ErrNoPriorResult) {
		t.Errorf("Continue = %v, want ErrNoPriorResult", err)
	}
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
	if n := len(h.conn.sent()); n != 1 {
		t.Errorf("sends = %d, want 1", n)
	}
}

func TestSubmitWithoutInput(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Submit(context.Background(), audio.Clip{}, "m", 6); !errors.Is(err, ErrNoInput) {
		t.Errorf("Submit = %v, want ErrNoInput", err)
	}
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestSubmitConversionFailure(t *testing.T) {
	h := newHarness(t, Config{})
	bad := audio.Clip{Data: []byte{1, 2, 3}, SampleRate: 44100, Channels: 1, BitDepth: 12}
	if err := h.o.Submit(context.Background(), bad, "m", 6); !errors.Is(err, audio.ErrConversion) {
		t.Errorf("Submit = %v, want ErrConversion", err)
	}
	h.await(t, NoteFailed)
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
	if n := len(h.conn.sent()); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
}

func TestStartWhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.mu.Lock()
	h.conn.state = session.Disconnected
	h.conn.mu.Unlock()

	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Submit = %v, want ErrNotConnected", err)
	}
	if s := h.o.Snapshot(); s.State != Idle || s.Connection != "disconnected" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestSendFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.sendErr = &session.ConnectionError{Op: "write", Err: errors.New("broken pipe")}

	err := h.o.Submit(context.Background(), pcmClip(1), "m", 6)
	var ce *session.ConnectionError
	if !errors.As(err, &ce) {
		t.Errorf("Submit = %v, want ConnectionError", err)
	}
	h.await(t, NoteFailed)
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestErrorEventFailsOperation(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.conn.emit(session.Event{Type: session.EventError, Err: errors.New("model exploded")})

	n := h.await(t, NoteFailed)
	if n.Op != OpSubmit || n.Error != "model exploded" {
		t.Errorf("failure = %+v", n)
	}
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestDisconnectFailsOperation(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.conn.mu.Lock()
	h.conn.state = session.Failed
	h.conn.mu.Unlock()
	h.conn.emit(session.Event{Type: session.EventDisconnected})

	n := h.await(t, NoteFailed)
	if !errors.Is(n.Err, ErrDisconnected) {
		t.Errorf("failure err = %v, want ErrDisconnected", n.Err)
	}
	c := h.await(t, NoteConnection)
	if c.Connection != "failed" {
		t.Errorf("connection note = %q", c.Connection)
	}
}

func TestStaleDisconnectKeepsOperation(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.await(t, NoteStarted)

	// the transport has already reconnected when the old disconnect arrives
	h.conn.emit(session.Event{Type: session.EventDisconnected})
	h.result(protocol.AudioProcessed, []byte("late but live"), "s9")

	n := h.await(t, NoteCompleted)
	if n.Op != OpSubmit || n.Result == nil {
		t.Errorf("completion = %+v", n)
	}
	if s := h.o.Snapshot(); s.SessionID != "s9" || s.Connection != "connected" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestSnapshotDuringSlowSend(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.writing = make(chan struct{})
	h.conn.release = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.o.Submit(context.Background(), pcmClip(1), "m", 6) }()

	select {
	case <-h.conn.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("Send never started")
	}

	snap := make(chan Snapshot, 1)
	go func() { snap <- h.o.Snapshot() }()
	select {
	case s := <-snap:
		if s.State != AwaitingResponse || s.Operation == nil || s.Operation.Kind != OpSubmit {
			t.Errorf("snapshot while writing = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked behind Send")
	}
	if err := h.o.Retry(context.Background(), "m", 6); !errors.Is(err, ErrOperationInProgress) {
		t.Errorf("Retry while writing = %v", err)
	}

	close(h.conn.release)
	if err := <-errc; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(h.conn.sent()) != 1 {
		t.Errorf("sends = %d, want 1", len(h.conn.sent()))
	}
}

func TestSlowSendFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.writing = make(chan struct{}, 1)
	h.conn.release = make(chan struct{})
	close(h.conn.release)
	h.conn.sendErr = &session.ConnectionError{Op: "write", Err: errors.New("timeout")}

	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err == nil {
		t.Fatal("Submit succeeded")
	}
	h.await(t, NoteStarted)
	h.await(t, NoteFailed)
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestOperationTimeout(t *testing.T) {
	h := newHarness(t, Config{OperationTimeout: 30 * time.Millisecond})
	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n := h.await(t, NoteFailed)
	if !errors.Is(n.Err, ErrTimeout) {
		t.Errorf("failure err = %v, want ErrTimeout", n.Err)
	}
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}

	// A late response is stored but completes nothing.
	h.result(protocol.AudioProcessed, []byte("late"), "s9")
	r := h.await(t, NoteResult)
	if r.Result == nil || r.SessionID != "s9" {
		t.Errorf("late result note = %+v", r)
	}
}

func TestProgressNeverTransitions(t *testing.T) {
	h := newHarness(t, Config{})

	h.conn.emit(session.Event{Type: session.EventProgress, Progress: 40})
	if n := h.await(t, NoteProgress); n.Progress != 40 || n.Op != "" {
		t.Errorf("idle progress = %+v", n)
	}
	if s := h.o.Snapshot(); s.State != Idle || s.Progress != 40 {
		t.Errorf("snapshot = %+v", s)
	}

	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.conn.emit(session.Event{Type: session.EventProgress, Progress: 100})
	if n := h.await(t, NoteProgress); n.Op != OpSubmit {
		t.Errorf("progress op = %q", n.Op)
	}
	if s := h.o.Snapshot(); s.State != AwaitingResponse {
		t.Errorf("state after 100%% = %s, want awaiting", s.State)
	}
}

func TestSubmitWithoutSessionIDClearsSession(t *testing.T) {
	h := newHarness(t, Config{})
	completeSubmit(t, h, []byte("a"))

	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.result(protocol.AudioProcessed, []byte("b"), "")
	h.await(t, NoteCompleted)

	if s := h.o.Snapshot(); s.HasSession {
		t.Errorf("session = %q, want none", s.SessionID)
	}
	if err := h.o.Retry(context.Background(), "m", 6); !errors.Is(err, ErrNoSession) {
		t.Errorf("Retry = %v, want ErrNoSession", err)
	}
}

func TestUpdateCropCompletesOnAck(t *testing.T) {
	h := newHarness(t, Config{})
	completeSubmit(t, h, []byte("a"))

	if err := h.o.UpdateCrop(context.Background(), pcmClip(2)); err != nil {
		t.Fatalf("UpdateCrop: %v", err)
	}
	sends := h.conn.sent()
	req, ok := sends[len(sends)-1].payload.(protocol.CroppedAudio)
	if !ok || sends[len(sends)-1].kind != protocol.UpdateCroppedAudio {
		t.Fatalf("last send = %+v", sends[len(sends)-1])
	}
	if req.SessionID != "s1" {
		t.Errorf("session_id = %q", req.SessionID)
	}

	stored := h.store.count()
	h.conn.emit(session.Event{Type: session.EventCropAck})
	n := h.await(t, NoteCompleted)
	if n.Op != OpUpdateCrop || n.Result != nil {
		t.Errorf("crop completion = %+v", n)
	}
	if h.store.count() != stored {
		t.Error("crop ack stored a result")
	}
}

func TestUpdateCropWithoutSession(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.UpdateCrop(context.Background(), pcmClip(1)); !errors.Is(err, ErrNoSession) {
		t.Errorf("UpdateCrop = %v, want ErrNoSession", err)
	}
}

func TestCropAckIgnoredOutsideCrop(t *testing.T) {
	h := newHarness(t, Config{})
	completeSubmit(t, h, []byte("a"))
	if err := h.o.Retry(context.Background(), "m", 6); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	h.conn.emit(session.Event{Type: session.EventCropAck})
	h.conn.emit(session.Event{Type: session.EventProgress, Progress: 1})
	h.await(t, NoteProgress)
	if s := h.o.Snapshot(); s.State != AwaitingResponse || s.Operation.Kind != OpRetry {
		t.Errorf("snapshot = %+v, want retry still pending", s)
	}
}

func TestCropLatest(t *testing.T) {
	h := newHarness(t, Config{})
	src := pcmClip(4)
	wav, err := audio.EncodeWAV(src)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	completeSubmit(t, h, wav)

	rec, err := h.o.CropLatest(context.Background(), 1.5)
	if err != nil {
		t.Fatalf("CropLatest: %v", err)
	}
	if rec.Kind != results.KindCropped || rec.SessionID != "s1" {
		t.Errorf("record = %+v", rec)
	}

	data, _ := h.store.Data(context.Background(), rec.ID)
	cropped, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if want := 48000; cropped.Frames() != want {
		t.Errorf("cropped frames = %d, want %d", cropped.Frames(), want)
	}
	if !bytes.Equal(cropped.Data, src.Data[:len(cropped.Data)]) {
		t.Error("cropped audio is not a prefix of the source")
	}

	sends := h.conn.sent()
	req := sends[len(sends)-1].payload.(protocol.CroppedAudio)
	if req.AudioData != base64.StdEncoding.EncodeToString(data) {
		t.Error("sent crop differs from stored crop")
	}
	h.conn.emit(session.Event{Type: session.EventCropAck})
	h.await(t, NoteCompleted)
}

func TestCropLatestAtZero(t *testing.T) {
	h := newHarness(t, Config{})
	wav, _ := audio.EncodeWAV(pcmClip(1))
	completeSubmit(t, h, wav)

	if _, err := h.o.CropLatest(context.Background(), 0); !errors.Is(err, audio.ErrEmptyCrop) {
		t.Errorf("CropLatest(0) = %v, want ErrEmptyCrop", err)
	}
	if s := h.o.Snapshot(); s.State != Idle {
		t.Errorf("state = %s, want idle", s.State)
	}
}

func TestMalformedResultFailsOperation(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.conn.emit(session.Event{Type: session.EventAudioResult, Kind: protocol.AudioProcessed, AudioData: "%%%not-base64"})
	h.await(t, NoteFailed)
	if h.store.count() != 0 {
		t.Error("malformed result was stored")
	}
}

func TestStoreFailureFailsOperation(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.err = errors.New("disk full")
	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.result(protocol.AudioProcessed, []byte("x"), "s1")
	n := h.await(t, NoteFailed)
	if n.Error == "" {
		t.Error("failure without message")
	}
	// The session reported by the service is still adopted.
	if s := h.o.Snapshot(); s.SessionID != "s1" {
		t.Errorf("session = %q", s.SessionID)
	}
}

func TestCloseFailsPendingAndEndsSubscriptions(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.o.Submit(context.Background(), pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.o.Close()

	n := h.await(t, NoteFailed)
	if !errors.Is(n.Err, ErrClosed) {
		t.Errorf("failure = %v, want ErrClosed", n.Err)
	}
	if !h.conn.closed {
		t.Error("transport not closed")
	}
	if err := h.o.Retry(context.Background(), "m", 6); !errors.Is(err, ErrClosed) {
		t.Errorf("Retry after Close = %v", err)
	}
}

func TestWithResultsStore(t *testing.T) {
	store, err := results.Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("results.Open: %v", err)
	}
	defer store.Close()

	conn := &fakeConn{state: session.Connected}
	o := New(conn, store, Config{})
	notes, _ := o.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)
	defer o.Close()

	if err := o.Submit(ctx, pcmClip(1), "m", 6); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	conn.emit(session.Event{Type: session.EventAudioResult, Kind: protocol.AudioProcessed,
		AudioData: base64.StdEncoding.EncodeToString([]byte("from-service")), SessionID: "s1", HasSession: true})

	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case n := <-notes:
			done = n.Type == NoteCompleted
		case <-timeout:
			t.Fatal("no completion")
		}
	}

	latest, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	data, _ := store.Data(ctx, latest.ID)
	if string(data) != "from-service" || latest.SessionID != "s1" {
		t.Errorf("latest = %+v %q", latest, data)
	}
}
