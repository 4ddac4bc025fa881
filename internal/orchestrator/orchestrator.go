// Package orchestrator sequences submit, continue, retry and crop-update
// operations against the processing service. At most one operation is in
// flight at a time and the server-assigned session id lives here.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/satindergrewal/gary/internal/audio"
	"github.com/satindergrewal/gary/internal/protocol"
	"github.com/satindergrewal/gary/internal/results"
	"github.com/satindergrewal/gary/internal/session"
)

// Config tunes an Orchestrator.
type Config struct {
	PadSeconds       float64       // submitted clips are padded to this length, 30 when zero
	OperationTimeout time.Duration // 0 waits for a response forever
	InboxSize        int
}

// Orchestrator owns the Idle / AwaitingResponse state machine.
type Orchestrator struct {
	conn  Transport
	store ResultStore
	cfg   Config
	obs   Observer

	inbox     chan session.Event
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	op         *pending
	sessionID  string
	hasSession bool
	progress   int

	notes hub
}

// New creates an orchestrator and registers it as conn's listener. Run must
// be called for connection events to take effect.
func New(conn Transport, store ResultStore, cfg Config) *Orchestrator {
	if cfg.PadSeconds <= 0 {
		cfg.PadSeconds = 30
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	o := &Orchestrator{
		conn:  conn,
		store: store,
		cfg:   cfg,
		obs:   nopObserver{},
		inbox: make(chan session.Event, cfg.InboxSize),
		done:  make(chan struct{}),
	}
	conn.SetListener(o)
	return o
}

// SetObserver installs an observer for metrics.
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs == nil {
		obs = nopObserver{}
	}
	o.mu.Lock()
	o.obs = obs
	o.mu.Unlock()
}

// HandleEvent queues a connection event for Run.
func (o *Orchestrator) HandleEvent(ev session.Event) {
	select {
	case o.inbox <- ev:
	case <-o.done:
	}
}

// Run applies connection events until ctx is cancelled or Close is called.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case ev := <-o.inbox:
			o.handle(ctx, ev)
		}
	}
}

// Connect connects the underlying transport.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.conn.Connect(ctx)
}

// Close fails any pending operation, tears the connection down and closes
// every subscription.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.conn.Close()

		o.mu.Lock()
		if o.op != nil {
			o.finish(ErrClosed, nil)
		}
		o.mu.Unlock()
		o.notes.closeAll()
	})
}

// Subscribe returns a channel of notifications and a function that ends
// the subscription.
func (o *Orchestrator) Subscribe() (<-chan Notification, func()) {
	return o.notes.subscribe()
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	State      State      `json:"state"`
	Operation  *Operation `json:"operation,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	HasSession bool       `json:"has_session"`
	Progress   int        `json:"progress"`
	Connection string     `json:"connection"`
}

// Snapshot reports the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	conn := o.conn.State()

	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		State:      Idle,
		SessionID:  o.sessionID,
		HasSession: o.hasSession,
		Progress:   o.progress,
		Connection: conn.String(),
	}
	if o.op != nil {
		op := o.op.Operation
		s.State = AwaitingResponse
		s.Operation = &op
	}
	return s
}

// ClearHistory removes every stored result.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	return o.store.Clear(ctx)
}

// Submit shapes clip to canonical PCM padded to the configured length and
// sends it as a process_audio_request.
func (o *Orchestrator) Submit(ctx context.Context, clip audio.Clip, model string, promptDuration int) error {
	if clip.Empty() {
		return ErrNoInput
	}
	p, _, err := o.begin(Operation{Kind: OpSubmit, ModelName: model, PromptDuration: promptDuration, Clip: clip}, false)
	if err != nil {
		return err
	}

	wav, err := o.shape(clip)
	if err != nil {
		return o.abort(p, err)
	}
	return o.dispatch(ctx, p, protocol.ProcessAudioRequest, protocol.ProcessAudio{
		AudioData:      base64.StdEncoding.EncodeToString(wav),
		ModelName:      model,
		PromptDuration: promptDuration,
	})
}

// Continue resends the most recent result so the service extends it.
func (o *Orchestrator) Continue(ctx context.Context, model string, promptDuration int) error {
	p, sid, err := o.begin(Operation{Kind: OpContinue, ModelName: model, PromptDuration: promptDuration}, true)
	if err != nil {
		return err
	}

	_, data, err := o.latest(ctx)
	if err != nil {
		return o.abort(p, err)
	}
	return o.dispatch(ctx, p, protocol.ContinueMusicRequest, protocol.ContinueMusic{
		AudioData:      base64.StdEncoding.EncodeToString(data),
		ModelName:      model,
		SessionID:      sid,
		PromptDuration: promptDuration,
	})
}

// Retry asks the service to regenerate the last continuation.
func (o *Orchestrator) Retry(ctx context.Context, model string, promptDuration int) error {
	p, sid, err := o.begin(Operation{Kind: OpRetry, ModelName: model, PromptDuration: promptDuration}, true)
	if err != nil {
		return err
	}
	return o.dispatch(ctx, p, protocol.RetryMusicRequest, protocol.RetryMusic{
		SessionID:      sid,
		ModelName:      model,
		PromptDuration: promptDuration,
	})
}

// UpdateCrop sends clip as the session's new cropped audio.
func (o *Orchestrator) UpdateCrop(ctx context.Context, clip audio.Clip) error {
	if clip.Empty() {
		return ErrNoInput
	}
	p, sid, err := o.begin(Operation{Kind: OpUpdateCrop, Clip: clip}, true)
	if err != nil {
		return err
	}

	wav, err := wavBytes(clip)
	if err != nil {
		return o.abort(p, err)
	}
	return o.dispatch(ctx, p, protocol.UpdateCroppedAudio, protocol.CroppedAudio{
		AudioData: base64.StdEncoding.EncodeToString(wav),
		SessionID: sid,
	})
}

// CropLatest cuts the most recent result at elapsed seconds, stores the cut
// as the new latest result and sends it as the session's cropped audio.
func (o *Orchestrator) CropLatest(ctx context.Context, elapsed float64) (results.Record, error) {
	p, sid, err := o.begin(Operation{Kind: OpUpdateCrop}, true)
	if err != nil {
		return results.Record{}, err
	}

	_, data, err := o.latest(ctx)
	if err != nil {
		return results.Record{}, o.abort(p, err)
	}
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		clip, err = audio.ConvertToCanonicalPCM(audio.Clip{Data: data, Container: "wav"})
		if err != nil {
			return results.Record{}, o.abort(p, err)
		}
	}
	cropped, err := audio.CropAtPlaybackPosition(clip, elapsed)
	if err != nil {
		return results.Record{}, o.abort(p, err)
	}
	wav, err := audio.EncodeWAV(cropped)
	if err != nil {
		return results.Record{}, o.abort(p, err)
	}

	rec, err := o.store.Save(ctx, results.KindCropped, sid, wav)
	if err != nil {
		return results.Record{}, o.abort(p, fmt.Errorf("store cropped result: %w", err))
	}
	log.Printf("Cropped result saved as %s (%.2fs)", rec.Name, cropped.Duration())
	o.mu.Lock()
	o.obs.ResultStored(string(rec.Kind))
	o.notes.publish(Notification{Type: NoteResult, Op: OpUpdateCrop, Result: &rec, SessionID: sid})
	o.mu.Unlock()

	if err := o.dispatch(ctx, p, protocol.UpdateCroppedAudio, protocol.CroppedAudio{
		AudioData: base64.StdEncoding.EncodeToString(wav),
		SessionID: sid,
	}); err != nil {
		return rec, err
	}
	return rec, nil
}

// begin reserves the operation slot. The reservation is what makes a second
// start fail with ErrOperationInProgress while the first is still shaping.
func (o *Orchestrator) begin(op Operation, needSession bool) (*pending, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.done:
		return nil, "", ErrClosed
	default:
	}
	if o.op != nil {
		return nil, "", ErrOperationInProgress
	}
	if needSession && !o.hasSession {
		return nil, "", ErrNoSession
	}
	if o.conn.State() != session.Connected {
		return nil, "", session.ErrNotConnected
	}

	op.Started = time.Now()
	p := &pending{Operation: op}
	o.op = p
	o.progress = 0
	o.obs.OperationStarted(string(op.Kind))
	return p, o.sessionID, nil
}

func (o *Orchestrator) abort(p *pending, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.op == p {
		o.finish(err, nil)
	}
	return err
}

// dispatch sends the request for a reserved operation. The write happens
// outside o.mu; the operation counts as sent before it starts.
func (o *Orchestrator) dispatch(ctx context.Context, p *pending, kind protocol.RequestKind, payload any) error {
	o.mu.Lock()
	if o.op != p {
		o.mu.Unlock()
		// failed by a connection event while shaping
		if p.err != nil {
			return p.err
		}
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		o.finish(err, nil)
		o.mu.Unlock()
		return err
	}
	p.sent = true
	if o.cfg.OperationTimeout > 0 {
		p.timer = time.AfterFunc(o.cfg.OperationTimeout, func() { o.expire(p) })
	}
	o.notes.publish(Notification{Type: NoteStarted, Op: p.Kind, SessionID: o.sessionID})
	o.mu.Unlock()

	if err := o.conn.Send(kind, payload); err != nil {
		o.mu.Lock()
		if o.op == p {
			o.finish(err, nil)
		}
		o.mu.Unlock()
		return err
	}
	log.Printf("Sent %s for %s, awaiting response", kind, p.Kind)
	return nil
}

func (o *Orchestrator) expire(p *pending) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.op == p {
		o.finish(ErrTimeout, nil)
	}
}

// finish returns to Idle. Callers hold o.mu.
func (o *Orchestrator) finish(err error, rec *results.Record) {
	p := o.op
	o.op = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	p.err = err
	o.obs.OperationFinished(string(p.Kind), err, time.Since(p.Started))

	if err != nil {
		log.Printf("%s failed: %v", p.Kind, err)
		o.notes.publish(Notification{Type: NoteFailed, Op: p.Kind, Err: err, SessionID: o.sessionID})
		return
	}
	log.Printf("%s completed", p.Kind)
	o.notes.publish(Notification{Type: NoteCompleted, Op: p.Kind, Result: rec, SessionID: o.sessionID})
}

func (o *Orchestrator) handle(ctx context.Context, ev session.Event) {
	switch ev.Type {
	case session.EventConnected, session.EventDisconnected:
		state := session.Connected
		if ev.Type == session.EventDisconnected {
			state = o.conn.State()
			if state == session.Connected {
				// stale event from a connection that has since been replaced;
				// a pending operation belongs to the live one
				log.Printf("Ignoring disconnect of a replaced connection")
				return
			}
		}
		o.mu.Lock()
		if ev.Type == session.EventDisconnected && o.op != nil {
			o.finish(ErrDisconnected, nil)
		}
		o.obs.ConnectionChanged(state.String())
		o.notes.publish(connectionNote(state))
		o.mu.Unlock()

	case session.EventError:
		o.mu.Lock()
		if o.op != nil {
			o.finish(ev.Err, nil)
		} else {
			log.Printf("Service error with no operation pending: %v", ev.Err)
		}
		o.mu.Unlock()

	case session.EventProgress:
		o.mu.Lock()
		o.progress = ev.Progress
		n := Notification{Type: NoteProgress, Progress: ev.Progress}
		if o.op != nil {
			n.Op = o.op.Kind
		}
		o.obs.ProgressChanged(ev.Progress)
		o.notes.publish(n)
		o.mu.Unlock()

	case session.EventAudioResult:
		o.handleResult(ctx, ev)

	case session.EventCropAck:
		o.mu.Lock()
		if o.op != nil && o.op.sent && o.op.Kind == OpUpdateCrop {
			o.finish(nil, nil)
		} else {
			log.Println("Ignoring crop acknowledgement with no crop pending")
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) handleResult(ctx context.Context, ev session.Event) {
	data, decodeErr := base64.StdEncoding.DecodeString(ev.AudioData)

	o.mu.Lock()
	p := o.op
	if p != nil && !p.sent {
		p = nil
	}
	if decodeErr != nil {
		err := fmt.Errorf("decode %s audio: %w", ev.Kind, decodeErr)
		if p != nil {
			o.finish(err, nil)
		} else {
			log.Printf("Dropping result: %v", err)
		}
		o.mu.Unlock()
		return
	}
	switch {
	case ev.HasSession:
		o.sessionID, o.hasSession = ev.SessionID, true
		log.Printf("Session ID updated: %s", ev.SessionID)
	case p != nil && p.Kind == OpSubmit:
		// a fresh submit without an id leaves no session to continue
		o.sessionID, o.hasSession = "", false
		log.Println("Session ID cleared")
	}
	sid := o.sessionID
	o.mu.Unlock()

	rec, err := o.store.Save(ctx, results.KindForEvent(ev.Kind), sid, data)
	if err != nil {
		err = fmt.Errorf("store result: %w", err)
	} else {
		log.Printf("Result saved as %s", rec.Name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.obs.ResultStored(string(rec.Kind))
	}
	if p != nil && o.op == p {
		if err != nil {
			o.finish(err, nil)
		} else {
			o.finish(nil, &rec)
		}
		return
	}
	if err != nil {
		log.Printf("Dropping result: %v", err)
		return
	}
	o.notes.publish(Notification{Type: NoteResult, Result: &rec, SessionID: sid})
}

// latest loads the bytes of the newest stored result.
func (o *Orchestrator) latest(ctx context.Context) (results.Record, []byte, error) {
	rec, err := o.store.Latest(ctx)
	if errors.Is(err, results.ErrNotFound) {
		return results.Record{}, nil, ErrNoPriorResult
	}
	if err != nil {
		return results.Record{}, nil, fmt.Errorf("load latest result: %w", err)
	}
	data, err := o.store.Data(ctx, rec.ID)
	if err != nil {
		return results.Record{}, nil, fmt.Errorf("load latest result: %w", err)
	}
	if len(data) == 0 {
		return results.Record{}, nil, ErrNoPriorResult
	}
	return rec, data, nil
}

// shape converts a submitted clip to padded canonical WAV.
func (o *Orchestrator) shape(clip audio.Clip) ([]byte, error) {
	pcm, err := audio.ConvertToCanonicalPCM(clip)
	if err != nil {
		return nil, err
	}
	padded, err := audio.PadToDuration(pcm, o.cfg.PadSeconds)
	if err != nil {
		return nil, err
	}
	log.Printf("Shaped clip: %.2fs -> %.2fs at %d Hz", pcm.Duration(), padded.Duration(), padded.SampleRate)
	return audio.EncodeWAV(padded)
}

// wavBytes returns clip as WAV file bytes, converting only when needed.
func wavBytes(clip audio.Clip) ([]byte, error) {
	switch {
	case clip.Container == "wav" || clip.Container == "wave":
		return clip.Data, nil
	case clip.IsPCM():
		return audio.EncodeWAV(clip)
	}
	pcm, err := audio.ConvertToCanonicalPCM(clip)
	if err != nil {
		return nil, err
	}
	return audio.EncodeWAV(pcm)
}
