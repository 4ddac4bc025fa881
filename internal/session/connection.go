package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satindergrewal/gary/internal/protocol"
)

// Config describes how to reach the processing service.
type Config struct {
	URL              string        // http(s):// or ws(s):// base URL
	Path             string        // Socket.IO path, "/socket.io/" when empty
	HandshakeTimeout time.Duration // dial + open + connect ack
	WriteTimeout     time.Duration
	ReconnectDelay   time.Duration // 0 disables automatic reconnects
	MaxReconnectWait time.Duration
}

// Connection owns one persistent Socket.IO connection and turns its frames
// into typed Events for a single listener. It keeps no session state.
type Connection struct {
	cfg    Config
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	listener  Listener
	reconnect context.CancelFunc

	writeMu sync.Mutex
}

// New creates a disconnected connection.
func New(cfg Config) *Connection {
	if cfg.Path == "" {
		cfg.Path = "/socket.io/"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 30 * time.Second
	}
	return &Connection{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		},
	}
}

// SetListener registers the single event consumer, replacing any previous one.
func (c *Connection) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// State returns the current transport state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the websocket URL used for the Socket.IO transport.
func (c *Connection) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(c.cfg.Path, "/") + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the service and completes the Socket.IO handshake. It is a
// no-op while already connected or connecting.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		log.Println("Socket is already connected")
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	conn, hs, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == Connecting {
			c.state = Failed
		}
		c.mu.Unlock()
		log.Printf("Socket.IO error: %v", err)
		c.emit(Event{Type: EventError, Err: err})
		return err
	}

	c.mu.Lock()
	if c.state != Connecting {
		// Disconnect raced the handshake.
		c.mu.Unlock()
		conn.Close()
		return &ConnectionError{Op: "handshake", Err: errors.New("disconnected during connect")}
	}
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	log.Printf("Socket.IO connected (sid %s)", hs.SID)
	c.emit(Event{Type: EventConnected})
	go c.readLoop(conn, hs)
	return nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, protocol.Handshake, error) {
	var hs protocol.Handshake

	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, hs, &ConnectionError{Op: "dial", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, hs, &ConnectionError{Op: "dial", Err: err}
	}

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)

	fail := func(err error) (*websocket.Conn, protocol.Handshake, error) {
		conn.Close()
		return nil, hs, &ConnectionError{Op: "handshake", Err: err}
	}

	p, err := readPacket(conn)
	if err != nil {
		return fail(err)
	}
	if p.Type != protocol.PacketOpen {
		return fail(fmt.Errorf("expected open packet, got %s", p.Type))
	}
	if err := json.Unmarshal(p.Data, &hs); err != nil {
		return fail(fmt.Errorf("decode handshake: %w", err))
	}

	if err := c.write(conn, protocol.EncodeConnect()); err != nil {
		return fail(err)
	}

	for {
		p, err := readPacket(conn)
		if err != nil {
			return fail(err)
		}
		switch p.Type {
		case protocol.PacketConnect:
			conn.SetReadDeadline(time.Time{})
			return conn, hs, nil
		case protocol.PacketConnectError:
			var ce protocol.ConnectError
			json.Unmarshal(p.Data, &ce)
			return fail(fmt.Errorf("connect refused: %s", ce.Message))
		case protocol.PacketPing:
			if err := c.write(conn, protocol.EncodePong(p.Data)); err != nil {
				return fail(err)
			}
		}
	}
}

func readPacket(conn *websocket.Conn) (protocol.Packet, error) {
	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			return protocol.Packet{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return protocol.Decode(frame)
	}
}

// Disconnect tears the connection down. Safe to call in any state.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	if c.reconnect != nil {
		c.reconnect()
		c.reconnect = nil
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.write(conn, protocol.EncodeDisconnect())
	conn.Close()
}

// Close disconnects and drops the listener registration.
func (c *Connection) Close() {
	c.SetListener(nil)
	c.Disconnect()
}

// Send encodes payload as the wire event for kind and writes it. It does not
// wait for the response.
func (c *Connection) Send(kind protocol.RequestKind, payload any) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown request kind %q", kind)
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	arg, err := protocol.StringArg(payload)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeEvent(string(kind), arg)
	if err != nil {
		return err
	}

	log.Printf("Sending %s (%d bytes)", kind, len(frame))
	return c.write(conn, frame)
}

func (c *Connection) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// readLoop owns the read side of conn until it fails or is closed.
func (c *Connection) readLoop(conn *websocket.Conn, hs protocol.Handshake) {
	var idle time.Duration
	if hs.PingInterval > 0 {
		idle = time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	}

	var cause error
	clean := false
	for cause == nil && !clean {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			cause = err
			clean = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			continue
		}
		if mt != websocket.TextMessage {
			continue
		}
		p, err := protocol.Decode(frame)
		if err != nil {
			log.Printf("Dropping malformed frame: %v", err)
			continue
		}

		switch p.Type {
		case protocol.PacketPing:
			cause = c.write(conn, protocol.EncodePong(p.Data))
		case protocol.PacketEvent:
			c.dispatch(p)
		case protocol.PacketDisconnect, protocol.PacketClose:
			log.Println("Server closed the session")
			clean = true
		case protocol.PacketConnectError:
			var ce protocol.ConnectError
			json.Unmarshal(p.Data, &ce)
			cause = fmt.Errorf("server error: %s", ce.Message)
		}
	}
	conn.Close()

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		if clean {
			c.state = Disconnected
		} else {
			c.state = Failed
		}
	}
	c.mu.Unlock()

	if current && !clean {
		log.Printf("Socket.IO error: %v", cause)
		c.emit(Event{Type: EventError, Err: &ConnectionError{Op: "read", Err: cause}})
	}
	log.Println("Socket.IO disconnected")
	c.emit(Event{Type: EventDisconnected})

	if current && !clean && c.cfg.ReconnectDelay > 0 {
		c.scheduleReconnect()
	}
}

func (c *Connection) dispatch(p protocol.Packet) {
	var arg json.RawMessage
	if len(p.Args) > 0 {
		arg = p.Args[0]
	}

	switch p.Event {
	case protocol.AudioProcessed, protocol.MusicContinued, protocol.MusicRetried:
		var res protocol.AudioResult
		if err := protocol.DecodeArg(arg, &res); err != nil || res.AudioData == "" {
			if err == nil {
				err = errors.New("missing audio_data")
			}
			log.Printf("Malformed %s: %v", p.Event, err)
			c.emit(Event{Type: EventError, Err: fmt.Errorf("malformed %s: %w", p.Event, err)})
			return
		}
		log.Printf("Received %s (%d base64 bytes)", p.Event, len(res.AudioData))
		ev := Event{Type: EventAudioResult, Kind: p.Event, AudioData: res.AudioData}
		if res.SessionID != nil {
			ev.SessionID, ev.HasSession = *res.SessionID, true
		}
		c.emit(ev)
	case protocol.CroppedAudioComplete:
		log.Println("Received update_cropped_audio_complete")
		c.emit(Event{Type: EventCropAck})
	case protocol.ProgressUpdate:
		var pr protocol.Progress
		if err := protocol.DecodeArg(arg, &pr); err != nil {
			log.Printf("Malformed progress_update: %v", err)
			return
		}
		c.emit(Event{Type: EventProgress, Progress: min(max(pr.Progress, 0), 100)})
	default:
		log.Printf("Ignoring event %s", p.Event)
	}
}

func (c *Connection) emit(ev Event) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.HandleEvent(ev)
	}
}

func (c *Connection) scheduleReconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.reconnect != nil {
		c.reconnect()
	}
	c.reconnect = cancel
	c.mu.Unlock()

	go func() {
		delay := c.cfg.ReconnectDelay
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			log.Printf("Reconnecting to %s...", c.cfg.URL)
			if err := c.Connect(ctx); err == nil {
				return
			}
			delay = min(delay*2, c.cfg.MaxReconnectWait)
		}
	}()
}
