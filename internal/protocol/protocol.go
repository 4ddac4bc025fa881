package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.IO packet types (first byte of every text frame).
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// Socket.IO packet types (second byte of an Engine.IO message).
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketAck          = '3'
	socketConnectError = '4'
)

// PacketType is the decoded kind of one frame.
type PacketType int

const (
	PacketOpen PacketType = iota
	PacketClose
	PacketPing
	PacketPong
	PacketNoop
	PacketConnect
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
)

func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketNoop:
		return "noop"
	case PacketConnect:
		return "connect"
	case PacketDisconnect:
		return "disconnect"
	case PacketEvent:
		return "event"
	case PacketAck:
		return "ack"
	case PacketConnectError:
		return "connect_error"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Packet is one decoded Engine.IO / Socket.IO text frame.
type Packet struct {
	Type      PacketType
	Namespace string          // "/" unless the frame names another
	AckID     int             // -1 when absent
	Data      json.RawMessage // open handshake, connect or connect_error payload
	Event     string          // event name for PacketEvent
	Args      []json.RawMessage
}

// Handshake is the payload of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// ConnectError is the payload of a Socket.IO connect_error packet.
type ConnectError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses one text frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, fmt.Errorf("empty frame")
	}

	p := Packet{Namespace: "/", AckID: -1}
	switch frame[0] {
	case engineOpen:
		p.Type = PacketOpen
		p.Data = json.RawMessage(frame[1:])
		return p, nil
	case engineClose:
		p.Type = PacketClose
		return p, nil
	case enginePing:
		p.Type = PacketPing
		p.Data = json.RawMessage(frame[1:])
		return p, nil
	case enginePong:
		p.Type = PacketPong
		p.Data = json.RawMessage(frame[1:])
		return p, nil
	case engineNoop, engineUpgrade:
		p.Type = PacketNoop
		return p, nil
	case engineMessage:
		return decodeSocket(frame[1:], p)
	default:
		return Packet{}, fmt.Errorf("unknown engine.io packet type %q", frame[0])
	}
}

func decodeSocket(b []byte, p Packet) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("empty socket.io packet")
	}

	switch b[0] {
	case socketConnect:
		p.Type = PacketConnect
	case socketDisconnect:
		p.Type = PacketDisconnect
	case socketEvent:
		p.Type = PacketEvent
	case socketAck:
		p.Type = PacketAck
	case socketConnectError:
		p.Type = PacketConnectError
	default:
		return Packet{}, fmt.Errorf("unsupported socket.io packet type %q", b[0])
	}
	b = b[1:]

	// optional namespace: "/name,"
	if len(b) > 0 && b[0] == '/' {
		end := bytes.IndexByte(b, ',')
		if end < 0 {
			p.Namespace = string(b)
			b = nil
		} else {
			p.Namespace = string(b[:end])
			b = b[end+1:]
		}
	}

	// optional ack id
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(b[:i]))
		if err != nil {
			return Packet{}, fmt.Errorf("parse ack id: %w", err)
		}
		p.AckID = id
		b = b[i:]
	}

	switch p.Type {
	case PacketEvent, PacketAck:
		if err := json.Unmarshal(b, &p.Args); err != nil {
			return Packet{}, fmt.Errorf("decode %s args: %w", p.Type, err)
		}
		if p.Type == PacketEvent {
			if len(p.Args) == 0 {
				return Packet{}, fmt.Errorf("event packet without a name")
			}
			if err := json.Unmarshal(p.Args[0], &p.Event); err != nil {
				return Packet{}, fmt.Errorf("decode event name: %w", err)
			}
			p.Args = p.Args[1:]
		}
	default:
		if len(b) > 0 {
			p.Data = json.RawMessage(b)
		}
	}
	return p, nil
}

// EncodeEvent builds a "42" event frame on the default namespace.
func EncodeEvent(name string, args ...any) ([]byte, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)

	body, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", name, err)
	}
	return append([]byte{engineMessage, socketEvent}, body...), nil
}

// EncodeConnect builds the Socket.IO connect request for the default namespace.
func EncodeConnect() []byte {
	return []byte{engineMessage, socketConnect}
}

// EncodeDisconnect builds the Socket.IO disconnect packet for the default namespace.
func EncodeDisconnect() []byte {
	return []byte{engineMessage, socketDisconnect}
}

// EncodePong answers an Engine.IO ping, echoing its payload.
func EncodePong(payload []byte) []byte {
	return append([]byte{enginePong}, payload...)
}

// EncodeOpen builds an Engine.IO open frame. Servers send it; tests use it.
func EncodeOpen(h Handshake) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	return append([]byte{engineOpen}, body...), nil
}
