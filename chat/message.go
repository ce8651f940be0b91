package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// MessageType is the kind tag of a chat message.
type MessageType uint8

const (
	TypeJoin MessageType = iota + 1
	TypeLeave
	TypeChat
	TypeRoomExpired
	TypeSystem
)

var (
	// ErrUnknownMessageType is returned for a type tag outside the closed set.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMalformedMessage wraps every reason a client frame could not be decoded.
	ErrMalformedMessage = errors.New("malformed message")
)

// SystemSender is the sender of messages synthesized by the server.
const SystemSender = "SYSTEM"

const (
	roomExpiredBody = "Room expired or doesn't exist"
	userLeftBody    = "User left"
)

func (t MessageType) String() string {
	switch t {
	case TypeJoin:
		return "JOIN"
	case TypeLeave:
		return "LEAVE"
	case TypeChat:
		return "CHAT"
	case TypeRoomExpired:
		return "ROOM_EXPIRED"
	case TypeSystem:
		return "SYSTEM"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// ParseMessageType maps a wire tag to its MessageType.
func ParseMessageType(s string) (MessageType, error) {
	switch s {
	case "JOIN":
		return TypeJoin, nil
	case "LEAVE":
		return TypeLeave, nil
	case "CHAT":
		return TypeChat, nil
	case "ROOM_EXPIRED":
		return TypeRoomExpired, nil
	case "SYSTEM":
		return TypeSystem, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
	}
}

func (t MessageType) MarshalText() ([]byte, error) {
	switch t {
	case TypeJoin, TypeLeave, TypeChat, TypeRoomExpired, TypeSystem:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}
}

func (t *MessageType) UnmarshalText(b []byte) error {
	v, err := ParseMessageType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// JSONSchema describes the wire form of MessageType.
func (MessageType) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "string",
		Enum: []any{"JOIN", "LEAVE", "CHAT", "ROOM_EXPIRED", "SYSTEM"},
	}
}

// ClientSendable reports whether clients may originate this kind. ROOM_EXPIRED
// and SYSTEM are only ever produced by the server.
func (t MessageType) ClientSendable() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeChat:
		return true
	default:
		return false
	}
}

// Message is the wire shape exchanged with clients and between processes.
type Message struct {
	RoomID    string      `json:"roomId" jsonschema:"minLength=1,maxLength=64"`
	Sender    string      `json:"sender"`
	Body      string      `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
}

// Encode renders m as JSON.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// inbound is the lenient decoding shape. Browser clients send the text as
// "content" and may omit or blank the timestamp.
type inbound struct {
	RoomID    string       `json:"roomId"`
	Sender    string       `json:"sender"`
	Body      *string      `json:"body"`
	Content   *string      `json:"content"`
	Timestamp string       `json:"timestamp"`
	Type      *MessageType `json:"type"`
}

// DecodeMessage parses a client frame. Errors wrap ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if in.Type == nil {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	msg := Message{RoomID: in.RoomID, Sender: in.Sender, Type: *in.Type}
	switch {
	case in.Body != nil:
		msg.Body = *in.Body
	case in.Content != nil:
		msg.Body = *in.Content
	}
	if in.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, in.Timestamp)
		if err != nil {
			return Message{}, fmt.Errorf("%w: timestamp: %w", ErrMalformedMessage, err)
		}
		msg.Timestamp = ts
	}
	return msg, nil
}

func roomExpiredMessage(roomID string, now time.Time) Message {
	return Message{RoomID: roomID, Sender: SystemSender, Body: roomExpiredBody, Timestamp: now, Type: TypeRoomExpired}
}

func systemMessage(roomID, body string, now time.Time) Message {
	return Message{RoomID: roomID, Sender: SystemSender, Body: body, Timestamp: now, Type: TypeSystem}
}

func leaveMessage(roomID, sender string, now time.Time) Message {
	return Message{RoomID: roomID, Sender: sender, Body: userLeftBody, Timestamp: now, Type: TypeLeave}
}

// envelope wraps a message on the relay channel with the publishing node so a
// process can drop its own publications.
type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}
