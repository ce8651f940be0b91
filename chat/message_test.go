package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMessageTypeText(t *testing.T) {
	for _, mt := range []MessageType{TypeJoin, TypeLeave, TypeChat, TypeRoomExpired, TypeSystem} {
		b, err := mt.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", mt, err)
		}
		var back MessageType
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back != mt {
			t.Fatalf("round trip %v -> %s -> %v", mt, b, back)
		}
	}

	if _, err := MessageType(0).MarshalText(); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType for zero value, got %v", err)
	}
	var mt MessageType
	for _, bad := range []string{"", "join", "TYPING", "CHAT "} {
		if err := mt.UnmarshalText([]byte(bad)); !errors.Is(err, ErrUnknownMessageType) {
			t.Fatalf("UnmarshalText(%q): expected ErrUnknownMessageType, got %v", bad, err)
		}
	}
}

func TestClientSendable(t *testing.T) {
	want := map[MessageType]bool{
		TypeJoin: true, TypeLeave: true, TypeChat: true,
		TypeRoomExpired: false, TypeSystem: false, 0: false,
	}
	for mt, ok := range want {
		if mt.ClientSendable() != ok {
			t.Fatalf("%v.ClientSendable() = %v, want %v", mt, !ok, ok)
		}
	}
}

func TestMessageWireShape(t *testing.T) {
	msg := Message{
		RoomID:    "abcd1234",
		Sender:    "alice",
		Body:      "hi",
		Timestamp: time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC),
		Type:      TypeChat,
	}
	b, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"roomId":"abcd1234","sender":"alice","body":"hi","timestamp":"2025-03-01T10:30:00Z","type":"CHAT"}`
	if string(b) != want {
		t.Fatalf("unexpected wire form\n got: %s\nwant: %s", b, want)
	}

	got, err := DecodeMessage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !sameMessage(got, msg) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, msg)
	}
}

func TestDecodeMessage(t *testing.T) {
	t.Run("content alias", func(t *testing.T) {
		m, err := DecodeMessage([]byte(`{"roomId":"r1","sender":"bob","content":"hello","type":"CHAT","timestamp":"2025-03-01T10:30:00.123Z"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Body != "hello" {
			t.Fatalf("expected content to populate body, got %q", m.Body)
		}
		if m.Timestamp.Nanosecond() != 123_000_000 {
			t.Fatalf("expected millisecond precision kept, got %s", m.Timestamp)
		}
	})

	t.Run("body wins over content", func(t *testing.T) {
		m, err := DecodeMessage([]byte(`{"roomId":"r1","body":"b","content":"c","type":"CHAT"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Body != "b" {
			t.Fatalf("expected body to win, got %q", m.Body)
		}
	})

	t.Run("blank timestamp", func(t *testing.T) {
		m, err := DecodeMessage([]byte(`{"roomId":"r1","type":"JOIN","timestamp":""}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !m.Timestamp.IsZero() {
			t.Fatalf("expected zero timestamp, got %s", m.Timestamp)
		}
	})

	bad := map[string]string{
		"not json":       `{"roomId":`,
		"missing type":   `{"roomId":"r1","body":"x"}`,
		"null type":      `{"roomId":"r1","type":null}`,
		"unknown type":   `{"roomId":"r1","type":"TYPING"}`,
		"numeric type":   `{"roomId":"r1","type":3}`,
		"bad timestamp":  `{"roomId":"r1","type":"CHAT","timestamp":"yesterday"}`,
		"numeric body":   `{"roomId":"r1","type":"CHAT","body":42}`,
	}
	for name, raw := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(raw))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}

	_, err := DecodeMessage([]byte(`{"roomId":"r1","type":"TYPING"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected unknown type to be identifiable, got %v", err)
	}
}

func TestEnvelopeCarriesOrigin(t *testing.T) {
	b, err := json.Marshal(envelope{Origin: "node-1", Message: leaveMessage("r1", "alice", time.Unix(0, 0).UTC())})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"origin":"node-1"`) || !strings.Contains(string(b), `"type":"LEAVE"`) {
		t.Fatalf("unexpected envelope %s", b)
	}
}

func sameMessage(a, b Message) bool {
	return a.RoomID == b.RoomID &&
		a.Sender == b.Sender &&
		a.Body == b.Body &&
		a.Type == b.Type &&
		a.Timestamp.Equal(b.Timestamp)
}
