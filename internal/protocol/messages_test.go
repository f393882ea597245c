package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/whisper/roomchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join-room message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinRoom(t *testing.T) {
	input := []byte(`{"type":"join-room","roomId":"room-1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinRoom {
		t.Fatalf("expected type %q, got %q", TypeJoinRoom, msgType)
	}

	rm, ok := msg.(RoomMsg)
	if !ok {
		t.Fatalf("expected RoomMsg, got %T", msg)
	}
	if rm.RoomID != "room-1" {
		t.Errorf("expected roomId %q, got %q", "room-1", rm.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a send-message with a nested message body
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send-message","roomId":"r1","clientId":"c-9",
		"message":{"content":"Hello!","type":"text","replyTo":"m-1"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "r1" || sm.ClientID != "c-9" {
		t.Errorf("unexpected envelope fields: %+v", sm)
	}
	if sm.Message.Content != "Hello!" || sm.Message.ReplyTo != "m-1" || sm.Message.Type != chat.TypeText {
		t.Errorf("unexpected message body: %+v", sm.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: Validation failures
// ---------------------------------------------------------------------------

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"join without room", `{"type":"join-room"}`},
		{"blank room", `{"type":"typing-start","roomId":"  "}`},
		{"mismatched message room", `{"type":"send-message","roomId":"a","message":{"roomId":"b","content":"x"}}`},
		{"reaction without emoji", `{"type":"message-reaction","roomId":"a","messageId":"m","action":"add"}`},
		{"reaction bad action", `{"type":"message-reaction","roomId":"a","messageId":"m","reaction":"x","action":"toggle"}`},
		{"read without ids", `{"type":"message-read","roomId":"a","messageIds":[]}`},
		{"wrong field type", `{"type":"message-read","roomId":"a","messageIds":"m1"}`},
		{"server-only type", `{"type":"new-message","roomId":"a"}`},
		{"invalid json", `{invalid json}`},
		{"missing type", `{"roomId":"a"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
			if msg != nil {
				t.Errorf("expected nil message, got %v", msg)
			}
		})
	}
}

func TestParseClientMessage_ReadBatchLimit(t *testing.T) {
	ids := make([]string, chat.MaxReadBatch+1)
	for i := range ids {
		ids[i] = "m"
	}
	data, _ := json.Marshal(MessageReadMsg{Type: TypeMessageRead, RoomID: "r", MessageIDs: ids})
	if _, _, err := ParseClientMessage(data); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for oversized batch, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	lastSeen := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	data, err := NewServerMessage(TypeUserOffline, PresenceMsg{
		Type:     "ignored",
		RoomID:   "r1",
		UserID:   "u1",
		Email:    "u1@example.com",
		LastSeen: &lastSeen,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded PresenceMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeUserOffline {
		t.Errorf("expected type %q, got %q", TypeUserOffline, decoded.Type)
	}
	if decoded.UserID != "u1" || decoded.Email != "u1@example.com" || decoded.RoomID != "r1" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
	if decoded.LastSeen == nil || !decoded.LastSeen.Equal(lastSeen) {
		t.Errorf("expected lastSeen %v, got %v", lastSeen, decoded.LastSeen)
	}
}

func TestNewServerMessage_OnlineOmitsLastSeen(t *testing.T) {
	data, err := NewServerMessage(TypeUserOnline, PresenceMsg{RoomID: "r1", UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(data), "lastSeen") {
		t.Errorf("user-online must not carry lastSeen: %s", data)
	}
}

func TestNewServerMessage_NestedMessageKeepsItsType(t *testing.T) {
	m := &chat.Message{ID: "m1", RoomID: "r1", Type: chat.TypeImage, Content: "pic"}
	data, err := NewServerMessage(TypeNewMessage, MessageEventMsg{RoomID: "r1", Message: m, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded MessageEventMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeNewMessage {
		t.Errorf("expected envelope type %q, got %q", TypeNewMessage, decoded.Type)
	}
	if decoded.Message == nil || decoded.Message.Type != chat.TypeImage || decoded.Message.ID != "m1" {
		t.Errorf("nested message mangled: %+v", decoded.Message)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypePong, []string{"a"}); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestErrorf(t *testing.T) {
	var decoded ErrorMsg
	if err := json.Unmarshal(Errorf(TypeJoinRoom, CodeForbidden, "not a member of %s", "r1"), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Event != TypeJoinRoom || decoded.Code != CodeForbidden {
		t.Errorf("unexpected error frame: %+v", decoded)
	}
	if decoded.Message != "not a member of r1" {
		t.Errorf("unexpected message %q", decoded.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join-room", `{"type":"join-room","roomId":"r"}`, TypeJoinRoom},
		{"leave-room", `{"type":"leave-room","roomId":"r"}`, TypeLeaveRoom},
		{"send-message", `{"type":"send-message","roomId":"r","message":{"content":"hi"}}`, TypeSendMessage},
		{"typing-start", `{"type":"typing-start","roomId":"r"}`, TypeTypingStart},
		{"typing-stop", `{"type":"typing-stop","roomId":"r"}`, TypeTypingStop},
		{"message-reaction", `{"type":"message-reaction","roomId":"r","messageId":"m","reaction":"👍","action":"add"}`, TypeMessageReaction},
		{"message-read", `{"type":"message-read","roomId":"r","messageIds":["m1","m2"]}`, TypeMessageRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
