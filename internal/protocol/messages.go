// Package protocol defines the live event types exchanged over the WebSocket
// connection. Every frame is a JSON object whose "type" field names the
// event; each type has a fixed schema, and client frames are validated on
// receipt.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/roomchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinRoom        = "join-room"
	TypeLeaveRoom       = "leave-room"
	TypeSendMessage     = "send-message"
	TypeTypingStart     = "typing-start"
	TypeTypingStop      = "typing-stop"
	TypeMessageReaction = "message-reaction"
	TypeMessageRead     = "message-read"
	TypePing            = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated        = "session-created"
	TypeUserOnline            = "user-online"
	TypeUserOffline           = "user-offline"
	TypeUserTyping            = "user-typing"
	TypeNewMessage            = "new-message"
	TypeMessageUpdated        = "message-updated"
	TypeMessageReactionUpdate = "message-reaction-update"
	TypeMessagesRead          = "messages-read"
	TypeMessageSent           = "message-sent"
	TypeRateLimited           = "rate-limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest   = "bad_request"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
	CodeUnknownEvent = "unknown_event"
)

// ErrInvalid is wrapped by every decoding and validation failure.
var ErrInvalid = errors.New("protocol: invalid message")

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrInvalid, err)
	}
	if partial.Type == "" {
		return fmt.Errorf("%w: missing or empty \"type\" field", ErrInvalid)
	}
	e.Type = partial.Type
	return nil
}

// ClientMessage is implemented by every client -> server event.
type ClientMessage interface {
	Validate() error
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RoomMsg is the payload of join-room, leave-room, typing-start and
// typing-stop.
type RoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func (m RoomMsg) Validate() error {
	return requireRoom(m.RoomID)
}

// SendMessageMsg asks the server to persist and broadcast a message.
// ClientID is echoed in the message-sent acknowledgement.
type SendMessageMsg struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	ClientID string          `json:"clientId,omitempty"`
	Message  chat.NewMessage `json:"message"`
}

func (m SendMessageMsg) Validate() error {
	if err := requireRoom(m.RoomID); err != nil {
		return err
	}
	if m.Message.RoomID != "" && m.Message.RoomID != m.RoomID {
		return fmt.Errorf("%w: message roomId does not match", ErrInvalid)
	}
	return nil
}

// MessageReactionMsg adds or removes the caller's reaction on a message.
type MessageReactionMsg struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	MessageID string      `json:"messageId"`
	Reaction  string      `json:"reaction"`
	Action    chat.Action `json:"action"`
}

func (m MessageReactionMsg) Validate() error {
	if err := requireRoom(m.RoomID); err != nil {
		return err
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalid)
	}
	if m.Reaction == "" {
		return fmt.Errorf("%w: reaction is required", ErrInvalid)
	}
	if m.Action != chat.ActionAdd && m.Action != chat.ActionRemove {
		return fmt.Errorf("%w: action must be %q or %q", ErrInvalid, chat.ActionAdd, chat.ActionRemove)
	}
	return nil
}

// MessageReadMsg marks a batch of messages read.
type MessageReadMsg struct {
	Type       string   `json:"type"`
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

func (m MessageReadMsg) Validate() error {
	if err := requireRoom(m.RoomID); err != nil {
		return err
	}
	if len(m.MessageIDs) == 0 {
		return fmt.Errorf("%w: messageIds is required", ErrInvalid)
	}
	if len(m.MessageIDs) > chat.MaxReadBatch {
		return fmt.Errorf("%w: at most %d messageIds", ErrInvalid, chat.MaxReadBatch)
	}
	return nil
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (PingMsg) Validate() error { return nil }

func requireRoom(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalid)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the handshake succeeded.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// PresenceMsg is the payload of user-online and user-offline. LastSeen is
// set only for user-offline.
type PresenceMsg struct {
	Type     string     `json:"type"`
	RoomID   string     `json:"roomId"`
	UserID   string     `json:"userId"`
	Email    string     `json:"email"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// UserTypingMsg relays a peer's typing state.
type UserTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	IsTyping bool   `json:"isTyping"`
}

// MessageEventMsg is the payload of new-message and message-updated.
type MessageEventMsg struct {
	Type      string        `json:"type"`
	RoomID    string        `json:"roomId"`
	Message   *chat.Message `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// ReactionUpdateMsg mirrors a committed reaction change.
type ReactionUpdateMsg struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	MessageID string      `json:"messageId"`
	Reaction  string      `json:"reaction"`
	Action    chat.Action `json:"action"`
	UserID    string      `json:"userId"`
}

// MessagesReadMsg mirrors committed read receipts.
type MessagesReadMsg struct {
	Type       string    `json:"type"`
	RoomID     string    `json:"roomId"`
	MessageIDs []string  `json:"messageIds"`
	UserID     string    `json:"userId"`
	ReadAt     time.Time `json:"readAt"`
}

// MessageSentMsg acknowledges a send-message to its sender.
type MessageSentMsg struct {
	Type     string        `json:"type"`
	ClientID string        `json:"clientId,omitempty"`
	Message  *chat.Message `json:"message"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated
// client message. It returns the event type, the decoded struct and any
// error encountered. Unknown and server-only types are rejected.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if !errors.Is(err, ErrInvalid) {
			err = fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return "", nil, err
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeJoinRoom, TypeLeaveRoom, TypeTypingStart, TypeTypingStop:
		var m RoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageReaction:
		var m MessageReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: unknown client message type %q", ErrInvalid, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: decode %q payload: %v", ErrInvalid, env.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes a server message. msgType is injected into the
// payload under the "type" key, overriding whatever the struct carried.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Errorf encodes an error frame for the given client event.
func Errorf(event, code, format string, args ...interface{}) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{
		Event:   event,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
	return data
}
