package chat

import (
	"context"
	"time"
)

// Store is the durable document store for users, rooms and messages.
// Lookups of absent records return ErrNotFound. Update* run fn against the
// current document under a per-record lock and persist the result only when
// fn returns nil.
type Store interface {
	UpsertUser(ctx context.Context, u UserRef) error
	GetUsers(ctx context.Context, ids []string) (map[string]UserRef, error)

	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	UpdateRoom(ctx context.Context, id string, fn func(*Room) error) (*Room, error)
	// ListRoomsForMember returns active rooms userID belongs to, most
	// recently active first.
	ListRoomsForMember(ctx context.Context, userID string) ([]*Room, error)
	// ListPublicRooms returns active public rooms, most recently active first.
	ListPublicRooms(ctx context.Context) ([]*Room, error)
	TouchRoom(ctx context.Context, roomID, lastMessageID string, at time.Time) error

	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessages(ctx context.Context, ids []string) (map[string]*Message, error)
	UpdateMessage(ctx context.Context, id string, fn func(*Message) error) (*Message, error)
	// ListMessages returns a room's messages newest first.
	ListMessages(ctx context.Context, roomID string, skip, limit int) ([]*Message, error)
	// MarkRead adds a receipt for userID to every listed message of roomID
	// that does not have one yet, and returns the ids it changed.
	MarkRead(ctx context.Context, roomID, userID string, ids []string, at time.Time) ([]string, error)
}

// Action is a reaction change.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// ReactionUpdate is published after a reaction was committed.
type ReactionUpdate struct {
	MessageID string
	Reaction  string
	Action    Action
	UserID    string
}

// ReadUpdate is published after read receipts were committed.
type ReadUpdate struct {
	MessageIDs []string
	UserID     string
	ReadAt     time.Time
}

// Publisher mirrors committed mutations to live subscribers of a room.
// exclude is a live session id that should not receive the event, or "".
// Implementations must not block on slow receivers.
type Publisher interface {
	MessageCreated(roomID string, m *Message, exclude string)
	MessageUpdated(roomID string, m *Message, exclude string)
	ReactionChanged(roomID string, u ReactionUpdate, exclude string)
	MessagesRead(roomID string, u ReadUpdate, exclude string)
}

// RateLimiter decides whether the identified caller may act again now.
type RateLimiter interface {
	Allow(ctx context.Context, id string) (bool, error)
}

type nopPublisher struct{}

func (nopPublisher) MessageCreated(string, *Message, string)        {}
func (nopPublisher) MessageUpdated(string, *Message, string)        {}
func (nopPublisher) ReactionChanged(string, ReactionUpdate, string) {}
func (nopPublisher) MessagesRead(string, ReadUpdate, string)        {}
