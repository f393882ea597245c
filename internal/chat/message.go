package chat

import (
	"time"
)

// MessageType enumerates the kinds of message a room can hold.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Tombstone replaces the content of a soft-deleted message.
const Tombstone = "[This message was deleted]"

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

// UserRef is a user as embedded in messages and rooms. Only ID is stored;
// the rest is populated from the user directory on reads.
type UserRef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	ID       string `json:"id"`
	Content  string `json:"content,omitempty"`
	SenderID string `json:"sender,omitempty"`
}

// Attachment describes an uploaded file. Storage of the bytes is external.
type Attachment struct {
	Filename     string `json:"filename,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	Mimetype     string `json:"mimetype,omitempty"`
	Size         int64  `json:"size,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Reaction is one (user, emoji) pair on a message.
type Reaction struct {
	UserID    string    `json:"user"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID string    `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

// Message is the durable message document. ID, Sender, RoomID and CreatedAt
// never change after creation; everything else is mutated only through the
// methods below.
type Message struct {
	ID         string        `json:"id"`
	RoomID     string        `json:"room"`
	Sender     UserRef       `json:"sender"`
	Content    string        `json:"content"`
	Type       MessageType   `json:"type"`
	ReplyTo    *ReplyRef     `json:"replyTo"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	Reactions  []Reaction    `json:"reactions"`
	IsEdited   bool          `json:"isEdited"`
	EditedAt   *time.Time    `json:"editedAt,omitempty"`
	IsDeleted  bool          `json:"isDeleted"`
	DeletedAt  *time.Time    `json:"deletedAt,omitempty"`
	ReadBy     []ReadReceipt `json:"readBy"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// AddReaction appends (userID, emoji) unless it is already present. It
// reports whether the message changed.
func (m *Message) AddReaction(userID, emoji string, now time.Time) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, CreatedAt: now})
	m.UpdatedAt = now
	return true
}

// RemoveReaction drops every (userID, emoji) entry. Removing an absent
// reaction is a no-op.
func (m *Message) RemoveReaction(userID, emoji string, now time.Time) bool {
	kept := m.Reactions[:0]
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			continue
		}
		kept = append(kept, r)
	}
	changed := len(kept) != len(m.Reactions)
	m.Reactions = kept
	if changed {
		m.UpdatedAt = now
	}
	return changed
}

// HasRead reports whether userID has a read receipt.
func (m *Message) HasRead(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MarkRead records a receipt for userID. Read state is monotonic: a second
// call is a no-op and receipts are never removed.
func (m *Message) MarkRead(userID string, now time.Time) bool {
	if m.HasRead(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: now})
	return true
}

// Edit replaces the content. Only the sender may edit, and never after a
// soft delete; both cases report ErrNotFound.
func (m *Message) Edit(userID, content string, now time.Time) error {
	if m.IsDeleted || m.Sender.ID != userID {
		return ErrNotFound
	}
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &now
	m.UpdatedAt = now
	return nil
}

// SoftDelete tombstones the message. The record, its id and its position in
// the room timeline are kept so replies to it still resolve.
func (m *Message) SoftDelete(userID string, now time.Time) error {
	if m.IsDeleted || m.Sender.ID != userID {
		return ErrNotFound
	}
	m.IsDeleted = true
	m.DeletedAt = &now
	m.Content = Tombstone
	m.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	c.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	return &c
}
