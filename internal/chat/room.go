package chat

import "time"

// RoomType controls who may discover and join a room.
type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
	RoomDirect  RoomType = "direct"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	switch t {
	case RoomPublic, RoomPrivate, RoomDirect:
		return true
	}
	return false
}

// Role is a member's role within a room.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Member is one durable membership entry.
type Member struct {
	User     UserRef   `json:"user"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Room is the durable room document.
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Type          RoomType  `json:"type"`
	CreatorID     string    `json:"creator"`
	Members       []Member  `json:"members"`
	LastMessageID string    `json:"-"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`
	IsActive      bool      `json:"isActive"`
	Avatar        string    `json:"avatar,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsMember reports whether userID holds a durable membership.
func (r *Room) IsMember(userID string) bool {
	for _, m := range r.Members {
		if m.User.ID == userID {
			return true
		}
	}
	return false
}

// AddMember appends a membership entry unless userID already has one, so
// repeated joins never duplicate the entry. It reports whether r changed.
func (r *Room) AddMember(userID string, role Role, now time.Time) bool {
	if r.IsMember(userID) {
		return false
	}
	r.Members = append(r.Members, Member{
		User:     UserRef{ID: userID},
		Role:     role,
		JoinedAt: now,
	})
	r.UpdatedAt = now
	return true
}

// Clone returns a deep copy of r.
func (r *Room) Clone() *Room {
	c := *r
	c.Members = append([]Member(nil), r.Members...)
	if r.LastMessage != nil {
		c.LastMessage = r.LastMessage.Clone()
	}
	return &c
}
