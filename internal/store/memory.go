// Package store provides chat.Store implementations: an in-process Memory
// store for tests and single-node development, and a Postgres store for
// production.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/chat"
)

// Memory is a chat.Store held entirely in process memory. Every read returns
// a deep copy, so callers may mutate results freely.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]chat.UserRef
	rooms    map[string]*chat.Room
	messages map[string]*chat.Message
	timeline map[string][]string // room id -> message ids in creation order
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]chat.UserRef),
		rooms:    make(map[string]*chat.Room),
		messages: make(map[string]*chat.Message),
		timeline: make(map[string][]string),
	}
}

var _ chat.Store = (*Memory)(nil)

func (s *Memory) UpsertUser(_ context.Context, u chat.UserRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok && u.Avatar == "" {
		u.Avatar = prev.Avatar
	}
	s.users[u.ID] = u
	return nil
}

func (s *Memory) GetUsers(_ context.Context, ids []string) (map[string]chat.UserRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]chat.UserRef, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *Memory) CreateRoom(_ context.Context, r *chat.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.ID]; ok {
		return fmt.Errorf("store: room %s already exists", r.ID)
	}
	c := r.Clone()
	c.LastMessage = nil
	s.rooms[r.ID] = c
	return nil
}

func (s *Memory) GetRoom(_ context.Context, id string) (*chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Memory) UpdateRoom(_ context.Context, id string, fn func(*chat.Room) error) (*chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	c := r.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	s.rooms[id] = c
	return c.Clone(), nil
}

func (s *Memory) ListRoomsForMember(_ context.Context, userID string) ([]*chat.Room, error) {
	return s.listRooms(func(r *chat.Room) bool { return r.IsMember(userID) }), nil
}

func (s *Memory) ListPublicRooms(_ context.Context) ([]*chat.Room, error) {
	return s.listRooms(func(r *chat.Room) bool { return r.Type == chat.RoomPublic }), nil
}

func (s *Memory) listRooms(match func(*chat.Room) bool) []*chat.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*chat.Room{}
	for _, r := range s.rooms {
		if r.IsActive && match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Memory) TouchRoom(_ context.Context, roomID, lastMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return chat.ErrNotFound
	}
	r.LastMessageID = lastMessageID
	r.LastActivity = at
	r.UpdatedAt = at
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Memory) CreateMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("store: message %s already exists", m.ID)
	}
	s.messages[m.ID] = m.Clone()
	s.timeline[m.RoomID] = append(s.timeline[m.RoomID], m.ID)
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) GetMessages(_ context.Context, ids []string) (map[string]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*chat.Message, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out[id] = m.Clone()
		}
	}
	return out, nil
}

func (s *Memory) UpdateMessage(_ context.Context, id string, fn func(*chat.Message) error) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	c := m.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	s.messages[id] = c
	return c.Clone(), nil
}

func (s *Memory) ListMessages(_ context.Context, roomID string, skip, limit int) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.timeline[roomID]
	out := []*chat.Message{}
	if skip < 0 {
		return out, nil
	}
	for i := len(ids) - 1 - skip; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.messages[ids[i]].Clone())
	}
	return out, nil
}

func (s *Memory) MarkRead(_ context.Context, roomID, userID string, ids []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []string
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.RoomID != roomID {
			continue
		}
		if m.MarkRead(userID, at) {
			marked = append(marked, id)
		}
	}
	return marked, nil
}
