// Package chat holds the durable room and message model, the rules that
// mutate it, and the Service that applies those rules against a Store and
// mirrors every committed change to live subscribers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	// MaxPage keeps the history offset within an int.
	MaxPage = math.MaxInt / MaxPageSize
)

// Actor is the authenticated caller of a Service operation. SessionID is the
// caller's own live session, if known, and is excluded from the broadcast
// that mirrors the caller's change.
type Actor struct {
	UserID    string
	Email     string
	Name      string
	SessionID string
}

// Page is one page of room history, oldest first.
type Page struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"hasMore"`
}

// Service implements the room and message operations.
type Service struct {
	store   Store
	pub     Publisher
	limiter RateLimiter
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher mirrors committed changes through p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithRateLimiter throttles message creation.
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		pub:   nopPublisher{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureUser records the caller in the user directory so reads can populate
// sender details.
func (s *Service) EnsureUser(ctx context.Context, a Actor) error {
	name := a.Name
	if name == "" {
		name, _, _ = strings.Cut(a.Email, "@")
	}
	if err := s.store.UpsertUser(ctx, UserRef{ID: a.UserID, Email: a.Email, Name: name}); err != nil {
		return fmt.Errorf("chat: ensure user: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// CreateRoom creates a room with the caller as its only admin.
func (s *Service) CreateRoom(ctx context.Context, a Actor, in NewRoom) (*Room, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	r := &Room{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Description:  in.Description,
		Type:         in.Type,
		CreatorID:    a.UserID,
		LastActivity: now,
		IsActive:     true,
		Avatar:       in.Avatar,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.AddMember(a.UserID, RoleAdmin, now)

	if err := s.store.CreateRoom(ctx, r); err != nil {
		return nil, fmt.Errorf("chat: create room: %w", err)
	}
	if err := s.populateRooms(ctx, []*Room{r}, false); err != nil {
		return nil, err
	}
	return r, nil
}

// JoinRoom adds the caller to a public room. Joining a room the caller
// already belongs to succeeds without touching the membership list.
func (s *Service) JoinRoom(ctx context.Context, a Actor, roomID string) (*Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, &ValidationError{Problems: []string{"Room ID is required"}}
	}

	r, err := s.store.UpdateRoom(ctx, roomID, func(r *Room) error {
		if !r.IsActive {
			return ErrNotFound
		}
		if r.Type != RoomPublic {
			return ErrForbidden
		}
		r.AddMember(a.UserID, RoleMember, s.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
			return nil, err
		}
		return nil, fmt.Errorf("chat: join room: %w", err)
	}
	if err := s.populateRooms(ctx, []*Room{r}, false); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRooms returns the active rooms the caller belongs to.
func (s *Service) ListRooms(ctx context.Context, a Actor) ([]*Room, error) {
	rooms, err := s.store.ListRoomsForMember(ctx, a.UserID)
	if err != nil {
		return nil, fmt.Errorf("chat: list rooms: %w", err)
	}
	if err := s.populateRooms(ctx, rooms, true); err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListPublicRooms returns every active public room.
func (s *Service) ListPublicRooms(ctx context.Context) ([]*Room, error) {
	rooms, err := s.store.ListPublicRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list public rooms: %w", err)
	}
	if rooms == nil {
		rooms = []*Room{}
	}
	return rooms, nil
}

// Authorize returns the room if userID is a durable member of an active
// room. A missing room and a non-member both yield ErrForbidden.
func (s *Service) Authorize(ctx context.Context, userID, roomID string) (*Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, &ValidationError{Problems: []string{"Room ID is required"}}
	}
	r, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get room: %w", err)
	}
	if !r.IsActive || !r.IsMember(userID) {
		return nil, ErrForbidden
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// ListMessages returns one page of a room's history, oldest first within
// the page, and marks every fetched message the caller had not read yet.
func (s *Service) ListMessages(ctx context.Context, a Actor, roomID string, page, limit int) (*Page, error) {
	if _, err := s.Authorize(ctx, a.UserID, roomID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	msgs, err := s.store.ListMessages(ctx, roomID, (page-1)*limit, limit+1)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	// Newest first from the store; the page is returned oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	var unread []string
	for _, m := range msgs {
		if !m.HasRead(a.UserID) {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) > 0 {
		now := s.now()
		marked, err := s.store.MarkRead(ctx, roomID, a.UserID, unread, now)
		if err != nil {
			return nil, fmt.Errorf("chat: mark read: %w", err)
		}
		if len(marked) > 0 {
			for _, m := range msgs {
				m.MarkRead(a.UserID, now)
			}
			s.pub.MessagesRead(roomID, ReadUpdate{MessageIDs: marked, UserID: a.UserID, ReadAt: now}, a.SessionID)
		}
	}

	if err := s.populateMessages(ctx, msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return &Page{Messages: msgs, HasMore: hasMore}, nil
}

// PostMessage stores a new message from a durable member, then mirrors it
// to the room's live subscribers.
func (s *Service) PostMessage(ctx context.Context, a Actor, in NewMessage) (*Message, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Authorize(ctx, a.UserID, in.RoomID); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, a.UserID); err != nil {
		return nil, err
	}

	var reply *ReplyRef
	if in.ReplyTo != "" {
		target, err := s.store.GetMessage(ctx, in.ReplyTo)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("chat: get reply target: %w", err)
		}
		if target == nil || target.RoomID != in.RoomID {
			return nil, &ValidationError{Problems: []string{"Reply target not found in this room"}}
		}
		reply = &ReplyRef{ID: target.ID}
	}

	now := s.now()
	m := &Message{
		ID:         uuid.NewString(),
		RoomID:     in.RoomID,
		Sender:     UserRef{ID: a.UserID},
		Content:    in.Content,
		Type:       in.Type,
		ReplyTo:    reply,
		Attachment: in.Attachment,
		Reactions:  []Reaction{},
		ReadBy:     []ReadReceipt{{UserID: a.UserID, ReadAt: now}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("chat: create message: %w", err)
	}
	if err := s.store.TouchRoom(ctx, m.RoomID, m.ID, now); err != nil {
		// The message is committed; a stale lastActivity is not worth failing for.
		log.Printf("chat: touch room=%s after message=%s: %v", m.RoomID, m.ID, err)
	}

	if err := s.populateMessages(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	s.pub.MessageCreated(m.RoomID, m, a.SessionID)
	return m, nil
}

// EditMessage replaces the content of the caller's own message.
func (s *Service) EditMessage(ctx context.Context, a Actor, messageID, content string) (*Message, error) {
	messageID = strings.TrimSpace(messageID)
	content = strings.TrimSpace(content)
	var p problems
	if messageID == "" {
		p.add("Message ID is required")
	}
	if err := ValidateContent(content); err != nil {
		p = append(p, err.(*ValidationError).Problems...)
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	m, err := s.store.UpdateMessage(ctx, messageID, func(m *Message) error {
		return m.Edit(a.UserID, content, s.now())
	})
	if err != nil {
		return nil, s.wrapMutation("edit message", err)
	}
	if err := s.populateMessages(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	s.pub.MessageUpdated(m.RoomID, m, a.SessionID)
	return m, nil
}

// DeleteMessage soft-deletes the caller's own message.
func (s *Service) DeleteMessage(ctx context.Context, a Actor, messageID string) (*Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, &ValidationError{Problems: []string{"Message ID is required"}}
	}

	m, err := s.store.UpdateMessage(ctx, messageID, func(m *Message) error {
		return m.SoftDelete(a.UserID, s.now())
	})
	if err != nil {
		return nil, s.wrapMutation("delete message", err)
	}
	if err := s.populateMessages(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	s.pub.MessageUpdated(m.RoomID, m, a.SessionID)
	return m, nil
}

// React adds or removes the caller's reaction. roomID, when given, must be
// the message's room. The caller must be a durable member of that room.
func (s *Service) React(ctx context.Context, a Actor, roomID, messageID, emoji string, action Action) (*Message, error) {
	messageID = strings.TrimSpace(messageID)
	var p problems
	if messageID == "" {
		p.add("Message ID is required")
	}
	if err := ValidateEmoji(emoji); err != nil {
		p = append(p, err.(*ValidationError).Problems...)
	}
	if action != ActionAdd && action != ActionRemove {
		p.add(fmt.Sprintf("Invalid action %q", action))
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	current, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, s.wrapMutation("get message", err)
	}
	if roomID != "" && current.RoomID != roomID {
		return nil, ErrNotFound
	}
	if _, err := s.Authorize(ctx, a.UserID, current.RoomID); err != nil {
		return nil, err
	}

	changed := false
	m, err := s.store.UpdateMessage(ctx, messageID, func(m *Message) error {
		if m.IsDeleted {
			return ErrNotFound
		}
		if action == ActionAdd {
			changed = m.AddReaction(a.UserID, emoji, s.now())
		} else {
			changed = m.RemoveReaction(a.UserID, emoji, s.now())
		}
		return nil
	})
	if err != nil {
		return nil, s.wrapMutation("react", err)
	}
	if err := s.populateMessages(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	if changed {
		s.pub.ReactionChanged(m.RoomID, ReactionUpdate{
			MessageID: m.ID,
			Reaction:  emoji,
			Action:    action,
			UserID:    a.UserID,
		}, a.SessionID)
	}
	return m, nil
}

// MarkRead records receipts for the listed messages of roomID and returns
// the ids that were not read before.
func (s *Service) MarkRead(ctx context.Context, a Actor, roomID string, messageIDs []string) ([]string, error) {
	var p problems
	if len(messageIDs) == 0 {
		p.add("Message IDs are required")
	}
	if len(messageIDs) > MaxReadBatch {
		p.add(fmt.Sprintf("At most %d message IDs per request", MaxReadBatch))
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if _, err := s.Authorize(ctx, a.UserID, roomID); err != nil {
		return nil, err
	}

	now := s.now()
	marked, err := s.store.MarkRead(ctx, roomID, a.UserID, messageIDs, now)
	if err != nil {
		return nil, fmt.Errorf("chat: mark read: %w", err)
	}
	if len(marked) > 0 {
		s.pub.MessagesRead(roomID, ReadUpdate{MessageIDs: marked, UserID: a.UserID, ReadAt: now}, a.SessionID)
	}
	if marked == nil {
		marked = []string{}
	}
	return marked, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Service) allow(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, userID)
	if err != nil {
		// Fail open: a limiter outage must not block chat.
		log.Printf("chat: rate limiter error user=%s: %v", userID, err)
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) wrapMutation(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return err
	}
	return fmt.Errorf("chat: %s: %w", op, err)
}

// populateMessages fills sender details and reply summaries in place.
func (s *Service) populateMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var replyIDs []string
	for _, m := range msgs {
		if m.ReplyTo != nil {
			replyIDs = append(replyIDs, m.ReplyTo.ID)
		}
	}
	replies := map[string]*Message{}
	if len(replyIDs) > 0 {
		var err error
		if replies, err = s.store.GetMessages(ctx, replyIDs); err != nil {
			return fmt.Errorf("chat: load reply targets: %w", err)
		}
	}

	userIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		userIDs = append(userIDs, m.Sender.ID)
	}
	users, err := s.store.GetUsers(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("chat: load senders: %w", err)
	}

	for _, m := range msgs {
		if u, ok := users[m.Sender.ID]; ok {
			m.Sender = u
		}
		if m.ReplyTo != nil {
			if target, ok := replies[m.ReplyTo.ID]; ok {
				m.ReplyTo.Content = target.Content
				m.ReplyTo.SenderID = target.Sender.ID
			}
		}
		if m.Reactions == nil {
			m.Reactions = []Reaction{}
		}
		if m.ReadBy == nil {
			m.ReadBy = []ReadReceipt{}
		}
	}
	return nil
}

// populateRooms fills member details and, when withLast is set, the last
// message of each room.
func (s *Service) populateRooms(ctx context.Context, rooms []*Room, withLast bool) error {
	var userIDs, lastIDs []string
	for _, r := range rooms {
		for _, m := range r.Members {
			userIDs = append(userIDs, m.User.ID)
		}
		if withLast && r.LastMessageID != "" {
			lastIDs = append(lastIDs, r.LastMessageID)
		}
	}

	users, err := s.store.GetUsers(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("chat: load members: %w", err)
	}
	last := map[string]*Message{}
	if len(lastIDs) > 0 {
		if last, err = s.store.GetMessages(ctx, lastIDs); err != nil {
			return fmt.Errorf("chat: load last messages: %w", err)
		}
	}

	for _, r := range rooms {
		for i := range r.Members {
			if u, ok := users[r.Members[i].User.ID]; ok {
				r.Members[i].User = u
			}
		}
		if m, ok := last[r.LastMessageID]; ok {
			r.LastMessage = m
		}
	}
	return nil
}
