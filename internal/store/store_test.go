package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/roomchat/internal/chat"
)

// newPostgres connects to DATABASE_URL and applies migrations. Tests that
// call this helper are skipped when no database is configured.
func newPostgres(t *testing.T) chat.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return NewPostgres(db)
}

func newMemory(t *testing.T) chat.Store {
	return NewMemory()
}

// runStoreSuite runs the shared behaviour checks against every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) chat.Store) {
	t.Run("RoomLifecycle", func(t *testing.T) { testRoomLifecycle(t, newStore(t)) })
	t.Run("RoomListing", func(t *testing.T) { testRoomListing(t, newStore(t)) })
	t.Run("MessageTimeline", func(t *testing.T) { testMessageTimeline(t, newStore(t)) })
	t.Run("UpdateMessage", func(t *testing.T) { testUpdateMessage(t, newStore(t)) })
	t.Run("MarkRead", func(t *testing.T) { testMarkRead(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
}

func TestMemoryStore(t *testing.T)   { runStoreSuite(t, newMemory) }
func TestPostgresStore(t *testing.T) { runStoreSuite(t, newPostgres) }

// base is truncated to microseconds so round trips through Postgres compare equal.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRoom(creator string, typ chat.RoomType, at time.Time) *chat.Room {
	r := &chat.Room{
		ID:           uuid.NewString(),
		Name:         "room " + creator,
		Type:         typ,
		CreatorID:    creator,
		LastActivity: at,
		IsActive:     true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	r.AddMember(creator, chat.RoleAdmin, at)
	return r
}

func newMessage(roomID, sender, content string, at time.Time) *chat.Message {
	return &chat.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Sender:    chat.UserRef{ID: sender},
		Content:   content,
		Type:      chat.TypeText,
		Reactions: []chat.Reaction{},
		ReadBy:    []chat.ReadReceipt{{UserID: sender, ReadAt: at}},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func testRoomLifecycle(t *testing.T, s chat.Store) {
	ctx := context.Background()
	creator := "u-" + uuid.NewString()
	r := newRoom(creator, chat.RoomPublic, base)
	if err := s.CreateRoom(ctx, r); err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}

	got, err := s.GetRoom(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRoom() error: %v", err)
	}
	if got.Name != r.Name || got.Type != chat.RoomPublic || !got.IsActive {
		t.Errorf("unexpected room: %+v", got)
	}
	if len(got.Members) != 1 || got.Members[0].User.ID != creator || got.Members[0].Role != chat.RoleAdmin {
		t.Fatalf("unexpected members: %+v", got.Members)
	}

	joiner := "u-" + uuid.NewString()
	for i := 0; i < 2; i++ {
		_, err := s.UpdateRoom(ctx, r.ID, func(r *chat.Room) error {
			r.AddMember(joiner, chat.RoleMember, base.Add(time.Minute))
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateRoom() error: %v", err)
		}
	}
	got, _ = s.GetRoom(ctx, r.ID)
	if len(got.Members) != 2 {
		t.Fatalf("expected 2 members after repeated join, got %d", len(got.Members))
	}

	// A failing update leaves the room untouched.
	sentinel := errors.New("refused")
	_, err = s.UpdateRoom(ctx, r.ID, func(r *chat.Room) error {
		r.AddMember("someone-else", chat.RoleMember, base)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	got, _ = s.GetRoom(ctx, r.ID)
	if got.IsMember("someone-else") {
		t.Error("failed update must not persist")
	}

	if _, err := s.GetRoom(ctx, "missing-"+uuid.NewString()); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpdateRoom(ctx, "missing-"+uuid.NewString(), func(*chat.Room) error { return nil }); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound from UpdateRoom, got %v", err)
	}
}

func testRoomListing(t *testing.T, s chat.Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()

	older := newRoom(user, chat.RoomPrivate, base)
	newer := newRoom(user, chat.RoomPublic, base.Add(time.Hour))
	inactive := newRoom(user, chat.RoomPublic, base.Add(2*time.Hour))
	inactive.IsActive = false
	for _, r := range []*chat.Room{older, newer, inactive} {
		if err := s.CreateRoom(ctx, r); err != nil {
			t.Fatalf("CreateRoom() error: %v", err)
		}
	}

	rooms, err := s.ListRoomsForMember(ctx, user)
	if err != nil {
		t.Fatalf("ListRoomsForMember() error: %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != newer.ID || rooms[1].ID != older.ID {
		t.Fatalf("expected [newer, older], got %d rooms", len(rooms))
	}

	// Touching the older room moves it to the front.
	msg := newMessage(older.ID, user, "hi", base.Add(3*time.Hour))
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	if err := s.TouchRoom(ctx, older.ID, msg.ID, msg.CreatedAt); err != nil {
		t.Fatalf("TouchRoom() error: %v", err)
	}
	rooms, _ = s.ListRoomsForMember(ctx, user)
	if rooms[0].ID != older.ID || rooms[0].LastMessageID != msg.ID {
		t.Errorf("expected touched room first with last message %s, got %+v", msg.ID, rooms[0])
	}

	public, err := s.ListPublicRooms(ctx)
	if err != nil {
		t.Fatalf("ListPublicRooms() error: %v", err)
	}
	for _, r := range public {
		if r.Type != chat.RoomPublic || !r.IsActive {
			t.Errorf("non-public or inactive room listed: %+v", r)
		}
		if r.ID == older.ID || r.ID == inactive.ID {
			t.Errorf("room %s must not be listed as public", r.ID)
		}
	}
}

func testMessageTimeline(t *testing.T, s chat.Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	r := newRoom(user, chat.RoomPublic, base)
	if err := s.CreateRoom(ctx, r); err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}

	const total = 7
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		m := newMessage(r.ID, user, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage() error: %v", err)
		}
		ids[i] = m.ID
	}

	page, err := s.ListMessages(ctx, r.ID, 0, 3)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(page) != 3 || page[0].ID != ids[6] || page[2].ID != ids[4] {
		t.Fatalf("expected newest three first, got %d", len(page))
	}

	page, _ = s.ListMessages(ctx, r.ID, 6, 3)
	if len(page) != 1 || page[0].ID != ids[0] {
		t.Fatalf("expected only the oldest message past offset 6, got %d", len(page))
	}

	page, _ = s.ListMessages(ctx, r.ID, 10, 3)
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(page))
	}

	page, err = s.ListMessages(ctx, r.ID, -40, 3)
	if err != nil || len(page) != 0 {
		t.Errorf("negative offset: expected empty page, got %d (err=%v)", len(page), err)
	}

	got, err := s.GetMessages(ctx, []string{ids[1], ids[2], "missing"})
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	if len(got) != 2 || got[ids[1]].Content != "m1" {
		t.Errorf("unexpected GetMessages result: %d entries", len(got))
	}
}

func testUpdateMessage(t *testing.T, s chat.Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	r := newRoom(user, chat.RoomPublic, base)
	if err := s.CreateRoom(ctx, r); err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	m := newMessage(r.ID, user, "original", base)
	m.ReplyTo = &chat.ReplyRef{ID: "parent"}
	m.Attachment = &chat.Attachment{Filename: "a.png", Mimetype: "image/png", Size: 42}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}

	later := base.Add(time.Minute)
	updated, err := s.UpdateMessage(ctx, m.ID, func(m *chat.Message) error {
		m.AddReaction("peer", "👍", later)
		return m.Edit(user, "edited", later)
	})
	if err != nil {
		t.Fatalf("UpdateMessage() error: %v", err)
	}
	if updated.Content != "edited" || !updated.IsEdited || updated.EditedAt == nil {
		t.Errorf("edit not applied: %+v", updated)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.Content != "edited" || len(got.Reactions) != 1 || got.Reactions[0].Emoji != "👍" {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.ReplyTo == nil || got.ReplyTo.ID != "parent" {
		t.Errorf("reply reference lost: %+v", got.ReplyTo)
	}
	if got.Attachment == nil || got.Attachment.Size != 42 {
		t.Errorf("attachment lost: %+v", got.Attachment)
	}

	_, err = s.UpdateMessage(ctx, m.ID, func(m *chat.Message) error {
		return m.Edit("intruder", "hijack", later)
	})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound for non-sender edit, got %v", err)
	}
	if _, err := s.GetMessage(ctx, "missing-"+uuid.NewString()); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testMarkRead(t *testing.T, s chat.Store) {
	ctx := context.Background()
	author := "u-" + uuid.NewString()
	reader := "u-" + uuid.NewString()
	r := newRoom(author, chat.RoomPublic, base)
	other := newRoom(author, chat.RoomPublic, base)
	for _, room := range []*chat.Room{r, other} {
		if err := s.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom() error: %v", err)
		}
	}

	a := newMessage(r.ID, author, "a", base)
	b := newMessage(r.ID, author, "b", base.Add(time.Second))
	foreign := newMessage(other.ID, author, "c", base)
	for _, m := range []*chat.Message{a, b, foreign} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage() error: %v", err)
		}
	}

	at := base.Add(time.Hour)
	marked, err := s.MarkRead(ctx, r.ID, reader, []string{a.ID, b.ID, foreign.ID}, at)
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("expected 2 newly read ids, got %v", marked)
	}

	marked, err = s.MarkRead(ctx, r.ID, reader, []string{a.ID, b.ID}, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("second MarkRead() error: %v", err)
	}
	if len(marked) != 0 {
		t.Errorf("second MarkRead must be a no-op, got %v", marked)
	}

	got, _ := s.GetMessage(ctx, a.ID)
	if len(got.ReadBy) != 2 || !got.HasRead(reader) {
		t.Fatalf("expected author and reader receipts, got %+v", got.ReadBy)
	}
	for _, rr := range got.ReadBy {
		if rr.UserID == reader && !rr.ReadAt.Equal(at) {
			t.Errorf("expected readAt %v, got %v", at, rr.ReadAt)
		}
	}
	if got, _ := s.GetMessage(ctx, foreign.ID); got.HasRead(reader) {
		t.Error("message of another room must not be marked")
	}
}

func testUsers(t *testing.T, s chat.Store) {
	ctx := context.Background()
	id := "u-" + uuid.NewString()
	if err := s.UpsertUser(ctx, chat.UserRef{ID: id, Name: "Ada", Email: "ada@example.com", Avatar: "a.png"}); err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}
	if err := s.UpsertUser(ctx, chat.UserRef{ID: id, Name: "Ada L", Email: "ada@example.com"}); err != nil {
		t.Fatalf("second UpsertUser() error: %v", err)
	}

	users, err := s.GetUsers(ctx, []string{id, "nobody"})
	if err != nil {
		t.Fatalf("GetUsers() error: %v", err)
	}
	u, ok := users[id]
	if !ok || len(users) != 1 {
		t.Fatalf("expected exactly one user, got %+v", users)
	}
	if u.Name != "Ada L" || u.Avatar != "a.png" {
		t.Errorf("expected updated name and kept avatar, got %+v", u)
	}
}
