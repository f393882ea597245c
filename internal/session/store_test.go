package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore requires a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("localhost:6379", "", "test-server")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateTouchDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	if err := s.Create(ctx, id, "u1", "u1@example.com"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	var got Session
	if err := s.Client().HGetAll(ctx, SessionPrefix+id).Scan(&got); err != nil {
		t.Fatalf("HGetAll() error: %v", err)
	}
	if got.ID != id || got.UserID != "u1" || got.Email != "u1@example.com" || got.Server != "test-server" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if ttl := s.Client().TTL(ctx, SessionPrefix+id).Val(); ttl <= 0 || ttl > SessionTTL {
		t.Errorf("unexpected TTL %v", ttl)
	}
	if err := s.Touch(ctx, id); err != nil {
		t.Errorf("Touch() error: %v", err)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n := s.Client().Exists(ctx, SessionPrefix+id).Val(); n != 0 {
		t.Errorf("expected the session hash to be gone, exists=%d", n)
	}
}

func TestPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	t.Cleanup(func() { s.Client().Del(ctx, PresencePrefix+user) })

	p, err := s.GetPresence(ctx, user)
	if err != nil {
		t.Fatalf("GetPresence() error: %v", err)
	}
	if p.Online {
		t.Error("unknown user must be offline")
	}

	s.UserOnline(user)
	p, _ = s.GetPresence(ctx, user)
	if !p.Online {
		t.Error("expected online")
	}

	seen := time.Unix(1700000000, 0)
	s.UserOffline(user, seen)
	p, _ = s.GetPresence(ctx, user)
	if p.Online || p.LastSeen != seen.Unix() {
		t.Errorf("expected offline with last_seen %d, got %+v", seen.Unix(), p)
	}
}
