package live

import (
	"errors"
	"testing"
	"time"

	"github.com/whisper/roomchat/internal/protocol"
)

func typingFrames(t *testing.T, s *Session) []frame {
	t.Helper()
	var out []frame
	for _, f := range drain(t, s) {
		if f.Type == protocol.TypeUserTyping {
			out = append(out, f)
		}
	}
	return out
}

func TestTyping_RelayedToOthersOnly(t *testing.T) {
	h := newTestHub(t)
	s1 := register(t, h, "s1", "alice")
	s2 := register(t, h, "s2", "bob")
	join(t, h, s1, "r1")
	join(t, h, s2, "r1")

	if err := h.StartTyping(s1, "r1"); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}

	got := typingFrames(t, s2)
	if len(got) != 1 || !got[0].IsTyping || got[0].UserID != "alice" || got[0].Email != "alice@example.com" {
		t.Fatalf("s2 expected alice typing, got %+v", got)
	}
	for _, f := range typingFrames(t, s1) {
		if f.UserID == "alice" {
			t.Fatalf("s1 must never receive its own typing event: %+v", f)
		}
	}

	if err := h.StopTyping(s1, "r1"); err != nil {
		t.Fatalf("StopTyping() error: %v", err)
	}
	got = typingFrames(t, s2)
	if len(got) != 1 || got[0].IsTyping {
		t.Fatalf("s2 expected isTyping=false, got %+v", got)
	}

	// Stopping again is a no-op.
	h.StopTyping(s1, "r1")
	if got := typingFrames(t, s2); len(got) != 0 {
		t.Errorf("redundant stop must not broadcast, got %+v", got)
	}
}

func TestTyping_RefreshDoesNotRebroadcast(t *testing.T) {
	h := newTestHub(t)
	s1 := register(t, h, "s1", "alice")
	s2 := register(t, h, "s2", "bob")
	join(t, h, s1, "r1")
	join(t, h, s2, "r1")

	for i := 0; i < 5; i++ {
		h.StartTyping(s1, "r1")
	}
	if got := typingFrames(t, s2); len(got) != 1 {
		t.Errorf("expected one start broadcast, got %d", len(got))
	}
	h.StopTyping(s1, "r1")
}

func TestTyping_ExpiresWithoutRefresh(t *testing.T) {
	h := newTestHub(t)
	s1 := register(t, h, "s1", "alice")
	s2 := register(t, h, "s2", "bob")
	join(t, h, s1, "r1")
	join(t, h, s2, "r1")

	h.StartTyping(s1, "r1")
	drain(t, s2)

	deadline := time.Now().Add(2 * time.Second)
	for h.IsTyping("r1", "alice") {
		if time.Now().After(deadline) {
			t.Fatal("typing indicator never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := typingFrames(t, s2)
	if len(got) != 1 || got[0].IsTyping || got[0].UserID != "alice" {
		t.Fatalf("expected implicit stop for alice, got %+v", got)
	}
	if got := typingFrames(t, s1); len(got) != 0 {
		t.Errorf("typist must not receive its own implicit stop, got %+v", got)
	}
}

func TestTyping_StaleTimerIgnored(t *testing.T) {
	h := NewHub(Config{TypingTimeout: 80 * time.Millisecond})
	s1 := register(t, h, "s1", "alice")
	s2 := register(t, h, "s2", "bob")
	join(t, h, s1, "r1")
	join(t, h, s2, "r1")

	h.StartTyping(s1, "r1")
	// Keep refreshing past the first timer's deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		h.StartTyping(s1, "r1")
	}
	if !h.IsTyping("r1", "alice") {
		t.Fatal("a refreshed indicator must not expire")
	}
	if got := typingFrames(t, s2); len(got) != 1 || !got[0].IsTyping {
		t.Errorf("expected only the initial start, got %+v", got)
	}
	h.StopTyping(s1, "r1")
}

func TestTyping_ClearedOnLeave(t *testing.T) {
	h := newTestHub(t)
	s1 := register(t, h, "s1", "alice")
	s2 := register(t, h, "s2", "bob")
	join(t, h, s1, "r1")
	join(t, h, s2, "r1")
	h.StartTyping(s1, "r1")
	drain(t, s2)

	h.Unregister(s1)
	frames := drain(t, s2)
	if len(frames) != 2 || frames[0].Type != protocol.TypeUserTyping || frames[0].IsTyping || frames[1].Type != protocol.TypeUserOffline {
		t.Fatalf("expected typing stop then offline, got %+v", frames)
	}
	if h.IsTyping("r1", "alice") {
		t.Error("typing state must be cleared on disconnect")
	}
}

func TestTyping_RequiresJoin(t *testing.T) {
	h := newTestHub(t)
	s1 := register(t, h, "s1", "alice")
	if err := h.StartTyping(s1, "r1"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("expected ErrNotJoined, got %v", err)
	}
	if err := h.StopTyping(s1, "r1"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("expected ErrNotJoined, got %v", err)
	}
}
