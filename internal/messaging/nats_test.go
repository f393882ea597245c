package messaging

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeRoomEvent(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	data, err := EncodeRoomEvent("0b7c-room", "new-message", []byte(`{"id":"m1"}`), at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if ev.Type != "new-message" || ev.RoomID != "0b7c-room" || ev.Ts != 1700000000123 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if string(ev.Data) != `{"id":"m1"}` {
		t.Errorf("payload not embedded verbatim: %s", ev.Data)
	}
}

func TestEncodeRoomEvent_RejectsSubjectTokens(t *testing.T) {
	for _, id := range []string{"", "a.b", "a*", "a>", "a b"} {
		if _, err := EncodeRoomEvent(id, "x", nil, time.Now()); err == nil {
			t.Errorf("expected error for room id %q", id)
		}
	}
}

func TestRoomSubject(t *testing.T) {
	if got := RoomSubject("r1"); got != "chat.room.r1" {
		t.Errorf("expected chat.room.r1, got %s", got)
	}
}

// newTestClient requires a running NATS server on localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.Name = "roomchat-test"
	config.MaxReconnects = 0
	c, err := NewNATSClient(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSubscribeRooms_RoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan RoomEvent, 1)
	if err := c.SubscribeRooms(func(ev RoomEvent) { got <- ev }); err != nil {
		t.Fatalf("SubscribeRooms() error: %v", err)
	}
	if err := c.conn.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	if err := c.PublishRoomEvent("r1", "new-message", []byte(`{"message":{}}`)); err != nil {
		t.Fatalf("PublishRoomEvent() error: %v", err)
	}
	select {
	case ev := <-got:
		if ev.RoomID != "r1" || ev.Type != "new-message" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the room event")
	}

	if err := c.Unsubscribe(SubjectAllRoom); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	if err := c.Unsubscribe(SubjectAllRoom); err == nil {
		t.Error("second Unsubscribe must report a missing subscription")
	}
}

func TestSubscribeRooms_SkipsUndecodable(t *testing.T) {
	c := newTestClient(t)

	got := make(chan RoomEvent, 2)
	if err := c.SubscribeRooms(func(ev RoomEvent) { got <- ev }); err != nil {
		t.Fatalf("SubscribeRooms() error: %v", err)
	}
	if err := c.conn.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	_ = c.Publish(RoomSubject("r2"), []byte("not json"))
	_ = c.PublishRoomEvent("r2", "messages-read", nil)

	select {
	case ev := <-got:
		if ev.Type != "messages-read" {
			t.Errorf("expected only the valid event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the room event")
	}
}
