package live

import (
	"log"
	"time"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// RoomRelay forwards committed room events to an external stream.
type RoomRelay interface {
	PublishRoomEvent(roomID, eventType string, payload []byte) error
}

// Fanout implements chat.Publisher: every committed mutation is encoded
// once, queued for the room's live subscribers and, when a relay is
// configured, forwarded to it. Failures are logged and never returned.
type Fanout struct {
	hub   *Hub
	relay RoomRelay
	now   func() time.Time
}

var _ chat.Publisher = (*Fanout)(nil)

// NewFanout creates a Fanout over hub. relay may be nil.
func NewFanout(hub *Hub, relay RoomRelay) *Fanout {
	return &Fanout{hub: hub, relay: relay, now: time.Now}
}

func (f *Fanout) MessageCreated(roomID string, m *chat.Message, exclude string) {
	metrics.MessagesTotal.WithLabelValues("created").Inc()
	f.publish(roomID, protocol.TypeNewMessage, protocol.MessageEventMsg{
		RoomID:    roomID,
		Message:   m,
		Timestamp: f.now(),
	}, exclude)
}

func (f *Fanout) MessageUpdated(roomID string, m *chat.Message, exclude string) {
	op := "edited"
	if m.IsDeleted {
		op = "deleted"
	}
	metrics.MessagesTotal.WithLabelValues(op).Inc()
	f.publish(roomID, protocol.TypeMessageUpdated, protocol.MessageEventMsg{
		RoomID:    roomID,
		Message:   m,
		Timestamp: f.now(),
	}, exclude)
}

func (f *Fanout) ReactionChanged(roomID string, u chat.ReactionUpdate, exclude string) {
	metrics.MessagesTotal.WithLabelValues("reaction").Inc()
	f.publish(roomID, protocol.TypeMessageReactionUpdate, protocol.ReactionUpdateMsg{
		RoomID:    roomID,
		MessageID: u.MessageID,
		Reaction:  u.Reaction,
		Action:    u.Action,
		UserID:    u.UserID,
	}, exclude)
}

func (f *Fanout) MessagesRead(roomID string, u chat.ReadUpdate, exclude string) {
	metrics.MessagesTotal.WithLabelValues("read").Inc()
	f.publish(roomID, protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		RoomID:     roomID,
		MessageIDs: u.MessageIDs,
		UserID:     u.UserID,
		ReadAt:     u.ReadAt,
	}, exclude)
}

func (f *Fanout) publish(roomID, event string, payload interface{}, exclude string) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("[fanout] failed to build %s room=%s: %v", event, roomID, err)
		return
	}
	f.hub.Broadcast(roomID, event, data, exclude)

	if f.relay != nil {
		if err := f.relay.PublishRoomEvent(roomID, event, data); err != nil {
			log.Printf("[fanout] relay %s room=%s failed: %v", event, roomID, err)
		}
	}
}
