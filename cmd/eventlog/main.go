// Command eventlog follows the room event stream relayed to NATS and logs
// one line per committed change. It is the reference consumer for audit and
// notification services.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/protocol"
)

func main() {
	log.Println("Starting room event log...")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "roomchat-eventlog"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeRooms(func(ev messaging.RoomEvent) {
		log.Printf("[eventlog] %s", describe(ev))
	})
	if err != nil {
		log.Fatalf("failed to subscribe to room events: %v", err)
	}

	log.Printf("Room event log running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  subject:  %s", messaging.SubjectAllRoom)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	// Stop taking new events before draining the connection.
	if err := natsClient.Unsubscribe(messaging.SubjectAllRoom); err != nil {
		log.Printf("[eventlog] unsubscribe: %v", err)
	}
	natsClient.Close()
}

// describe renders one event as a key=value line.
func describe(ev messaging.RoomEvent) string {
	head := fmt.Sprintf("at=%s type=%s room=%s", time.UnixMilli(ev.Ts).UTC().Format(time.RFC3339), ev.Type, ev.RoomID)

	switch ev.Type {
	case protocol.TypeNewMessage, protocol.TypeMessageUpdated:
		var m protocol.MessageEventMsg
		if err := json.Unmarshal(ev.Data, &m); err == nil && m.Message != nil {
			return fmt.Sprintf("%s message=%s sender=%s state=%s", head, m.Message.ID, m.Message.Sender.ID, messageState(m.Message))
		}
	case protocol.TypeMessageReactionUpdate:
		var r protocol.ReactionUpdateMsg
		if err := json.Unmarshal(ev.Data, &r); err == nil {
			return fmt.Sprintf("%s message=%s user=%s action=%s reaction=%q", head, r.MessageID, r.UserID, r.Action, r.Reaction)
		}
	case protocol.TypeMessagesRead:
		var r protocol.MessagesReadMsg
		if err := json.Unmarshal(ev.Data, &r); err == nil {
			return fmt.Sprintf("%s user=%s messages=%d", head, r.UserID, len(r.MessageIDs))
		}
	}
	return fmt.Sprintf("%s bytes=%d", head, len(ev.Data))
}

func messageState(m *chat.Message) string {
	switch {
	case m.IsDeleted:
		return "deleted"
	case m.IsEdited:
		return "edited"
	}
	return "created"
}
