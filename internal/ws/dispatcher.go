package ws

import (
	"log"
	"time"

	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.RoomMsg, protocol.SendMessageMsg, etc.).
type MessageHandler func(conn *Connection, msg protocol.ClientMessage)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message, handles ping
// internally, and routes all other types to the registered handler. Parse
// errors and unregistered types result in an error message sent back to the
// client; the connection stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if msgType == "" {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.server.sendRaw(conn, protocol.Errorf("", protocol.CodeBadRequest, "invalid message format"))
		return
	}

	_, known := d.handlers[msgType]
	if msgType == protocol.TypePing {
		known = true
	}
	if !known {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		metrics.ClientEventsTotal.WithLabelValues("unknown").Inc()
		d.server.sendRaw(conn, protocol.Errorf(msgType, protocol.CodeUnknownEvent, "unsupported message type %q", msgType))
		return
	}
	metrics.ClientEventsTotal.WithLabelValues(msgType).Inc()

	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.server.sendRaw(conn, protocol.Errorf(msgType, protocol.CodeBadRequest, "%v", err))
		return
	}

	// Built-in ping handler, answered without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	d.handlers[msgType](conn, msg)
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	d.server.send(conn, protocol.TypePong, protocol.PongMsg{Ts: time.Now().UnixMilli()})
}
