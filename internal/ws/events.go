package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/live"
	"github.com/whisper/roomchat/internal/protocol"
)

func (s *Server) registerHandlers() {
	d := s.dispatcher
	d.Register(protocol.TypeJoinRoom, s.handleJoinRoom)
	d.Register(protocol.TypeLeaveRoom, s.handleLeaveRoom)
	d.Register(protocol.TypeSendMessage, s.handleSendMessage)
	d.Register(protocol.TypeTypingStart, s.handleTyping)
	d.Register(protocol.TypeTypingStop, s.handleTyping)
	d.Register(protocol.TypeMessageReaction, s.handleReaction)
	d.Register(protocol.TypeMessageRead, s.handleRead)
}

func (s *Server) handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.HandlerTimeout)
}

// handleJoinRoom subscribes the session to a room the user is a durable
// member of.
func (s *Server) handleJoinRoom(c *Connection, msg protocol.ClientMessage) {
	m := msg.(protocol.RoomMsg)

	ctx, cancel := s.handlerContext()
	defer cancel()
	if _, err := s.deps.Chat.Authorize(ctx, c.Session.UserID, m.RoomID); err != nil {
		s.sendFailure(c, protocol.TypeJoinRoom, err)
		return
	}

	if _, err := s.deps.Hub.Join(c.Session, m.RoomID); err != nil {
		s.sendFailure(c, protocol.TypeJoinRoom, err)
	}
}

func (s *Server) handleLeaveRoom(c *Connection, msg protocol.ClientMessage) {
	m := msg.(protocol.RoomMsg)
	s.deps.Hub.Leave(c.Session, m.RoomID)
}

// handleSendMessage persists the message, acknowledges it to the sender and
// lets the publisher mirror it to the room's other sessions.
func (s *Server) handleSendMessage(c *Connection, msg protocol.ClientMessage) {
	m := msg.(protocol.SendMessageMsg)

	in := m.Message
	in.RoomID = m.RoomID

	ctx, cancel := s.handlerContext()
	defer cancel()
	saved, err := s.deps.Chat.PostMessage(ctx, c.Actor(), in)
	if err != nil {
		if errors.Is(err, chat.ErrRateLimited) {
			s.sendRateLimited(ctx, c, protocol.TypeSendMessage, s.deps.MessageLimit)
			return
		}
		s.sendFailure(c, protocol.TypeSendMessage, err)
		return
	}

	// Sending implies the user stopped typing.
	if err := s.deps.Hub.StopTyping(c.Session, m.RoomID); err != nil && !errors.Is(err, live.ErrNotJoined) {
		log.Printf("ws: stop typing after send session=%s: %v", c.ID, err)
	}

	s.send(c, protocol.TypeMessageSent, protocol.MessageSentMsg{
		ClientID: m.ClientID,
		Message:  saved,
	})
}

// handleTyping relays typing-start and typing-stop. Only typing-start is
// rate limited; a stop always goes through so indicators never get stuck.
func (s *Server) handleTyping(c *Connection, msg protocol.ClientMessage) {
	m := msg.(protocol.RoomMsg)
	event := protocol.TypeTypingStop
	if m.Type == protocol.TypeTypingStart {
		event = protocol.TypeTypingStart
	}

	var err error
	if event == protocol.TypeTypingStart {
		if s.deps.TypingLimit != nil {
			ctx, cancel := s.handlerContext()
			ok, _ := s.deps.TypingLimit.Allow(ctx, c.Session.UserID)
			if !ok {
				s.sendRateLimited(ctx, c, event, s.deps.TypingLimit)
				cancel()
				return
			}
			cancel()
		}
		err = s.deps.Hub.StartTyping(c.Session, m.RoomID)
	} else {
		err = s.deps.Hub.StopTyping(c.Session, m.RoomID)
	}
	if err != nil {
		s.sendFailure(c, event, err)
	}
}

func (s *Server) handleReaction(c *Connection, msg protocol.ClientMessage) {
	m := msg.(protocol.MessageReactionMsg)

	ctx, cancel := s.handlerContext()
	defer cancel()
	if _, err := s.deps.Chat.React(ctx, c.Actor(), m.RoomID, m.MessageID, m.Reaction, m.Action); err != nil {
		s.sendFailure(c, protocol.TypeMessageReaction, err)
	}
}

func (s *Server) handleRead(c *Connection, msg protocol.ClientMessage) {
	m := msg.(protocol.MessageReadMsg)

	ctx, cancel := s.handlerContext()
	defer cancel()
	if _, err := s.deps.Chat.MarkRead(ctx, c.Actor(), m.RoomID, m.MessageIDs); err != nil {
		s.sendFailure(c, protocol.TypeMessageRead, err)
	}
}

// sendFailure maps a handler error to an error frame. Unexpected errors are
// logged and reported without detail.
func (s *Server) sendFailure(c *Connection, event string, err error) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendRaw(c, protocol.Errorf(event, protocol.CodeBadRequest, "%s", verr.Error()))
	case errors.Is(err, chat.ErrForbidden):
		s.sendRaw(c, protocol.Errorf(event, protocol.CodeForbidden, "access denied to this room"))
	case errors.Is(err, live.ErrNotJoined):
		s.sendRaw(c, protocol.Errorf(event, protocol.CodeForbidden, "join the room first"))
	case errors.Is(err, chat.ErrNotFound):
		s.sendRaw(c, protocol.Errorf(event, protocol.CodeNotFound, "not found"))
	default:
		log.Printf("ws: %s failed session=%s: %v", event, c.ID, err)
		s.sendRaw(c, protocol.Errorf(event, protocol.CodeInternal, "internal error"))
	}
}

// sendRateLimited tells the client how many seconds to wait before retrying.
func (s *Server) sendRateLimited(ctx context.Context, c *Connection, event string, l Limiter) {
	retry := time.Second
	if l != nil {
		retry = l.RetryAfter(ctx, c.Session.UserID)
	}
	secs := int((retry + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	s.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Event:      event,
		RetryAfter: secs,
	})
}
