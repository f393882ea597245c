// Package ws handles the WebSocket side of the chat service: authenticating
// and upgrading HTTP connections, binding each one to a live session, and
// dispatching incoming client events to the chat and presence layers.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/live"
	"github.com/whisper/roomchat/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections   int             // hard cap on total connections
	ReadTimeout      time.Duration   // idle read deadline, renewed on every frame
	WriteTimeout     time.Duration   // timeout for WebSocket write operations
	HandshakeTimeout time.Duration   // bound on authentication before the upgrade
	HandlerTimeout   time.Duration   // bound on a single event handler's storage work
	SendBuffer       int             // outbound frames queued per session before drops
	MaxMessageBytes  int64           // largest accepted client message
	Heartbeat        HeartbeatConfig // ping interval and eviction timeout
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:   100000,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		HandlerTimeout:   10 * time.Second,
		SendBuffer:       256,
		MaxMessageBytes:  64 << 10,
		Heartbeat:        DefaultHeartbeatConfig(),
	}
}

// ChatService is the subset of chat.Service the socket handlers call.
type ChatService interface {
	EnsureUser(ctx context.Context, a chat.Actor) error
	Authorize(ctx context.Context, userID, roomID string) (*chat.Room, error)
	PostMessage(ctx context.Context, a chat.Actor, in chat.NewMessage) (*chat.Message, error)
	React(ctx context.Context, a chat.Actor, roomID, messageID, emoji string, action chat.Action) (*chat.Message, error)
	MarkRead(ctx context.Context, a chat.Actor, roomID string, messageIDs []string) ([]string, error)
}

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// SessionMirror records live sessions outside the process.
type SessionMirror interface {
	Create(ctx context.Context, sessionID, userID, email string) error
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// Limiter throttles one kind of client action per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
	RetryAfter(ctx context.Context, identifier string) time.Duration
}

// Deps are the collaborators a Server needs. Sessions and the limiters are
// optional.
type Deps struct {
	Hub      *live.Hub
	Verifier TokenVerifier
	Chat     ChatService
	Sessions SessionMirror

	MessageLimit Limiter // consulted for retryAfter when a send is refused
	TypingLimit  Limiter
	ConnectLimit Limiter
}

// Server upgrades authenticated HTTP requests to WebSocket connections. Each
// connection gets a reader goroutine running the event dispatcher and a
// writer goroutine draining the session's outbound queue.
type Server struct {
	config     ServerConfig
	deps       Deps
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server and registers the chat event handlers.
func NewServer(config ServerConfig, deps Deps) *Server {
	if config.SendBuffer < 1 {
		config.SendBuffer = DefaultServerConfig().SendBuffer
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultServerConfig().MaxMessageBytes
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultServerConfig().HandshakeTimeout
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultServerConfig().HandlerTimeout
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	s := &Server{
		config:    config,
		deps:      deps,
		conns:     NewConnectionManager(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.dispatcher = NewMessageDispatcher(s)
	s.registerHandlers()
	return s
}

// Start launches the heartbeat monitor. The server stops it on Shutdown.
func (s *Server) Start() {
	StartHeartbeat(s, s.config.Heartbeat)
	log.Printf("ws: server ready (max_conns=%d, send_buffer=%d)", s.config.MaxConnections, s.config.SendBuffer)
}

// ServeHTTP authenticates the request and upgrades it to a WebSocket. It
// blocks for the lifetime of the connection, running its read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HandshakeTimeout)
	ident, status, err := s.authenticate(ctx, r)
	cancel()
	if err != nil {
		log.Printf("ws: handshake refused remote=%s: %v", r.RemoteAddr, err)
		http.Error(w, err.Error(), status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	sess := live.NewSession(uuid.New().String(), ident.UserID, ident.Email, s.config.SendBuffer)
	c := newConnection(conn, sess, ident.Name)

	s.conns.Add(c)
	if err := s.deps.Hub.Register(sess); err != nil {
		log.Printf("ws: register failed session=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	if s.deps.Sessions != nil {
		mctx, mcancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.deps.Sessions.Create(mctx, c.ID, ident.UserID, ident.Email); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		mcancel()
	}

	s.send(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    ident.UserID,
	})

	log.Printf("ws: new connection session=%s user=%s (total=%d)", c.ID, ident.UserID, s.conns.Count())

	go s.writeLoop(c)
	s.readLoop(c)
}

// authenticate verifies the token from the query string or Authorization
// header and provisions the user record. The returned status is the HTTP
// code to refuse the handshake with.
func (s *Server) authenticate(ctx context.Context, r *http.Request) (auth.Identity, int, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	ident, err := s.deps.Verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, http.StatusUnauthorized, err
	}

	if s.deps.ConnectLimit != nil {
		if ok, _ := s.deps.ConnectLimit.Allow(ctx, ident.UserID); !ok {
			return auth.Identity{}, http.StatusTooManyRequests, fmt.Errorf("too many connection attempts")
		}
	}

	actor := chat.Actor{UserID: ident.UserID, Email: ident.Email, Name: ident.Name}
	if err := s.deps.Chat.EnsureUser(ctx, actor); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return auth.Identity{}, http.StatusServiceUnavailable, fmt.Errorf("handshake timed out")
		}
		return auth.Identity{}, http.StatusInternalServerError, fmt.Errorf("could not load user")
	}
	return ident, 0, nil
}

// readLoop reads frames until the connection fails or closes. Control frames
// are answered inline; complete text messages go to the dispatcher.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	rd := &wsutil.Reader{
		Source:    c.Conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			return s.handleControl(c, hdr, r)
		},
	}

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			if !isClosedErr(err) {
				log.Printf("ws: read error session=%s: %v", c.ID, err)
			}
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if hdr.OpCode.IsControl() {
			if err := s.handleControl(c, hdr, rd); err != nil {
				return
			}
			continue
		}

		if hdr.OpCode&ws.OpText == 0 {
			_ = rd.Discard()
			s.send(c, protocol.TypeError, protocol.ErrorMsg{
				Code:    protocol.CodeBadRequest,
				Message: "only text frames are supported",
			})
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, s.config.MaxMessageBytes+1))
		if err != nil {
			log.Printf("ws: read payload error session=%s: %v", c.ID, err)
			return
		}
		if int64(len(data)) > s.config.MaxMessageBytes {
			log.Printf("ws: message too large session=%s", c.ID)
			_ = c.WriteClose(ws.StatusMessageTooBig, "message too large", s.config.WriteTimeout)
			return
		}
		if len(data) == 0 {
			continue
		}

		s.dispatcher.Dispatch(c, data)
	}
}

// handleControl answers ping and close frames through the connection's write
// mutex so replies never interleave with application frames.
func (s *Server) handleControl(c *Connection, hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlFrameHandler(&reply, ws.StateServerSide)(hdr, r)
	if reply.Len() > 0 {
		if werr := c.writeRaw(reply.Bytes(), s.config.WriteTimeout); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// writeLoop drains the session's outbound queue onto the socket until the
// session is closed or a write fails.
func (s *Server) writeLoop(c *Connection) {
	out := c.Session.Outbound()
	for {
		select {
		case <-c.Session.Done():
			return
		case data := <-out:
			if err := c.WriteMessage(data, s.config.WriteTimeout); err != nil {
				log.Printf("ws: write failed session=%s: %v", c.ID, err)
				s.RemoveConnection(c)
				return
			}
		}
	}
}

// send queues a server message for c. A full queue drops the frame.
func (s *Server) send(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s session=%s: %v", msgType, c.ID, err)
		return
	}
	s.sendRaw(c, data)
}

func (s *Server) sendRaw(c *Connection, data []byte) {
	if !c.Session.Enqueue(data) {
		log.Printf("ws: outbound queue full, dropped frame session=%s", c.ID)
	}
}

// RemoveConnection tears a connection down: the socket is closed, the
// session leaves every room (announcing user-offline where it was the user's
// last session there) and the Redis mirror is deleted. Concurrent callers are
// safe; only the first one does the work. Failures are logged, never raised.
func (s *Server) RemoveConnection(c *Connection) {
	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when the reader, the writer and the
	// heartbeat race to remove the same connection.
	if !s.conns.Remove(c.ID) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: panic during cleanup session=%s: %v", c.ID, r)
		}
	}()

	left := s.deps.Hub.LeaveAll(c.Session)
	s.deps.Hub.Unregister(c.Session)

	if s.deps.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.deps.Sessions.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s rooms_left=%d (total=%d)", c.ID, len(left), s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or health endpoint).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops the heartbeat, sends every client a going-away close frame
// and tears each connection down.
func (s *Server) Shutdown() {
	log.Println("ws: shutting down server...")

	select {
	case <-s.done:
	default:
		close(s.done)
	}

	for _, c := range s.conns.All() {
		_ = c.WriteClose(ws.StatusGoingAway, "server shutting down", time.Second)
		s.RemoveConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
