package live

import (
	"sync"
	"time"
)

// Session is one authenticated live connection's runtime state. Outbound
// frames are queued on a bounded channel drained by the transport's writer.
type Session struct {
	ID        string
	UserID    string
	Email     string
	CreatedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// rooms is guarded by the owning Hub's mutex.
	rooms map[string]struct{}
}

// NewSession creates a session with an outbound queue of the given size.
func NewSession(id, userID, email string, queueSize int) *Session {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Session{
		ID:        id,
		UserID:    userID,
		Email:     email,
		CreatedAt: time.Now(),
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
}

// Outbound returns the queue of frames waiting to be written.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue queues data without blocking. It reports false when the queue is
// full or the session is closed; the frame is then dropped.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close marks the session closed. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
