package live

import (
	"log"
	"time"

	"github.com/whisper/roomchat/internal/protocol"
)

type typingKey struct {
	roomID string
	userID string
}

// typingState is an active typing indicator. gen identifies the timer that
// may expire it; a refresh bumps gen so a stale timer firing late is ignored.
type typingState struct {
	timer  *time.Timer
	gen    uint64
	email  string
	origin string // session that last refreshed the indicator
}

// StartTyping marks the user of s as typing in roomID. Peers receive
// user-typing{isTyping:true} on the transition only; later calls refresh the
// expiry timer. Without a refresh the indicator is cleared after the
// configured timeout, exactly as if StopTyping had been called.
func (h *Hub) StartTyping(s *Session, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrNotJoined
	}

	key := typingKey{roomID: roomID, userID: s.UserID}
	st, active := h.typing[key]
	if active {
		st.timer.Stop()
		st.gen++
	} else {
		st = &typingState{email: s.Email}
		h.typing[key] = st
	}
	st.origin = s.ID
	gen := st.gen
	st.timer = time.AfterFunc(h.config.TypingTimeout, func() { h.expireTyping(key, gen) })

	if !active {
		h.broadcastTypingLocked(roomID, s.UserID, s.Email, true, s.ID)
	}
	return nil
}

// StopTyping clears the typing indicator of s's user in roomID. Stopping
// when not typing is a no-op.
func (h *Hub) StopTyping(s *Session, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrNotJoined
	}
	h.clearTypingLocked(roomID, s.UserID, s.ID)
	return nil
}

// IsTyping reports whether userID currently has an active indicator in roomID.
func (h *Hub) IsTyping(roomID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.typing[typingKey{roomID: roomID, userID: userID}]
	return ok
}

func (h *Hub) clearTypingLocked(roomID, userID, exclude string) {
	key := typingKey{roomID: roomID, userID: userID}
	st, ok := h.typing[key]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(h.typing, key)
	h.broadcastTypingLocked(roomID, userID, st.email, false, exclude)
}

func (h *Hub) expireTyping(key typingKey, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.typing[key]
	if !ok || st.gen != gen {
		return
	}
	delete(h.typing, key)
	h.broadcastTypingLocked(key.roomID, key.userID, st.email, false, st.origin)
	log.Printf("[hub] typing expired user=%s room=%s", key.userID, key.roomID)
}

func (h *Hub) broadcastTypingLocked(roomID, userID, email string, isTyping bool, exclude string) {
	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		RoomID:   roomID,
		UserID:   userID,
		Email:    email,
		IsTyping: isTyping,
	})
	if err != nil {
		log.Printf("[hub] failed to build user-typing: %v", err)
		return
	}
	h.broadcastLocked(roomID, protocol.TypeUserTyping, data, exclude)
}
