// Package live owns the in-process registries of the real-time layer: live
// sessions, the user -> sessions presence sets, and the room -> sessions
// subscriber sets. It derives presence and typing events from changes to
// those registries and fans events out to room subscribers without ever
// blocking on a slow receiver.
package live

import (
	"errors"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

var (
	// ErrUnknownSession is returned for sessions that are not registered.
	ErrUnknownSession = errors.New("live: unknown session")
	// ErrDuplicateSession is returned when a session id is registered twice.
	ErrDuplicateSession = errors.New("live: session already registered")
	// ErrNotJoined is returned for room actions by a session that has not
	// joined the room.
	ErrNotJoined = errors.New("live: session has not joined the room")
)

// PresenceObserver is told when a user's first session appears and when the
// last one goes away. Calls are made outside the hub lock. Calls for one user
// never overlap, and a change that was superseded before it could be
// delivered is skipped.
type PresenceObserver interface {
	UserOnline(userID string)
	UserOffline(userID string, lastSeen time.Time)
}

// Config holds hub tuning parameters.
type Config struct {
	TypingTimeout time.Duration // implicit typing-stop after this long without a refresh
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TypingTimeout: 5 * time.Second}
}

// Hub is the session, membership and presence registry. All registry state
// is guarded by one mutex; broadcasts enqueue under that mutex so every
// subscriber observes hub events in the same order.
type Hub struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	users     map[string]map[string]*Session // user id -> sessions
	rooms     map[string]map[string]*Session // room id -> subscribed sessions
	roomUsers map[string]map[string]int      // room id -> user id -> subscribed session count
	typing    map[typingKey]*typingState

	config   Config
	observer PresenceObserver
	now      func() time.Time

	// presenceSeq numbers presence transitions; presenceGen holds the latest
	// one per user until its observer call has been made.
	presenceSeq   uint64
	presenceGen   map[string]uint64
	observerLocks [64]sync.Mutex
}

// presenceChange is a user-level online/offline transition awaiting delivery
// to the observer.
type presenceChange struct {
	userID string
	online bool
	at     time.Time
	gen    uint64
}

// NewHub creates an empty Hub.
func NewHub(config Config) *Hub {
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = DefaultConfig().TypingTimeout
	}
	return &Hub{
		sessions:    make(map[string]*Session),
		users:       make(map[string]map[string]*Session),
		rooms:       make(map[string]map[string]*Session),
		roomUsers:   make(map[string]map[string]int),
		typing:      make(map[typingKey]*typingState),
		config:      config,
		presenceGen: make(map[string]uint64),
		now:         time.Now,
	}
}

// SetPresenceObserver installs o. It must be called before the hub is used.
func (h *Hub) SetPresenceObserver(o PresenceObserver) {
	h.observer = o
}

// ---------------------------------------------------------------------------
// Session registry
// ---------------------------------------------------------------------------

// Register adds s to the session registry and to its user's presence set.
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; ok {
		h.mu.Unlock()
		return ErrDuplicateSession
	}
	h.sessions[s.ID] = s
	set := h.users[s.UserID]
	first := set == nil
	if first {
		set = make(map[string]*Session)
		h.users[s.UserID] = set
	}
	set[s.ID] = s
	var change *presenceChange
	if first {
		change = h.presenceChangeLocked(s.UserID, true, time.Time{})
	}
	h.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	h.notifyPresence(change)
	return nil
}

// Unregister leaves every room s had joined, removes it from the registry
// and closes it. It reports false if s was not registered, so concurrent
// cleanup paths run the teardown exactly once.
func (h *Hub) Unregister(s *Session) bool {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return false
	}
	now := h.now()
	h.leaveAllLocked(s, now)
	delete(h.sessions, s.ID)
	var change *presenceChange
	if set := h.users[s.UserID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(h.users, s.UserID)
			change = h.presenceChangeLocked(s.UserID, false, now)
		}
	}
	h.mu.Unlock()

	s.Close()
	metrics.ConnectionsTotal.Dec()
	h.notifyPresence(change)
	return true
}

func (h *Hub) presenceChangeLocked(userID string, online bool, at time.Time) *presenceChange {
	if h.observer == nil {
		return nil
	}
	h.presenceSeq++
	h.presenceGen[userID] = h.presenceSeq
	return &presenceChange{userID: userID, online: online, at: at, gen: h.presenceSeq}
}

// notifyPresence delivers c unless a newer transition for the same user has
// been recorded since. The per-user lock keeps a slow call from landing after
// the one that superseded it.
func (h *Hub) notifyPresence(c *presenceChange) {
	if c == nil {
		return
	}
	lock := &h.observerLocks[observerStripe(c.userID, len(h.observerLocks))]
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	current := h.presenceGen[c.userID] == c.gen
	h.mu.Unlock()
	if !current {
		return
	}

	if c.online {
		h.observer.UserOnline(c.userID)
		return
	}
	h.observer.UserOffline(c.userID, c.at)

	h.mu.Lock()
	if h.presenceGen[c.userID] == c.gen {
		delete(h.presenceGen, c.userID)
	}
	h.mu.Unlock()
}

func observerStripe(userID string, n int) int {
	f := fnv.New32a()
	f.Write([]byte(userID))
	return int(f.Sum32() % uint32(n))
}

// Session returns the registered session with the given id, or nil.
func (h *Hub) Session(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// IsOnline reports whether userID has at least one registered session.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID]) > 0
}

// ---------------------------------------------------------------------------
// Room membership
// ---------------------------------------------------------------------------

// Join subscribes s to roomID. The first session of a user to join a room
// announces user-online to the room's other subscribers. Joining twice is a
// no-op and reports false. The caller is responsible for checking that the
// user may access the room.
func (h *Hub) Join(s *Session, roomID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.ID] != s {
		return false, ErrUnknownSession
	}
	if _, ok := s.rooms[roomID]; ok {
		return false, nil
	}

	s.rooms[roomID] = struct{}{}
	subs := h.rooms[roomID]
	if subs == nil {
		subs = make(map[string]*Session)
		h.rooms[roomID] = subs
	}
	subs[s.ID] = s
	counts := h.roomUsers[roomID]
	if counts == nil {
		counts = make(map[string]int)
		h.roomUsers[roomID] = counts
	}
	counts[s.UserID]++
	metrics.RoomSubscriptions.Inc()

	if counts[s.UserID] == 1 {
		h.broadcastPresenceLocked(protocol.TypeUserOnline, roomID, s, nil)
	}
	log.Printf("[hub] join session=%s user=%s room=%s", s.ID, s.UserID, roomID)
	return true, nil
}

// Leave unsubscribes s from roomID. When it was the user's last session in
// the room, any typing indicator is cleared and user-offline is announced.
// It reports whether s had joined the room.
func (h *Hub) Leave(s *Session, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	h.leaveLocked(s, roomID, h.now())
	return true
}

// LeaveAll unsubscribes s from every room it joined and returns those rooms,
// sorted. The disconnect path calls it once before unregistering.
func (h *Hub) LeaveAll(s *Session) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveAllLocked(s, h.now())
}

func (h *Hub) leaveAllLocked(s *Session, now time.Time) []string {
	left := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		h.leaveLocked(s, roomID, now)
		left = append(left, roomID)
	}
	sort.Strings(left)
	return left
}

func (h *Hub) leaveLocked(s *Session, roomID string, now time.Time) {
	delete(s.rooms, roomID)
	if subs := h.rooms[roomID]; subs != nil {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
	metrics.RoomSubscriptions.Dec()

	counts := h.roomUsers[roomID]
	if counts == nil {
		return
	}
	counts[s.UserID]--
	if counts[s.UserID] > 0 {
		return
	}
	delete(counts, s.UserID)
	if len(counts) == 0 {
		delete(h.roomUsers, roomID)
	}

	h.clearTypingLocked(roomID, s.UserID, s.ID)
	h.broadcastPresenceLocked(protocol.TypeUserOffline, roomID, s, &now)
	log.Printf("[hub] user=%s left room=%s", s.UserID, roomID)
}

// Subscribers returns the ids of sessions joined to roomID, sorted.
func (h *Hub) Subscribers(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OnlineUsers returns the ids of users with a session joined to roomID, sorted.
func (h *Hub) OnlineUsers(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.roomUsers[roomID]))
	for id := range h.roomUsers[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Broadcast queues data for every session joined to roomID except the one
// whose id is exclude. A full receiver queue drops the frame for that
// receiver only. It returns the number of sessions the frame was queued for.
func (h *Hub) Broadcast(roomID, event string, data []byte, exclude string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broadcastLocked(roomID, event, data, exclude)
}

func (h *Hub) broadcastLocked(roomID, event string, data []byte, exclude string) int {
	delivered := 0
	for id, s := range h.rooms[roomID] {
		if id == exclude {
			continue
		}
		if s.Enqueue(data) {
			delivered++
		} else {
			metrics.EventsDropped.Inc()
			log.Printf("[hub] dropped event=%s for session=%s room=%s: queue full", event, id, roomID)
		}
	}
	metrics.EventsTotal.WithLabelValues(event).Inc()
	metrics.FanoutSize.Observe(float64(delivered))
	return delivered
}

func (h *Hub) broadcastPresenceLocked(event, roomID string, s *Session, lastSeen *time.Time) {
	data, err := protocol.NewServerMessage(event, protocol.PresenceMsg{
		RoomID:   roomID,
		UserID:   s.UserID,
		Email:    s.Email,
		LastSeen: lastSeen,
	})
	if err != nil {
		log.Printf("[hub] failed to build %s: %v", event, err)
		return
	}
	h.broadcastLocked(roomID, event, data, s.ID)
}
