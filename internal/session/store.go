package session

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// PresencePrefix is the Redis key prefix for per-user presence hashes.
	PresencePrefix = "presence:"

	// SessionTTL is the time-to-live for session keys in Redis. The heartbeat
	// refreshes it while the connection is alive.
	SessionTTL = 1 * time.Hour

	// PresenceTTL bounds how long a last-seen record is kept.
	PresenceTTL = 30 * 24 * time.Hour

	// opTimeout bounds each mirror write made from the presence callbacks.
	opTimeout = 3 * time.Second
)

// Session represents a live session as mirrored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Email      string `redis:"email"`
	Server     string `redis:"server"`      // which server instance holds the connection
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Presence is a user's aggregate online state.
type Presence struct {
	Online   bool  `redis:"online"`
	LastSeen int64 `redis:"last_seen"` // unix timestamp, 0 if never offline
}

// Store manages session and presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr, password, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: password,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session hash with a TTL.
func (s *Store) Create(ctx context.Context, sessionID, userID, email string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := Session{
		ID:         sessionID,
		UserID:     userID,
		Email:      email,
		Server:     s.serverName,
		CreatedAt:  now,
		LastActive: now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch records activity on the session and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// SetOnline marks userID online.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "1")
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline marks userID offline and records when it was last seen.
func (s *Store) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "0", "last_seen", strconv.FormatInt(lastSeen.Unix(), 10))
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetPresence returns userID's presence. Unknown users are reported offline.
func (s *Store) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, PresencePrefix+userID).Scan(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UserOnline mirrors a user's first live session appearing.
func (s *Store) UserOnline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.SetOnline(ctx, userID); err != nil {
		log.Printf("session: failed to mark user=%s online: %v", userID, err)
	}
}

// UserOffline mirrors a user's last live session going away.
func (s *Store) UserOffline(userID string, lastSeen time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.SetOffline(ctx, userID, lastSeen); err != nil {
		log.Printf("session: failed to mark user=%s offline: %v", userID, err)
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
