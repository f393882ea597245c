package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/roomchat/internal/chat"
)

// Postgres is a chat.Store backed by PostgreSQL. Membership, reactions and
// read receipts are JSONB arrays on their parent row; users are referenced
// by id only and joined in by the service on reads.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

var _ chat.Store = (*Postgres)(nil)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Postgres) UpsertUser(ctx context.Context, u chat.UserRef) error {
	const query = `
		INSERT INTO users (id, name, email, avatar, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name       = EXCLUDED.name,
			email      = EXCLUDED.email,
			avatar     = CASE WHEN EXCLUDED.avatar = '' THEN users.avatar ELSE EXCLUDED.avatar END,
			updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.Avatar); err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

func (s *Postgres) GetUsers(ctx context.Context, ids []string) (map[string]chat.UserRef, error) {
	out := make(map[string]chat.UserRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	const query = `SELECT id, name, email, avatar FROM users WHERE id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: get users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u chat.UserRef
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Avatar); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// memberRow is the JSONB shape of one membership entry.
type memberRow struct {
	User     string    `json:"user"`
	Role     chat.Role `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

const roomColumns = `id, name, description, type, creator_id, members, last_message_id,
	last_activity, is_active, avatar, created_at, updated_at`

func marshalMembers(members []chat.Member) ([]byte, error) {
	rows := make([]memberRow, 0, len(members))
	for _, m := range members {
		rows = append(rows, memberRow{User: m.User.ID, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	return json.Marshal(rows)
}

func scanRoom(sc scanner) (*chat.Room, error) {
	var (
		r       chat.Room
		members []byte
		lastMsg sql.NullString
	)
	err := sc.Scan(&r.ID, &r.Name, &r.Description, &r.Type, &r.CreatorID, &members, &lastMsg,
		&r.LastActivity, &r.IsActive, &r.Avatar, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var rows []memberRow
	if err := json.Unmarshal(members, &rows); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	r.Members = make([]chat.Member, 0, len(rows))
	for _, m := range rows {
		r.Members = append(r.Members, chat.Member{User: chat.UserRef{ID: m.User}, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	r.LastMessageID = lastMsg.String
	return &r, nil
}

func (s *Postgres) CreateRoom(ctx context.Context, r *chat.Room) error {
	members, err := marshalMembers(r.Members)
	if err != nil {
		return fmt.Errorf("store: marshal members: %w", err)
	}
	const query = `
		INSERT INTO rooms (` + roomColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12)`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.Description, r.Type, r.CreatorID, members, r.LastMessageID,
		r.LastActivity, r.IsActive, r.Avatar, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert room: %w", err)
	}
	return nil
}

func (s *Postgres) GetRoom(ctx context.Context, id string) (*chat.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return r, nil
}

func (s *Postgres) UpdateRoom(ctx context.Context, id string, fn func(*chat.Room) error) (*chat.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	r, err := scanRoom(tx.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock room: %w", err)
	}
	if err := fn(r); err != nil {
		return nil, err
	}

	members, err := marshalMembers(r.Members)
	if err != nil {
		return nil, fmt.Errorf("store: marshal members: %w", err)
	}
	const query = `
		UPDATE rooms SET
			name = $2, description = $3, type = $4, members = $5,
			is_active = $6, avatar = $7, updated_at = $8
		WHERE id = $1`
	_, err = tx.ExecContext(ctx, query,
		r.ID, r.Name, r.Description, r.Type, members, r.IsActive, r.Avatar, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: update room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return r, nil
}

func (s *Postgres) ListRoomsForMember(ctx context.Context, userID string) ([]*chat.Room, error) {
	const query = `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE is_active
		  AND members @> jsonb_build_array(jsonb_build_object('user', $1::text))
		ORDER BY last_activity DESC, id`
	return s.queryRooms(ctx, query, userID)
}

func (s *Postgres) ListPublicRooms(ctx context.Context) ([]*chat.Room, error) {
	const query = `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE is_active AND type = 'public'
		ORDER BY last_activity DESC, id`
	return s.queryRooms(ctx, query)
}

func (s *Postgres) queryRooms(ctx context.Context, query string, args ...any) ([]*chat.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	out := []*chat.Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) TouchRoom(ctx context.Context, roomID, lastMessageID string, at time.Time) error {
	const query = `
		UPDATE rooms SET last_message_id = $2, last_activity = $3, updated_at = $3
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, roomID, lastMessageID, at)
	if err != nil {
		return fmt.Errorf("store: touch room: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const messageColumns = `id, room_id, sender_id, content, type, reply_to, attachment, reactions,
	is_edited, edited_at, is_deleted, deleted_at, read_by, created_at, updated_at`

type messageDocs struct {
	attachment []byte
	reactions  []byte
	readBy     []byte
}

func marshalMessageDocs(m *chat.Message) (messageDocs, error) {
	var (
		d   messageDocs
		err error
	)
	if m.Attachment != nil {
		if d.attachment, err = json.Marshal(m.Attachment); err != nil {
			return d, err
		}
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = []chat.Reaction{}
	}
	if d.reactions, err = json.Marshal(reactions); err != nil {
		return d, err
	}
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []chat.ReadReceipt{}
	}
	d.readBy, err = json.Marshal(readBy)
	return d, err
}

func scanMessage(sc scanner) (*chat.Message, error) {
	var (
		m          chat.Message
		replyTo    sql.NullString
		attachment []byte
		reactions  []byte
		readBy     []byte
		editedAt   sql.NullTime
		deletedAt  sql.NullTime
	)
	err := sc.Scan(&m.ID, &m.RoomID, &m.Sender.ID, &m.Content, &m.Type, &replyTo, &attachment, &reactions,
		&m.IsEdited, &editedAt, &m.IsDeleted, &deletedAt, &readBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if replyTo.Valid {
		m.ReplyTo = &chat.ReplyRef{ID: replyTo.String}
	}
	if len(attachment) > 0 {
		m.Attachment = new(chat.Attachment)
		if err := json.Unmarshal(attachment, m.Attachment); err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
	}
	if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
		return nil, fmt.Errorf("decode read receipts: %w", err)
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return &m, nil
}

func replyID(m *chat.Message) sql.NullString {
	if m.ReplyTo == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: m.ReplyTo.ID, Valid: true}
}

func (s *Postgres) CreateMessage(ctx context.Context, m *chat.Message) error {
	docs, err := marshalMessageDocs(m)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	const query = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.RoomID, m.Sender.ID, m.Content, m.Type, replyID(m), docs.attachment, docs.reactions,
		m.IsEdited, m.EditedAt, m.IsDeleted, m.DeletedAt, docs.readBy, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (s *Postgres) GetMessages(ctx context.Context, ids []string) (map[string]*chat.Message, error) {
	out := make(map[string]*chat.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	msgs, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ID] = m
	}
	return out, nil
}

func (s *Postgres) UpdateMessage(ctx context.Context, id string, fn func(*chat.Message) error) (*chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock message: %w", err)
	}
	if err := fn(m); err != nil {
		return nil, err
	}

	docs, err := marshalMessageDocs(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshal message: %w", err)
	}
	const query = `
		UPDATE messages SET
			content = $2, attachment = $3, reactions = $4, is_edited = $5, edited_at = $6,
			is_deleted = $7, deleted_at = $8, read_by = $9, updated_at = $10
		WHERE id = $1`
	_, err = tx.ExecContext(ctx, query,
		m.ID, m.Content, docs.attachment, docs.reactions, m.IsEdited, m.EditedAt,
		m.IsDeleted, m.DeletedAt, docs.readBy, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return m, nil
}

func (s *Postgres) ListMessages(ctx context.Context, roomID string, skip, limit int) ([]*chat.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at DESC, seq DESC
		OFFSET $2 LIMIT $3`
	if skip < 0 {
		return []*chat.Message{}, nil
	}
	return s.queryMessages(ctx, query, roomID, skip, limit)
}

func (s *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := []*chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead appends a receipt in a single statement to every listed message
// of the room that has none for userID yet.
func (s *Postgres) MarkRead(ctx context.Context, roomID, userID string, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `
		UPDATE messages
		SET read_by = read_by || jsonb_build_array(jsonb_build_object('user', $2::text, 'readAt', $3::text))
		WHERE room_id = $1
		  AND id = ANY($4)
		  AND NOT read_by @> jsonb_build_array(jsonb_build_object('user', $2::text))
		RETURNING id`

	rows, err := s.db.QueryContext(ctx, query, roomID, userID, at.UTC().Format(time.RFC3339Nano), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: mark read: %w", err)
	}
	defer rows.Close()

	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan read id: %w", err)
		}
		marked = append(marked, id)
	}
	return marked, rows.Err()
}
