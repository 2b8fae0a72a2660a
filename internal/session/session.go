// Package session implements SessionStore (spec §4.4): persisted chat
// history, append-only and sequence-ordered, backed by the same SQLite
// discipline as internal/registry (single-writer *sql.DB, lock-free reads).
package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	"github.com/tiagoflino/capi/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	model_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, sequence)
);
`

// Role is a ChatMessage role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is a ChatSession (spec §3).
type Session struct {
	ID        string
	ModelID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a ChatMessage (spec §3): immutable once appended.
type Message struct {
	SessionID string
	Sequence  int64
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Store is the SessionStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sessions tables at path. Sessions
// share registry.db's file when given the same path, or may use a
// dedicated sessions.db; both are plain SQLite files (spec §6).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating session schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateSession implements create_session(model_id) (spec §4.4).
func (s *Store) CreateSession(modelID string) (Session, error) {
	now := time.Now()
	sess := Session{ID: uuid.NewString(), ModelID: modelID, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.Exec(`INSERT INTO sessions (id, model_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.ModelID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// ListSessions implements list_sessions() (spec §4.4), ordered newest
// updated first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, model_id, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ModelID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession returns one session by id.
func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	err := s.db.QueryRow(`SELECT id, model_id, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.ModelID, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return Session{}, &apperr.InvalidRequest{Field: "session_id", Reason: "unknown session"}
	}
	if err != nil {
		return Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

// GetMessages implements get_messages(session_id) (spec §4.4), ordered by
// sequence ascending.
func (s *Store) GetMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT session_id, sequence, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.SessionID, &m.Sequence, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage implements append_message(session_id, role, content) (spec
// §4.4): assigns the next dense sequence number, durably persists the
// message, and bumps the session's updated_at, all within one transaction
// so the append is visible atomically to subsequent reads.
func (s *Store) AppendMessage(sessionID string, role Role, content string) (Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return Message{}, fmt.Errorf("checking session %s: %w", sessionID, err)
	}
	if exists == 0 {
		return Message{}, &apperr.InvalidRequest{Field: "session_id", Reason: "unknown session"}
	}

	var next sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(sequence) FROM messages WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		return Message{}, fmt.Errorf("computing next sequence for %s: %w", sessionID, err)
	}
	seq := int64(0)
	if next.Valid {
		seq = next.Int64 + 1
	}

	now := time.Now()
	msg := Message{SessionID: sessionID, Sequence: seq, Role: role, Content: content, CreatedAt: now}
	if _, err := tx.Exec(`INSERT INTO messages (session_id, sequence, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Sequence, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("appending message to %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return Message{}, fmt.Errorf("touching session %s: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing append to %s: %w", sessionID, err)
	}
	return msg, nil
}

// DeleteSession implements delete_session(id) (spec §4.4); messages cascade.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &apperr.InvalidRequest{Field: "session_id", Reason: "unknown session"}
	}
	return nil
}
