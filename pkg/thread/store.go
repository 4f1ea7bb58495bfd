// Package thread persists message threads, committed drafts, and agent
// transcripts in a local sqlite database.
package thread

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Message types. A thread holds inbound messages plus at most one draft.
const (
	TypeMessage = "MESSAGE"
	TypeDraft   = "DRAFT"
)

// Message is one row of a thread: either an inbound message or a draft
// produced by an agent run.
type Message struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ThreadName string    `json:"thread_name"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	AgentID    string    `json:"agent_id,omitempty"`
}

// NewMessageID derives a content-addressed message id from the sender, the
// timestamp, and the message text. The same triple always maps to the same
// id, which makes reingestion idempotent.
func NewMessageID(senderName string, timestamp time.Time, content string) string {
	data := fmt.Sprintf("%s_%s_%s", senderName, timestamp.UTC().Format(time.RFC3339Nano), content)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:32]
}

// NewUserID derives a stable user id from a user name.
func NewUserID(userName string) string {
	sum := sha256.Sum256([]byte(userName))
	return hex.EncodeToString(sum[:])[:32]
}

// Store is a sqlite-backed thread store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the database at path and prepares the schema.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Thread store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_name TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			agent_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(user_id, thread_name);
		CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(user_id, type);

		CREATE TABLE IF NOT EXISTS agents (
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, agent_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle so the search index can share the
// database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddMessage inserts a message. Inserting an id that already exists is
// reported as an error.
func (s *Store) AddMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.Type != TypeMessage && msg.Type != TypeDraft {
		return fmt.Errorf("unknown message type %q", msg.Type)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, user_id, thread_name, sender_name, content, type, timestamp, agent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.ThreadName, msg.SenderName, msg.Content,
		msg.Type, msg.Timestamp.UTC().UnixNano(), msg.AgentID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage fetches one message by id, scoped to the user.
func (s *Store) GetMessage(ctx context.Context, userID, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_name, sender_name, content, type, timestamp, agent_id
		FROM messages WHERE user_id = ? AND id = ?`,
		userID, messageID,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return msg, nil
}

// GetThreadMessages returns every message of a thread in timestamp order,
// drafts included.
func (s *Store) GetThreadMessages(ctx context.Context, userID, threadName string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_name, sender_name, content, type, timestamp, agent_id
		FROM messages WHERE user_id = ? AND thread_name = ?
		ORDER BY timestamp ASC`,
		userID, threadName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetMessagesByType returns every message of one type across all threads of
// a user, in timestamp order.
func (s *Store) GetMessagesByType(ctx context.Context, userID, messageType string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_name, sender_name, content, type, timestamp, agent_id
		FROM messages WHERE user_id = ? AND type = ?
		ORDER BY timestamp ASC`,
		userID, messageType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetThreadDraft returns the committed draft of a thread, or nil when the
// thread has none.
func (s *Store) GetThreadDraft(ctx context.Context, userID, threadName string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_name, sender_name, content, type, timestamp, agent_id
		FROM messages WHERE user_id = ? AND thread_name = ? AND type = ?
		ORDER BY timestamp DESC LIMIT 1`,
		userID, threadName, TypeDraft,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch draft: %w", err)
	}
	return msg, nil
}

// RemoveMessage deletes a message and reports whether a row was removed.
func (s *Store) RemoveMessage(ctx context.Context, userID, messageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE user_id = ? AND id = ?",
		userID, messageID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpsertAgentContext stores an agent's conversation transcript as opaque
// context keyed by agent id.
func (s *Store) UpsertAgentContext(ctx context.Context, userID, agentID string, transcript interface{}) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}

	payload, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (user_id, agent_id, transcript, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, agent_id) DO UPDATE SET
			transcript = excluded.transcript,
			updated_at = excluded.updated_at`,
		userID, agentID, string(payload), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent context: %w", err)
	}
	return nil
}

// GetAgentContext returns the raw transcript stored for an agent, or nil
// when the agent is unknown.
func (s *Store) GetAgentContext(ctx context.Context, userID, agentID string) (json.RawMessage, error) {
	var transcript string
	err := s.db.QueryRowContext(ctx,
		"SELECT transcript FROM agents WHERE user_id = ? AND agent_id = ?",
		userID, agentID,
	).Scan(&transcript)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent context: %w", err)
	}
	return json.RawMessage(transcript), nil
}

// RemoveAgent deletes an agent's stored context and reports whether a row
// was removed.
func (s *Store) RemoveAgent(ctx context.Context, userID, agentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM agents WHERE user_id = ? AND agent_id = ?",
		userID, agentID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete agent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var ts int64
	var agentID sql.NullString

	if err := row.Scan(&msg.ID, &msg.UserID, &msg.ThreadName, &msg.SenderName,
		&msg.Content, &msg.Type, &ts, &agentID); err != nil {
		return nil, err
	}

	msg.Timestamp = time.Unix(0, ts).UTC()
	if agentID.Valid {
		msg.AgentID = agentID.String
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	messages := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}
