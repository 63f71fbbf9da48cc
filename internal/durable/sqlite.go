// Package durable is the adapter for the authoritative conversation record.
// Writes are append-only, idempotent merges so the batch worker can safely
// retry; reading twice the same batch never produces duplicates.
package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/chatflow/internal/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id      TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	character_id         TEXT NOT NULL,
	message_count        INTEGER NOT NULL DEFAULT 0,
	last_message_preview TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender          TEXT NOT NULL,
	type            TEXT NOT NULL DEFAULT 'text',
	content         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS characters (
	character_id TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	persona      TEXT NOT NULL DEFAULT '',
	greeting     TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	character_id    TEXT NOT NULL DEFAULT '',
	messages        TEXT NOT NULL DEFAULT '[]',
	error           TEXT NOT NULL DEFAULT '',
	failed_at       TEXT NOT NULL,
	drained_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

// Store wraps the SQLite handle shared by the durable tier. The handle is
// safe for concurrent use; SQLite serializes writers via the single open
// connection.
type Store struct {
	db     *sqlx.DB
	logger *log.Logger
	clock  func() time.Time
}

func NewStore(dbPath string, logger *log.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "durable ", log.LstdFlags)
	}
	return &Store{db: db, logger: logger, clock: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling adapters (character profiles,
// dead letters, leases) can share one database file.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// ConversationUpdate names exactly the conversation fields a merge changes.
// No other column is touched by a flush.
type ConversationUpdate struct {
	MessageCount       int
	LastMessagePreview string
	UpdatedAt          time.Time
}

const previewLimit = 120

func previewOf(content string) string {
	runes := []rune(content)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return content
}

// MergeMessages unions msgs into the conversation's record atomically and
// updates the conversation metadata. Calling it twice with the same message
// set has no additional effect: rows are keyed by message ID and the
// metadata is recomputed from what is actually stored.
func (s *Store) MergeMessages(ctx context.Context, conversationID, userID, characterID string, msgs []chat.Message) error {
	if conversationID == "" {
		return chat.NewValidationError("conversation_id is required")
	}
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.NewUnavailableError("begin merge: " + err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO conversations
		(conversation_id, user_id, character_id, message_count, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, 0, '', ?, ?)
		ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID, userID, characterID, timeToString(now), timeToString(now),
	); err != nil {
		return chat.NewUnavailableError("ensure conversation: " + err.Error())
	}

	for _, m := range msgs {
		if m.ID == "" {
			return chat.NewValidationError("message without id in merge batch")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages
			(message_id, conversation_id, sender, type, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO NOTHING`,
			m.ID, conversationID, string(m.Sender), string(m.Type), m.Content, timeToString(m.CreatedAt),
		); err != nil {
			return chat.NewUnavailableError("insert message: " + err.Error())
		}
	}

	update, err := computeUpdate(ctx, tx, conversationID, now)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations
		SET message_count = ?, last_message_preview = ?, updated_at = ?
		WHERE conversation_id = ?`,
		update.MessageCount, update.LastMessagePreview, timeToString(update.UpdatedAt), conversationID,
	); err != nil {
		return chat.NewUnavailableError("update conversation: " + err.Error())
	}

	if err := tx.Commit(); err != nil {
		return chat.NewUnavailableError("commit merge: " + err.Error())
	}
	return nil
}

func computeUpdate(ctx context.Context, tx *sqlx.Tx, conversationID string, now time.Time) (ConversationUpdate, error) {
	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return ConversationUpdate{}, chat.NewUnavailableError("count messages: " + err.Error())
	}
	var content string
	err := tx.GetContext(ctx, &content,
		`SELECT content FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, message_id DESC LIMIT 1`,
		conversationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ConversationUpdate{}, chat.NewUnavailableError("load preview: " + err.Error())
	}
	return ConversationUpdate{
		MessageCount:       count,
		LastMessagePreview: previewOf(content),
		UpdatedAt:          now,
	}, nil
}

// RecentMessages returns up to limit most recent messages chronologically
// ascending. Used to backfill the hot store on a cache miss.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, conversation_id, sender, type, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, message_id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, chat.NewUnavailableError("query messages: " + err.Error())
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var sender, mtype, createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &mtype, &m.Content, &createdAt); err != nil {
			return nil, chat.NewInternalError("scan message: " + err.Error())
		}
		m.Sender = chat.Sender(sender)
		m.Type = chat.MessageType(mtype)
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, chat.NewUnavailableError("iterate messages: " + err.Error())
	}
	// Query is newest-first for the LIMIT; flip to ascending for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	var c chat.Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id, user_id, character_id, message_count, last_message_preview, created_at, updated_at
		FROM conversations WHERE conversation_id = ?`, conversationID).
		Scan(&c.ConversationID, &c.UserID, &c.CharacterID, &c.MessageCount, &c.LastMessagePreview, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.NewNotFoundError("conversation not found")
	}
	if err != nil {
		return nil, chat.NewUnavailableError("query conversation: " + err.Error())
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// ListConversations returns a user's conversations, most recently updated
// first. Administrative/read surface; the pipeline itself never deletes.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id, user_id, character_id, message_count, last_message_preview, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, chat.NewUnavailableError("query conversations: " + err.Error())
	}
	defer rows.Close()

	out := []chat.Conversation{}
	for rows.Next() {
		var c chat.Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ConversationID, &c.UserID, &c.CharacterID, &c.MessageCount, &c.LastMessagePreview, &createdAt, &updatedAt); err != nil {
			return nil, chat.NewInternalError("scan conversation: " + err.Error())
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
