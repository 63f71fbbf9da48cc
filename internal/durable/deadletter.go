package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joelkehle/chatflow/internal/chat"
)

// DeadLetters is the append-only sink for batches that exhausted their
// persistence retries. Entries are never replayed automatically; an
// external recovery tool lists and drains them.
type DeadLetters struct {
	db    *sqlx.DB
	clock func() time.Time
}

func NewDeadLetters(db *sqlx.DB) *DeadLetters {
	return &DeadLetters{db: db, clock: time.Now}
}

// SetClock overrides the time source. Test hook.
func (d *DeadLetters) SetClock(clock func() time.Time) {
	d.clock = clock
}

// Append records a failed batch. The full message set travels with the
// entry so recovery needs nothing from the (possibly expired) hot tier.
func (d *DeadLetters) Append(ctx context.Context, batch chat.PendingBatch, cause error) (int64, error) {
	blob, err := json.Marshal(batch.Messages)
	if err != nil {
		return 0, chat.NewInternalError("marshal dead letter messages: " + err.Error())
	}
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	res, err := d.db.ExecContext(ctx, `INSERT INTO dead_letters
		(conversation_id, user_id, character_id, messages, error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ConversationID, batch.UserID, batch.CharacterID, string(blob), causeText,
		timeToString(d.clock().UTC()),
	)
	if err != nil {
		return 0, chat.NewUnavailableError("insert dead letter: " + err.Error())
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, chat.NewInternalError("dead letter id: " + err.Error())
	}
	return id, nil
}

// List returns entries oldest first. Drained entries are excluded unless
// includeDrained is set.
func (d *DeadLetters) List(ctx context.Context, includeDrained bool) ([]chat.DeadLetterEntry, error) {
	query := `SELECT id, conversation_id, user_id, character_id, messages, error, failed_at, drained_at
		FROM dead_letters`
	if !includeDrained {
		query += ` WHERE drained_at = ''`
	}
	query += ` ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, chat.NewUnavailableError("query dead letters: " + err.Error())
	}
	defer rows.Close()

	out := []chat.DeadLetterEntry{}
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Get fetches one entry by id.
func (d *DeadLetters) Get(ctx context.Context, id int64) (*chat.DeadLetterEntry, error) {
	row := d.db.QueryRowContext(ctx, `SELECT id, conversation_id, user_id, character_id, messages, error, failed_at, drained_at
		FROM dead_letters WHERE id = ?`, id)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.NewNotFoundError("dead letter not found")
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Drain marks an entry as handled and returns it. Draining an already
// drained entry is an error so recovery tooling cannot double-process.
func (d *DeadLetters) Drain(ctx context.Context, id int64) (*chat.DeadLetterEntry, error) {
	entry, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entry.DrainedAt.IsZero() {
		return nil, chat.NewValidationError("dead letter already drained")
	}
	drainedAt := d.clock().UTC()
	if _, err := d.db.ExecContext(ctx, `UPDATE dead_letters SET drained_at = ? WHERE id = ?`,
		timeToString(drainedAt), id); err != nil {
		return nil, chat.NewUnavailableError("drain dead letter: " + err.Error())
	}
	entry.DrainedAt = drainedAt
	return entry, nil
}

// PendingCount reports undrained entries, for health reporting.
func (d *DeadLetters) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letters WHERE drained_at = ''`); err != nil {
		return 0, chat.NewUnavailableError("count dead letters: " + err.Error())
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (chat.DeadLetterEntry, error) {
	var entry chat.DeadLetterEntry
	var messagesJSON, failedAt, drainedAt string
	if err := row.Scan(&entry.ID, &entry.ConversationID, &entry.UserID, &entry.CharacterID,
		&messagesJSON, &entry.Error, &failedAt, &drainedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.DeadLetterEntry{}, err
		}
		return chat.DeadLetterEntry{}, chat.NewInternalError("scan dead letter: " + err.Error())
	}
	if err := json.Unmarshal([]byte(messagesJSON), &entry.Messages); err != nil {
		return chat.DeadLetterEntry{}, chat.NewInternalError("decode dead letter messages: " + err.Error())
	}
	entry.FailedAt = parseTime(failedAt)
	entry.DrainedAt = parseTime(drainedAt)
	return entry, nil
}
