package chat

import (
	"sort"
	"time"
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderCharacter Sender = "character"
	SenderSystem    Sender = "system"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeError MessageType = "error"
)

// Message is immutable once created. Timestamps are producer-assigned and
// advisory; readers sort by CreatedAt rather than trusting arrival order.
type Message struct {
	ID             string      `json:"id" db:"message_id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	Sender         Sender      `json:"sender" db:"sender"`
	Type           MessageType `json:"type" db:"type"`
	Content        string      `json:"content" db:"content"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

type Conversation struct {
	ConversationID     string    `json:"conversation_id" db:"conversation_id"`
	UserID             string    `json:"user_id" db:"user_id"`
	CharacterID        string    `json:"character_id" db:"character_id"`
	MessageCount       int       `json:"message_count" db:"message_count"`
	LastMessagePreview string    `json:"last_message_preview" db:"last_message_preview"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// ConversationKey derives the deterministic composite key for a
// user/character pair. The same pair always maps to the same conversation.
func ConversationKey(userID, characterID string) string {
	return userID + "_" + characterID
}

type Character struct {
	CharacterID string    `json:"character_id" db:"character_id"`
	Name        string    `json:"name" db:"name"`
	Persona     string    `json:"persona" db:"persona"`
	Greeting    string    `json:"greeting" db:"greeting"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Job is the wire-level payload carried by the generation queue.
type Job struct {
	JobID          string    `json:"job_id"`
	ConversationID string    `json:"conversation_id"`
	CharacterID    string    `json:"character_id"`
	UserID         string    `json:"user_id"`
	UserMessage    Message   `json:"user_message"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// PendingBatch buffers messages between generation and a durable flush.
// It is the sole input to a flush and exists only until the batch is
// persisted or dead-lettered.
type PendingBatch struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	CharacterID    string    `json:"character_id"`
	FirstQueuedAt  time.Time `json:"first_queued_at"`
	Messages       []Message `json:"messages"`
}

// DeadLetterEntry is a terminal record of a batch that failed durable
// persistence after retries. Recovery is manual or tooled, never automatic.
type DeadLetterEntry struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	CharacterID    string    `json:"character_id" db:"character_id"`
	Messages       []Message `json:"messages" db:"-"`
	Error          string    `json:"error" db:"error"`
	FailedAt       time.Time `json:"failed_at" db:"failed_at"`
	DrainedAt      time.Time `json:"drained_at,omitempty" db:"drained_at"`
}

// SortByCreatedAt orders messages chronologically ascending, in place.
// The sort is stable so messages with equal timestamps keep append order.
func SortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
