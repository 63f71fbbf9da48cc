// Package hotstore holds the low-latency, bounded-retention message cache.
// It owns the live view of recent conversation traffic; the durable store
// remains the authoritative record.
package hotstore

import (
	"context"

	"github.com/joelkehle/chatflow/internal/chat"
)

// Store is the hot-tier cache contract. Implementations must be safe for
// concurrent use. Unavailability is expected to be non-fatal: callers log
// and degrade to durable reads instead of failing the request.
type Store interface {
	// Append caches a message and resets the conversation's retention TTL.
	// No ordering is enforced internally; readers sort by timestamp.
	Append(ctx context.Context, conversationID string, msg chat.Message) error
	// Recent returns up to limit most recent messages, chronologically
	// ascending. A total miss returns an empty slice, not an error.
	Recent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
	// Clear drops all cached messages for a conversation. Idempotent.
	Clear(ctx context.Context, conversationID string) error
}
