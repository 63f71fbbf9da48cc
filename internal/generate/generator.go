// Package generate is the boundary to the response producer.
package generate

import (
	"context"
	"errors"
	"net"

	"github.com/joelkehle/chatflow/internal/chat"
)

// Generator produces a character reply given the persona, the recent
// conversation history (chronological ascending), and the new user message.
type Generator interface {
	Generate(ctx context.Context, character chat.Character, history []chat.Message, userText string) (string, error)
}

// IsTransient reports whether a generation failure is worth retrying:
// timeouts, rate limits, and upstream 5xx-class errors. Validation-style
// failures are permanent and retrying them only burns quota.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
