package hotstore

import (
	"context"
	"sync"
	"time"

	"github.com/joelkehle/chatflow/internal/chat"
)

type Config struct {
	// TTL is the per-conversation retention window. Each Append slides the
	// conversation's expiry forward by TTL.
	TTL time.Duration
	// MaxPerConversation caps how many messages one conversation retains.
	// Oldest entries are dropped first.
	MaxPerConversation int
	Clock              func() time.Time
}

type entry struct {
	messages  []chat.Message
	expiresAt time.Time
}

// MemoryStore is an in-process Store with lazy TTL sweeping. Expired
// conversations are evicted on the next operation that takes the lock.
type MemoryStore struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
}

func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxPerConversation <= 0 {
		cfg.MaxPerConversation = 200
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &MemoryStore{
		cfg:     cfg,
		entries: map[string]*entry{},
	}
}

func (s *MemoryStore) now() time.Time {
	return s.cfg.Clock().UTC()
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, msg chat.Message) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	e, ok := s.entries[conversationID]
	if !ok {
		e = &entry{}
		s.entries[conversationID] = e
	}
	e.messages = append(e.messages, msg)
	if over := len(e.messages) - s.cfg.MaxPerConversation; over > 0 {
		e.messages = append([]chat.Message{}, e.messages[over:]...)
	}
	e.expiresAt = now.Add(s.cfg.TTL)
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]chat.Message, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	e, ok := s.entries[conversationID]
	if !ok {
		return []chat.Message{}, nil
	}
	out := append([]chat.Message{}, e.messages...)
	chat.SortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	delete(s.entries, conversationID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
