// Package scheduler tracks which conversations have messages awaiting a
// durable flush and when each becomes due. It is the only structure with
// write access to pending messages during the delay window.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/joelkehle/chatflow/internal/chat"
)

type Config struct {
	// Delay is the quiet period before a conversation's pending messages
	// are flushed. Every new message slides the due time forward to
	// now+Delay (debounce semantics): an active conversation flushes only
	// once it pauses.
	Delay time.Duration
	Clock func() time.Time
}

type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	batches map[string]*chat.PendingBatch
	due     map[string]time.Time
}

func New(cfg Config) *Scheduler {
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		batches: map[string]*chat.PendingBatch{},
		due:     map[string]time.Time{},
	}
}

func (s *Scheduler) now() time.Time {
	return s.cfg.Clock().UTC()
}

// ScheduleFlush appends msgs to the conversation's pending batch, creating
// it on first use, and upserts the due time to now+Delay regardless of any
// earlier entry. At most one schedule entry exists per conversation.
func (s *Scheduler) ScheduleFlush(conversationID, userID, characterID string, msgs []chat.Message) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[conversationID]
	if !ok {
		b = &chat.PendingBatch{
			ConversationID: conversationID,
			UserID:         userID,
			CharacterID:    characterID,
			FirstQueuedAt:  now,
		}
		s.batches[conversationID] = b
	}
	b.Messages = append(b.Messages, msgs...)
	s.due[conversationID] = now.Add(s.cfg.Delay)
}

// Due returns the conversations whose due time is at or before asOf,
// earliest first.
func (s *Scheduler) Due(asOf time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []string{}
	for id, t := range s.due {
		if !t.After(asOf) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if s.due[out[i]].Equal(s.due[out[j]]) {
			return out[i] < out[j]
		}
		return s.due[out[i]].Before(s.due[out[j]])
	})
	return out
}

// Snapshot returns a copy of the conversation's pending batch. The flush
// worker operates on the copy so messages appended mid-flush are untouched.
func (s *Scheduler) Snapshot(conversationID string) (chat.PendingBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[conversationID]
	if !ok {
		return chat.PendingBatch{}, false
	}
	cp := *b
	cp.Messages = append([]chat.Message{}, b.Messages...)
	return cp, ok
}

// ClearPrefix removes the first n buffered messages after a successful
// flush of a snapshot of length n. If the batch drains completely, the
// schedule entry goes too; otherwise messages that arrived mid-flush stay
// buffered under their (already re-armed) due time.
func (s *Scheduler) ClearPrefix(conversationID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[conversationID]
	if !ok {
		delete(s.due, conversationID)
		return
	}
	if n >= len(b.Messages) {
		delete(s.batches, conversationID)
		delete(s.due, conversationID)
		return
	}
	b.Messages = append([]chat.Message{}, b.Messages[n:]...)
}

// Clear drops the conversation's batch and schedule entry entirely. Called
// after a successful full flush or dead-letter routing.
func (s *Scheduler) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches, conversationID)
	delete(s.due, conversationID)
}

// DueTime reports the conversation's schedule entry, if any.
func (s *Scheduler) DueTime(conversationID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.due[conversationID]
	return t, ok
}

// Pending lists every conversation holding buffered messages, regardless
// of due time. The flush worker uses it for the forced shutdown pass.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.batches))
	for id := range s.batches {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PendingConversations reports how many conversations hold buffered
// messages, for health reporting.
func (s *Scheduler) PendingConversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}
