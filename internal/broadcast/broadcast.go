// Package broadcast fans live messages out to per-conversation subscribers.
package broadcast

import (
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/joelkehle/chatflow/internal/chat"
)

const defaultBuffer = 32

// Hub routes messages to everyone subscribed to a conversation. Delivery is
// best effort: a subscriber whose channel is full misses the message rather
// than stalling the pipeline.
type Hub struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string]map[int64]chan chat.Message
	buffer int
	logger *log.Logger

	dropped atomic.Int64
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stdout, "broadcast ", log.LstdFlags)
	}
	return &Hub{
		subs:   map[string]map[int64]chan chat.Message{},
		buffer: defaultBuffer,
		logger: logger,
	}
}

// Subscribe registers a listener for one conversation. The returned cancel
// function must be called when the subscriber goes away; it closes the
// channel and releases the slot.
func (h *Hub) Subscribe(conversationID string) (<-chan chat.Message, func()) {
	ch := make(chan chat.Message, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if _, ok := h.subs[conversationID]; !ok {
		h.subs[conversationID] = map[int64]chan chat.Message{}
	}
	h.subs[conversationID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if listeners, ok := h.subs[conversationID]; ok {
			if c, ok := listeners[id]; ok {
				delete(listeners, id)
				close(c)
			}
			if len(listeners) == 0 {
				delete(h.subs, conversationID)
			}
		}
	}
	return ch, cancel
}

// Broadcast delivers msg to every subscriber of the conversation without
// blocking. Slow subscribers are skipped and counted.
func (h *Hub) Broadcast(conversationID string, msg chat.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[conversationID] {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Printf("broadcast drop conversation=%s message=%s (subscriber full)", conversationID, msg.ID)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// channel was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// SubscriberCount reports the live listeners for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}
