// Package httpapi exposes the pipeline over HTTP: ingestion, reads, a
// live SSE stream per conversation, and the dead-letter recovery surface.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/chatflow/internal/broadcast"
	"github.com/joelkehle/chatflow/internal/chat"
	"github.com/joelkehle/chatflow/internal/durable"
	"github.com/joelkehle/chatflow/internal/hotstore"
	"github.com/joelkehle/chatflow/internal/profile"
	"github.com/joelkehle/chatflow/internal/queue"
)

// Health lets the server report pipeline counters without reaching into
// worker internals.
type Health interface {
	Snapshot(ctx context.Context) map[string]any
}

type Server struct {
	hot         hotstore.Store
	store       *durable.Store
	deadLetters *durable.DeadLetters
	hub         *broadcast.Hub
	queue       *queue.Queue
	profiles    *profile.Provider
	health      Health
	clock       func() time.Time
	logger      *log.Logger

	historyLimit int
}

type ServerConfig struct {
	HistoryLimit int
	Clock        func() time.Time
	Logger       *log.Logger
}

func NewServer(cfg ServerConfig, hot hotstore.Store, store *durable.Store, deadLetters *durable.DeadLetters,
	hub *broadcast.Hub, q *queue.Queue, profiles *profile.Provider, health Health) http.Handler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "httpapi ", log.LstdFlags)
	}
	s := &Server{
		hot:          hot,
		store:        store,
		deadLetters:  deadLetters,
		hub:          hub,
		queue:        q,
		profiles:     profiles,
		health:       health,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		historyLimit: cfg.HistoryLimit,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleSendMessage)
	mux.HandleFunc("/v1/conversations", s.handleListConversations)
	mux.HandleFunc("/v1/conversations/", s.handleConversationSubresource)
	mux.HandleFunc("/v1/characters", s.handleUpsertCharacter)
	mux.HandleFunc("/v1/deadletters", s.handleListDeadLetters)
	mux.HandleFunc("/v1/deadletters/", s.handleDrainDeadLetter)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var ce *chat.Error
	if errors.As(err, &ce) {
		payload := map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      ce.Code,
				"message":   ce.Message,
				"transient": ce.Transient,
			},
		}
		if ce.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ce.RetryAfter))
		}
		writeJSON(w, ce.Status, payload)
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      chat.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// userID comes from the authenticated connection; the identity provider is
// external and the pipeline trusts what it supplies.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, chat.NewValidationError("invalid body: "+err.Error()))
		return
	}
	var req struct {
		CharacterID string `json:"character_id"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, chat.NewValidationError("invalid json: "+err.Error()))
		return
	}
	uid := userID(r)
	if uid == "" {
		writeError(w, chat.NewValidationError("X-User-ID is required"))
		return
	}
	req.CharacterID = strings.TrimSpace(req.CharacterID)
	req.Content = strings.TrimSpace(req.Content)
	if req.CharacterID == "" {
		writeError(w, chat.NewValidationError("character_id is required"))
		return
	}
	if req.Content == "" {
		writeError(w, chat.NewValidationError("content is required"))
		return
	}

	conversationID := chat.ConversationKey(uid, req.CharacterID)
	msg := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         chat.SenderUser,
		Type:           chat.MessageTypeText,
		Content:        req.Content,
		CreatedAt:      s.clock().UTC(),
	}

	// The sender's acknowledgment depends only on the hot tier; a cache
	// failure degrades to durable reads instead of failing the request.
	if err := s.hot.Append(r.Context(), conversationID, msg); err != nil {
		s.logger.Printf("hot store append failed conversation=%s: %v", conversationID, err)
	}
	s.hub.Broadcast(conversationID, msg)

	// One-way send: an enqueue failure is alerted on the log channel, not
	// propagated to the sender whose message is already cached.
	if err := s.queue.Enqueue(chat.Job{
		ConversationID: conversationID,
		CharacterID:    req.CharacterID,
		UserID:         uid,
		UserMessage:    msg,
	}); err != nil {
		s.logger.Printf("alert: enqueue failed conversation=%s: %v", conversationID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":              true,
		"conversation_id": conversationID,
		"message":         msg,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	uid := userID(r)
	if uid == "" {
		writeError(w, chat.NewValidationError("X-User-ID is required"))
		return
	}
	conversations, err := s.store.ListConversations(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"conversations": conversations})
}

func (s *Server) handleConversationSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	switch {
	case strings.HasSuffix(path, "/messages"):
		s.handleConversationMessages(w, r, strings.TrimSuffix(path, "/messages"))
	case strings.HasSuffix(path, "/stream"):
		s.handleConversationStream(w, r, strings.TrimSuffix(path, "/stream"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	conversationID = strings.TrimSuffix(conversationID, "/")
	if conversationID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), s.historyLimit)

	messages, err := s.hot.Recent(r.Context(), conversationID, limit)
	if err != nil {
		s.logger.Printf("hot store read failed conversation=%s: %v", conversationID, err)
		messages = nil
	}
	source := "hot"
	if len(messages) == 0 {
		source = "durable"
		messages, err = s.store.RecentMessages(r.Context(), conversationID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, m := range messages {
			if err := s.hot.Append(r.Context(), conversationID, m); err != nil {
				s.logger.Printf("hot store repopulate failed conversation=%s: %v", conversationID, err)
				break
			}
		}
	}

	writeJSON(w, 200, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
		"source":          source,
	})
}

func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request, conversationID string) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	conversationID = strings.TrimSuffix(conversationID, "/")
	if conversationID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, chat.NewInternalError("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	msgs, cancel := s.hub.Subscribe(conversationID)
	defer cancel()

	bw := bufio.NewWriter(w)
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			blob, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := bw.WriteString("event: message\ndata: "); err != nil {
				return
			}
			if _, err := bw.Write(blob); err != nil {
				return
			}
			if _, err := bw.WriteString("\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleUpsertCharacter is a thin management wrapper kept for seeding and
// tooling; profile CRUD proper lives outside the pipeline.
func (s *Server) handleUpsertCharacter(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPut) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, chat.NewValidationError("invalid body: "+err.Error()))
		return
	}
	var c chat.Character
	if err := json.Unmarshal(blob, &c); err != nil {
		writeError(w, chat.NewValidationError("invalid json: "+err.Error()))
		return
	}
	if err := s.profiles.Upsert(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "character_id": c.CharacterID})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	includeDrained := r.URL.Query().Get("include_drained") == "true"
	entries, err := s.deadLetters.List(r.Context(), includeDrained)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"dead_letters": entries})
}

func (s *Server) handleDrainDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/deadletters/")
	if !strings.HasSuffix(path, "/drain") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(path, "/drain"), 10, 64)
	if err != nil {
		writeError(w, chat.NewValidationError("invalid dead letter id"))
		return
	}
	entry, err := s.deadLetters.Drain(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "dead_letter": entry})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	payload := map[string]any{"ok": true, "status": "healthy"}
	if s.health != nil {
		payload["pipeline"] = s.health.Snapshot(r.Context())
	}
	writeJSON(w, 200, payload)
}
