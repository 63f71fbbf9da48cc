// Package client is a thin HTTP client for the chatflow API, used by the
// operational tooling and available to Go callers embedding the service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/chatflow/internal/chat"
)

type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// NewClient builds a client for the given base URL. userID is sent as the
// caller's identity on every request; tooling endpoints ignore it.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) DoJSON(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return blob, resp.StatusCode, fmt.Errorf("%s %s failed status=%d body=%s", method, path, resp.StatusCode, string(blob))
	}
	return blob, resp.StatusCode, nil
}

// SendMessage submits a user message and returns the conversation ID and the
// accepted message. The response arrives later over the SSE stream.
func (c *Client) SendMessage(ctx context.Context, characterID, content string) (string, chat.Message, error) {
	body, _ := json.Marshal(map[string]any{
		"character_id": characterID,
		"content":      content,
	})
	out, _, err := c.DoJSON(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return "", chat.Message{}, err
	}
	var resp struct {
		ConversationID string       `json:"conversation_id"`
		Message        chat.Message `json:"message"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", chat.Message{}, err
	}
	if strings.TrimSpace(resp.ConversationID) == "" {
		return "", chat.Message{}, fmt.Errorf("missing conversation_id in response")
	}
	return resp.ConversationID, resp.Message, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	out, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/conversations", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, string, error) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	out, _, err := c.DoJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	var resp struct {
		Messages []chat.Message `json:"messages"`
		Source   string         `json:"source"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, "", err
	}
	return resp.Messages, resp.Source, nil
}

func (c *Client) UpsertCharacter(ctx context.Context, character chat.Character) error {
	body, _ := json.Marshal(character)
	_, _, err := c.DoJSON(ctx, http.MethodPut, "/v1/characters", body)
	return err
}

func (c *Client) ListDeadLetters(ctx context.Context, includeDrained bool) ([]chat.DeadLetterEntry, error) {
	path := "/v1/deadletters"
	if includeDrained {
		path += "?include_drained=true"
	}
	out, _, err := c.DoJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		DeadLetters []chat.DeadLetterEntry `json:"dead_letters"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// DrainDeadLetter marks the entry drained and returns it so the operator can
// replay its messages.
func (c *Client) DrainDeadLetter(ctx context.Context, id int64) (chat.DeadLetterEntry, error) {
	path := "/v1/deadletters/" + strconv.FormatInt(id, 10) + "/drain"
	out, _, err := c.DoJSON(ctx, http.MethodPost, path, nil)
	if err != nil {
		return chat.DeadLetterEntry{}, err
	}
	var resp struct {
		DeadLetter chat.DeadLetterEntry `json:"dead_letter"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return chat.DeadLetterEntry{}, err
	}
	return resp.DeadLetter, nil
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
