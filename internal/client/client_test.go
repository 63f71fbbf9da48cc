package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendMessageCarriesIdentity(t *testing.T) {
	var gotUser, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-ID")
		gotPath = r.URL.Path
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["character_id"] != "c1" {
			t.Errorf("expected character_id c1, got %q", req["character_id"])
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":              true,
			"conversation_id": "u1_c1",
			"message":         map[string]any{"id": "m1", "content": "hello"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u1")
	conversationID, msg, err := c.SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if conversationID != "u1_c1" || msg.ID != "m1" {
		t.Fatalf("unexpected response: %s %+v", conversationID, msg)
	}
	if gotUser != "u1" {
		t.Fatalf("expected identity header, got %q", gotUser)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("unexpected path %s", gotPath)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u1")
	if _, _, err := c.SendMessage(context.Background(), "c1", "hello"); err == nil {
		t.Fatal("expected error on 400")
	}
}

func TestListAndDrainDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/deadletters":
			if r.URL.Query().Get("include_drained") != "true" {
				t.Errorf("expected include_drained=true, got %s", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"dead_letters": []map[string]any{{"id": 7, "conversation_id": "u1_c1"}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/deadletters/7/drain":
			json.NewEncoder(w).Encode(map[string]any{
				"ok":          true,
				"dead_letter": map[string]any{"id": 7, "conversation_id": "u1_c1"},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	entries, err := c.ListDeadLetters(context.Background(), true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != 7 {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	entry, err := c.DrainDeadLetter(context.Background(), 7)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if entry.ID != 7 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}
