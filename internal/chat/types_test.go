package chat

import (
	"testing"
	"time"
)

func TestConversationKeyDeterministic(t *testing.T) {
	if ConversationKey("u1", "c1") != "u1_c1" {
		t.Fatalf("unexpected key: %s", ConversationKey("u1", "c1"))
	}
	if ConversationKey("u1", "c1") != ConversationKey("u1", "c1") {
		t.Fatal("same pair must map to same key")
	}
	if ConversationKey("u1", "c2") == ConversationKey("u1", "c1") {
		t.Fatal("different characters must map to different keys")
	}
}

func TestSortByCreatedAtStable(t *testing.T) {
	at := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "late", CreatedAt: at.Add(time.Second)},
		{ID: "user", CreatedAt: at},
		{ID: "response", CreatedAt: at},
	}
	SortByCreatedAt(msgs)
	if msgs[0].ID != "user" || msgs[1].ID != "response" || msgs[2].ID != "late" {
		t.Fatalf("unexpected order: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}
