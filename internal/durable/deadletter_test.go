package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joelkehle/chatflow/internal/chat"
)

func newTestDeadLetters(t *testing.T) (*DeadLetters, *time.Time) {
	t.Helper()
	store, now := newTestDurableStore(t)
	d := NewDeadLetters(store.DB())
	d.SetClock(func() time.Time {
		return *now
	})
	return d, now
}

func testBatch(conversationID string, at time.Time, ids ...string) chat.PendingBatch {
	b := chat.PendingBatch{
		ConversationID: conversationID,
		UserID:         "u1",
		CharacterID:    "c1",
		FirstQueuedAt:  at,
	}
	for _, id := range ids {
		b.Messages = append(b.Messages, chat.Message{
			ID:             id,
			ConversationID: conversationID,
			Sender:         chat.SenderUser,
			Type:           chat.MessageTypeText,
			Content:        "body " + id,
			CreatedAt:      at,
		})
	}
	return b
}

func TestDeadLetterRoundTrip(t *testing.T) {
	d, now := newTestDeadLetters(t)
	ctx := context.Background()

	id, err := d.Append(ctx, testBatch("u1_c1", *now, "m1", "m2"), errors.New("merge failed"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	entries, err := d.List(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ConversationID != "u1_c1" || e.Error != "merge failed" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if len(e.Messages) != 2 || e.Messages[0].ID != "m1" {
		t.Fatalf("expected full message payload, got %+v", e.Messages)
	}
	if !e.FailedAt.Equal(*now) {
		t.Fatalf("expected failed_at %v, got %v", *now, e.FailedAt)
	}
	if !e.DrainedAt.IsZero() {
		t.Fatal("new entry must not be drained")
	}
}

func TestDrainExcludesFromPendingList(t *testing.T) {
	d, now := newTestDeadLetters(t)
	ctx := context.Background()

	id, err := d.Append(ctx, testBatch("u1_c1", *now, "m1"), errors.New("boom"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	*now = now.Add(time.Minute)
	entry, err := d.Drain(ctx, id)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if entry.DrainedAt.IsZero() {
		t.Fatal("expected drained_at set")
	}

	pending, err := d.List(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty pending list, got %d", len(pending))
	}

	all, err := d.List(ctx, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected drained entry retained, got %d", len(all))
	}
}

func TestDoubleDrainRejected(t *testing.T) {
	d, now := newTestDeadLetters(t)
	ctx := context.Background()

	id, err := d.Append(ctx, testBatch("u1_c1", *now, "m1"), errors.New("boom"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := d.Drain(ctx, id); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if _, err := d.Drain(ctx, id); err == nil {
		t.Fatal("expected error draining twice")
	}
}

func TestDrainUnknownIDNotFound(t *testing.T) {
	d, _ := newTestDeadLetters(t)
	_, err := d.Drain(context.Background(), 42)
	var ce *chat.Error
	if !errors.As(err, &ce) || ce.Code != chat.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPendingCount(t *testing.T) {
	d, now := newTestDeadLetters(t)
	ctx := context.Background()

	if _, err := d.Append(ctx, testBatch("u1_c1", *now, "m1"), errors.New("a")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	id, err := d.Append(ctx, testBatch("u1_c2", *now, "m2"), errors.New("b"))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if _, err := d.Drain(ctx, id); err != nil {
		t.Fatalf("drain: %v", err)
	}

	n, err := d.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}
}
