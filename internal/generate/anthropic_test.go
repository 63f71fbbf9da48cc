package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joelkehle/chatflow/internal/chat"
)

type fakeMessager struct {
	lastParams anthropic.MessageNewParams
	text       string
	err        error
}

func (f *fakeMessager) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.text}},
	}, nil
}

func testCharacter() chat.Character {
	return chat.Character{CharacterID: "c1", Name: "Luna", Persona: "a dreamy stargazer"}
}

func TestGenerateReturnsText(t *testing.T) {
	fake := &fakeMessager{text: "  the stars are out tonight  "}
	g := NewAnthropicGenerator(fake, AnthropicConfig{})

	got, err := g.Generate(context.Background(), testCharacter(), nil, "hello")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "the stars are out tonight" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestGenerateSystemPromptCarriesPersona(t *testing.T) {
	fake := &fakeMessager{text: "ok"}
	g := NewAnthropicGenerator(fake, AnthropicConfig{})

	if _, err := g.Generate(context.Background(), testCharacter(), nil, "hello"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(fake.lastParams.System) != 1 {
		t.Fatalf("expected one system block, got %d", len(fake.lastParams.System))
	}
	sys := fake.lastParams.System[0].Text
	if !strings.Contains(sys, "Luna") || !strings.Contains(sys, "a dreamy stargazer") {
		t.Fatalf("system prompt missing persona: %q", sys)
	}
}

func TestGenerateHistorySkipsSystemNotices(t *testing.T) {
	fake := &fakeMessager{text: "ok"}
	g := NewAnthropicGenerator(fake, AnthropicConfig{})

	history := []chat.Message{
		{Sender: chat.SenderUser, Content: "hi"},
		{Sender: chat.SenderCharacter, Content: "hello"},
		{Sender: chat.SenderSystem, Type: chat.MessageTypeError, Content: "could not respond"},
	}
	if _, err := g.Generate(context.Background(), testCharacter(), history, "again"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	// Two history turns plus the new user message.
	if len(fake.lastParams.Messages) != 3 {
		t.Fatalf("expected 3 message params, got %d", len(fake.lastParams.Messages))
	}
}

func TestGenerateEmptyResponseIsTransient(t *testing.T) {
	fake := &fakeMessager{text: "   "}
	g := NewAnthropicGenerator(fake, AnthropicConfig{})

	_, err := g.Generate(context.Background(), testCharacter(), nil, "hello")
	if err == nil {
		t.Fatal("expected error for empty response")
	}
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClassifyTransportError(t *testing.T) {
	for _, tc := range []struct {
		msg       string
		code      string
		transient bool
	}{
		{msg: "status code: 429 too many requests", code: chat.CodeRateLimited, transient: true},
		{msg: "status code: 503 overloaded", code: chat.CodeUnavailable, transient: true},
		{msg: "status code: 400 bad request", code: chat.CodeValidation, transient: false},
		{msg: "connection reset by peer", code: chat.CodeUnavailable, transient: true},
	} {
		err := classifyTransportError(errors.New(tc.msg))
		var ce *chat.Error
		if !errors.As(err, &ce) {
			t.Fatalf("%q: expected *chat.Error, got %v", tc.msg, err)
		}
		if ce.Code != tc.code {
			t.Fatalf("%q: expected code %s, got %s", tc.msg, tc.code, ce.Code)
		}
		if ce.Transient != tc.transient {
			t.Fatalf("%q: expected transient=%v", tc.msg, tc.transient)
		}
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	err := classifyTransportError(context.DeadlineExceeded)
	var ce *chat.Error
	if !errors.As(err, &ce) || ce.Code != chat.CodeTimeout || !ce.Transient {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestGenerateFromEnvRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAnthropicGeneratorFromEnv(AnthropicConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
	if !IsTransient(chat.NewUnavailableError("down")) {
		t.Fatal("unavailable should be transient")
	}
	if IsTransient(chat.NewValidationError("bad")) {
		t.Fatal("validation should be permanent")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline should be transient")
	}
}
