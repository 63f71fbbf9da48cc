package generate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joelkehle/chatflow/internal/chat"
)

const defaultCallTimeout = 30 * time.Second

// AnthropicMessager is the narrow slice of the SDK the generator needs,
// so tests can substitute a fake without network access.
type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

type AnthropicConfig struct {
	// CallTimeout is the hard per-call deadline. A call past it counts as a
	// transient failure for retry purposes.
	CallTimeout time.Duration
	MaxTokens   int64
}

type AnthropicGenerator struct {
	messages AnthropicMessager
	cfg      AnthropicConfig
}

func NewAnthropicGeneratorFromEnv(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return NewAnthropicGenerator(newAnthropicClient(apiKey), cfg), nil
}

func NewAnthropicGenerator(messages AnthropicMessager, cfg AnthropicConfig) *AnthropicGenerator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &AnthropicGenerator{messages: messages, cfg: cfg}
}

func systemPromptFor(character chat.Character) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. Stay in character for the entire reply.", character.Name)
	if character.Persona != "" {
		sb.WriteString("\n\nPersona:\n")
		sb.WriteString(character.Persona)
	}
	return sb.String()
}

func historyParams(history []chat.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		switch m.Sender {
		case chat.SenderUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case chat.SenderCharacter:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
		// System notices are pipeline chrome, not model context.
	}
	return out
}

func (g *AnthropicGenerator) Generate(ctx context.Context, character chat.Character, history []chat.Message, userText string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	params := historyParams(history)
	params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))

	resp, err := g.messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens: g.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPromptFor(character)}},
		Messages:  params,
	})
	if err != nil {
		return "", classifyTransportError(err)
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", chat.NewError(chat.CodeInternal, "empty generation response", true, 0)
	}
	return text, nil
}

// classifyTransportError maps SDK/network failures onto the pipeline error
// vocabulary so the worker's retry policy can tell transient from permanent.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return chat.NewError(chat.CodeTimeout, "generation timed out", true, 0)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return chat.NewError(chat.CodeRateLimited, err.Error(), true, 0)
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return chat.NewError(chat.CodeUnavailable, err.Error(), true, 0)
	case strings.Contains(msg, "status code: 4"):
		return chat.NewError(chat.CodeValidation, err.Error(), false, 0)
	default:
		return chat.NewError(chat.CodeUnavailable, err.Error(), true, 0)
	}
}

var _ Generator = (*AnthropicGenerator)(nil)
