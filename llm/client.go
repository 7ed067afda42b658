// Package llm holds the provider clients behind the HTTP completion
// adapter. All providers speak the same Message/ToolSpec vocabulary; the
// adapter owns the conversation history and the tool loop.
package llm

import (
	"context"
	"strings"

	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
)

// Message is one entry of a provider conversation.
type Message struct {
	Role      string // "system", "user", "assistant", "tool"
	Content   string
	ToolCalls []ToolCall
}

// ToolCall is one tool invocation requested by the model, or, on a message
// with role "tool", the call the result answers (only ID is consulted then).
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolSpec describes one callable tool to the model. InputSchema is a JSON
// Schema object; a nil schema advertises a generic object.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Client is the interface every provider implements.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*Message, error)
}

// New builds the provider client named by cfg.Provider.
func New(ctx context.Context, cfg config.BackendConfig) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropicClient(cfg)
	case "openai":
		return NewOpenAIClient(cfg)
	case "bedrock":
		return NewBedrockClient(ctx, cfg)
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, errors.NewKind(errors.KindValidation, "unknown backend provider %q", cfg.Provider)
	}
}

// genericSchema is advertised when a tool ships no schema of its own.
func genericSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
