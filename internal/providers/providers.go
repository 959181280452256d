// Package providers implements LLM provider integrations for the agent runtime.
//
// Each provider adapts one vendor SDK to the common Provider interface and
// normalizes vendor errors into the structured Error type so the orchestrator
// can make rotation and compaction decisions without vendor knowledge.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a single chat message in a completion request.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls holds tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" role message to the call it answers.
	ToolCallID string

	// IsError marks a tool result as a failure.
	IsError bool
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is a single non-streaming completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Response is the model's reply to a Request.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is a single LLM backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Complete sends one completion request and waits for the full reply.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Config holds the per-credential settings used to build a provider client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New builds a Provider for the named backend.
func New(provider string, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic", "claude":
		return NewAnthropicProvider(cfg)
	case "openai", "gpt":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
