// Package llm provides the provider-neutral model invocation boundary.
package llm

import (
	"context"
	"time"
)

// Message represents a chat message exchanged with the model.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string `json:"id,omitempty"` // Provider-assigned ID for result correlation
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// NewToolCall builds a ToolCall. The anonymous Function struct makes
// literal construction awkward, so call sites use this instead.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	var tc ToolCall
	tc.ID = id
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

// ChatResponse is the unified response from any model provider.
// Wire format conversion happens at the provider boundary (client.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// Client is the interface the orchestrator depends on for model
// invocation. The request carries the assembled messages plus declared
// tool schemas; the response resolves into text, tool calls, or both.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// EstimateTokens approximates the token count of text when the provider
// does not report one. The chars/4 heuristic overestimates for dense
// prose and underestimates for code, which is acceptable for budget
// accounting — the window manager converges either way.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
