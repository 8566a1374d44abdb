package contextwin

import (
	"context"
	"fmt"
	"strings"

	"github.com/fenwick-labs/keel/internal/conversation"
	"github.com/fenwick-labs/keel/internal/llm"
)

const summaryPrompt = `Summarize the following conversation excerpt in a few sentences.
Preserve decisions, constraints, names, and numbers; drop pleasantries.
Reply with the summary only.`

// ModelSummarizer produces eviction summaries through the chat model.
type ModelSummarizer struct {
	client llm.Client
	model  string
}

// NewModelSummarizer creates a summarizer backed by the given client.
func NewModelSummarizer(client llm.Client, model string) *ModelSummarizer {
	return &ModelSummarizer{client: client, model: model}
}

// Summarize renders the messages as a transcript and asks the model to
// compress them.
func (s *ModelSummarizer) Summarize(ctx context.Context, messages []conversation.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := s.client.Chat(ctx, s.model, []llm.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
