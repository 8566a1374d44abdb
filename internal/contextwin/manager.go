// Package contextwin keeps a conversation's live message window inside
// its token budget. When usage crosses the configured trigger ratio,
// the manager moves the oldest contiguous run of non-pinned messages
// into the context archive as a chunk — optionally through a lossy
// summarization pass — and the chunk stays retrievable by topic query.
//
// Eviction never splits a tool call from its result: the run boundary
// is extended so both sides of a pair move to the archive together.
package contextwin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fenwick-labs/keel/internal/archive"
	"github.com/fenwick-labs/keel/internal/conversation"
	"github.com/fenwick-labs/keel/internal/events"
	"github.com/fenwick-labs/keel/internal/llm"
	"github.com/fenwick-labs/keel/internal/metrics"
)

// Config controls window budgeting and compression.
type Config struct {
	MaxTokens    int     // Context window budget
	TriggerRatio float64 // Compress when usage exceeds this fraction of MaxTokens
	KeepRecent   int     // Most recent messages that are never evicted
	Summarize    bool    // Apply the lossy summarization pass before eviction
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:    8000,
		TriggerRatio: 0.7,
		KeepRecent:   10,
	}
}

// MessageStore is the subset of the conversation store the manager
// needs. Defined as an interface for testability.
type MessageStore interface {
	ActiveMessages(conversationID string) ([]conversation.Message, error)
	ActiveTokenCount(conversationID string) (int, error)
	MarkArchived(conversationID string, fromSeq, toSeq int) error
	AppendMessage(conversationID, role, content string, opts ...conversation.AppendOption) (*conversation.Message, error)
}

// ChunkWriter is the archive's write side.
type ChunkWriter interface {
	Write(chunk *archive.Chunk) error
}

// Summarizer generates a lossy summary of messages about to be
// evicted. The summary is appended to the conversation as a pinned
// system message so salient content survives eviction in-window.
type Summarizer interface {
	Summarize(ctx context.Context, messages []conversation.Message) (string, error)
}

// Window is the in-budget view handed to the orchestrator.
type Window struct {
	Messages   []conversation.Message
	UsedTokens int
	MaxTokens  int
}

// Manager tracks token usage against the budget and decides when and
// what to evict.
type Manager struct {
	store   MessageStore
	archive ChunkWriter
	summ    Summarizer // optional
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics // optional
	bus     *events.Bus      // optional
}

// NewManager creates a window manager. summ may be nil to skip the
// summarization pass; m and bus may be nil to skip instrumentation.
func NewManager(store MessageStore, arch ChunkWriter, summ Summarizer, cfg Config, logger *slog.Logger, m *metrics.Metrics, bus *events.Bus) *Manager {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.TriggerRatio <= 0 || cfg.TriggerRatio >= 1 {
		cfg.TriggerRatio = DefaultConfig().TriggerRatio
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultConfig().KeepRecent
	}
	return &Manager{
		store:   store,
		archive: arch,
		summ:    summ,
		config:  cfg,
		logger:  logger,
		metrics: m,
		bus:     bus,
	}
}

// maxPasses bounds the compression loop per WindowFor call. Each pass
// evicts at least one message, so the bound is a safety valve, not a
// correctness requirement.
const maxPasses = 8

// WindowFor returns an in-budget view of the conversation, compressing
// as needed. Usage after the pass is at or below MaxTokens whenever
// any non-pinned message remains evictable.
func (m *Manager) WindowFor(ctx context.Context, conversationID string) (*Window, error) {
	threshold := int(float64(m.config.MaxTokens) * m.config.TriggerRatio)

	for pass := 0; pass < maxPasses; pass++ {
		used, err := m.store.ActiveTokenCount(conversationID)
		if err != nil {
			return nil, fmt.Errorf("token count: %w", err)
		}
		if used <= threshold {
			break
		}

		evicted, err := m.compress(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !evicted {
			// Everything left is pinned or protected — nothing more to do.
			break
		}
	}

	msgs, err := m.store.ActiveMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	used, err := m.store.ActiveTokenCount(conversationID)
	if err != nil {
		return nil, fmt.Errorf("token count: %w", err)
	}

	m.metrics.ObserveContext(conversationID, used, m.config.MaxTokens)

	return &Window{
		Messages:   msgs,
		UsedTokens: used,
		MaxTokens:  m.config.MaxTokens,
	}, nil
}

// compress performs one eviction pass. Returns false when no message
// is eligible.
func (m *Manager) compress(ctx context.Context, conversationID string) (bool, error) {
	msgs, err := m.store.ActiveMessages(conversationID)
	if err != nil {
		return false, fmt.Errorf("load messages: %w", err)
	}

	start, end := m.selectRun(msgs)
	if start < 0 {
		return false, nil
	}
	run := msgs[start : end+1]

	content := transcript(run)
	tokens := 0
	for _, msg := range run {
		tokens += msg.TokenCount
	}

	chunk := &archive.Chunk{
		ConversationID: conversationID,
		FromSeq:        run[0].Seq,
		ToSeq:          run[len(run)-1].Seq,
		TopicTags:      archive.ExtractTopics(content, 5),
		TokenCount:     tokens,
		Content:        content,
	}

	// Lossy summarization pass. A summarizer failure is non-fatal:
	// the chunk still archives with full content, only the in-window
	// summary is lost.
	ratio := 0.0
	if m.summ != nil && m.config.Summarize {
		summary, err := m.summ.Summarize(ctx, run)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("summarization failed, archiving without summary",
					"conversation", conversationID, "error", err)
			}
		} else if summary != "" {
			chunk.Summary = summary
			if tokens > 0 {
				ratio = float64(llm.EstimateTokens(summary)) / float64(tokens)
			}
		}
	}

	if err := m.archive.Write(chunk); err != nil {
		return false, fmt.Errorf("archive chunk: %w", err)
	}
	if err := m.store.MarkArchived(conversationID, chunk.FromSeq, chunk.ToSeq); err != nil {
		return false, fmt.Errorf("mark archived: %w", err)
	}

	if chunk.Summary != "" {
		summaryMsg := fmt.Sprintf("[Archived context summary — messages %d-%d]\n%s",
			chunk.FromSeq, chunk.ToSeq, chunk.Summary)
		if _, err := m.store.AppendMessage(conversationID, "system", summaryMsg,
			conversation.WithPinned()); err != nil {
			return false, fmt.Errorf("append summary: %w", err)
		}
	}

	m.metrics.ObserveCompaction(ratio)
	m.bus.Publish(events.SourceWindow, events.KindCompaction, map[string]any{
		"conversation_id": conversationID,
		"chunk_id":        chunk.ID,
		"evicted":         len(run),
		"ratio":           ratio,
	})

	if m.logger != nil {
		m.logger.Info("context compressed",
			"conversation", conversationID,
			"chunk", chunk.ID,
			"evicted", len(run),
			"tokens", tokens,
			"ratio", ratio,
			"tags", strings.Join(chunk.TopicTags, ","),
		)
	}

	return true, nil
}

// selectRun picks the oldest contiguous run of non-pinned messages,
// keeping the most recent KeepRecent messages protected and extending
// the end boundary so tool-call pairs never split. Returns (-1, -1)
// when nothing is evictable.
func (m *Manager) selectRun(msgs []conversation.Message) (int, int) {
	protectedFrom := len(msgs) - m.config.KeepRecent
	if protectedFrom <= 0 {
		return -1, -1
	}

	start := -1
	for i := 0; i < protectedFrom; i++ {
		if !msgs[i].Pinned {
			start = i
			break
		}
	}
	if start < 0 {
		return -1, -1
	}

	end := start
	for end+1 < protectedFrom && !msgs[end+1].Pinned {
		end++
	}

	// Pair integrity: a tool result must travel with its call. If the
	// message after the run is a tool result for a call inside the run,
	// extend past the protection boundary — pairs trump recency.
	for end+1 < len(msgs) && msgs[end+1].Role == "tool" && !msgs[end+1].Pinned {
		end++
	}

	return start, end
}

// transcript renders a run of messages as archived chunk content.
func transcript(msgs []conversation.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&sb, "  [tool call %s: %s]\n", tc.ID, tc.Function.Name)
		}
	}
	return sb.String()
}
