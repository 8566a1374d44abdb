package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fenwick-labs/keel/internal/archive"
	"github.com/fenwick-labs/keel/internal/conversation"
	"github.com/fenwick-labs/keel/internal/memory"
)

// Retrieval sources, used to tag merged items so the model knows where
// a piece of context came from.
const (
	SourceMemory       = "memory"
	SourceArchive      = "archive"
	SourceConversation = "conversation"
)

// RetrievedItem is one piece of context pulled in for prompt assembly.
type RetrievedItem struct {
	Source  string
	Content string
}

type memoryRetriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]memory.Hit, error)
}

type archiveSearcher interface {
	Search(query, scope string, limit int) ([]*archive.Chunk, error)
}

type conversationSearcher interface {
	SearchActive(conversationID, query string, limit int) ([]conversation.Message, error)
}

// Retriever fans a query out to long-term memory, the context archive,
// and the live conversation, then merges the results. Each leg is
// best-effort: a failing store degrades retrieval instead of failing
// the turn.
type Retriever struct {
	memory       memoryRetriever
	archive      archiveSearcher
	conversation conversationSearcher

	memoryLimit  int
	archiveLimit int
	logger       *slog.Logger
}

// NewRetriever creates a retriever. Any source may be nil; its leg is
// skipped.
func NewRetriever(mem memoryRetriever, arch archiveSearcher, conv conversationSearcher, memoryLimit, archiveLimit int, logger *slog.Logger) *Retriever {
	if memoryLimit <= 0 {
		memoryLimit = 5
	}
	if archiveLimit <= 0 {
		archiveLimit = 3
	}
	return &Retriever{
		memory:       mem,
		archive:      arch,
		conversation: conv,
		memoryLimit:  memoryLimit,
		archiveLimit: archiveLimit,
		logger:       logger,
	}
}

// Retrieve runs all three legs concurrently and merges the results,
// deduplicated by content hash, in source order: memories first, then
// archive chunks, then in-conversation matches.
func (r *Retriever) Retrieve(ctx context.Context, conversationID, query string) []RetrievedItem {
	if r == nil || strings.TrimSpace(query) == "" {
		return nil
	}

	var (
		wg        sync.WaitGroup
		memItems  []RetrievedItem
		archItems []RetrievedItem
		convItems []RetrievedItem
	)

	if r.memory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := r.memory.Retrieve(ctx, query, r.memoryLimit)
			if err != nil {
				r.warn("memory retrieval failed", err)
				return
			}
			for _, h := range hits {
				memItems = append(memItems, RetrievedItem{Source: SourceMemory, Content: h.Content})
			}
		}()
	}

	if r.archive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunks, err := r.archive.Search(query, conversationID, r.archiveLimit)
			if err != nil {
				r.warn("archive retrieval failed", err)
				return
			}
			for _, c := range chunks {
				body := c.Summary
				if body == "" {
					body = truncate(c.Content, 500)
				}
				archItems = append(archItems, RetrievedItem{
					Source:  SourceArchive,
					Content: fmt.Sprintf("(messages %d-%d) %s", c.FromSeq, c.ToSeq, body),
				})
			}
		}()
	}

	if r.conversation != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := r.conversation.SearchActive(conversationID, query, r.archiveLimit)
			if err != nil {
				r.warn("conversation retrieval failed", err)
				return
			}
			for _, m := range msgs {
				convItems = append(convItems, RetrievedItem{
					Source:  SourceConversation,
					Content: truncate(m.Content, 300),
				})
			}
		}()
	}

	wg.Wait()

	seen := make(map[uint64]struct{})
	var merged []RetrievedItem
	for _, items := range [][]RetrievedItem{memItems, archItems, convItems} {
		for _, item := range items {
			h := contentHash(item.Content)
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			merged = append(merged, item)
		}
	}
	return merged
}

func (r *Retriever) warn(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn(msg, "error", err)
	}
}

func contentHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(s))))
	return h.Sum64()
}

// truncate cuts s to at most max bytes on a rune boundary, so a
// multibyte character never splits into invalid UTF-8 mid-prompt.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
