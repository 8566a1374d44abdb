package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fenwick-labs/keel/internal/archive"
	"github.com/fenwick-labs/keel/internal/memory"
	"github.com/fenwick-labs/keel/internal/todo"
)

// Builtins holds the stores the built-in tools operate on.
type Builtins struct {
	Todos   *todo.Machine
	Archive *archive.Store
	Memory  *memory.Store
}

type todoWriteArgs struct {
	Action      string `json:"action" jsonschema:"enum=add,enum=start,enum=complete,description=add a new task / start an existing one / mark one complete"`
	Description string `json:"description,omitempty" jsonschema:"description=Task description (required for add)"`
	ItemID      string `json:"item_id,omitempty" jsonschema:"description=Target item ID (required for start and complete)"`
}

type todoReadArgs struct{}

type archiveSearchArgs struct {
	Query string `json:"query" jsonschema:"description=Topic or keywords to search archived context for"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum chunks to return (default 3)"`
}

type memorySaveArgs struct {
	// No commas inside the description: the jsonschema struct tag
	// parser treats them as option separators and truncates the text.
	Content    string   `json:"content" jsonschema:"description=The fact to remember; phrase it so it stands alone without surrounding context"`
	Importance float64  `json:"importance,omitempty" jsonschema:"description=0-1 weight for retrieval ranking (default 0.5)"`
	Tags       []string `json:"tags,omitempty" jsonschema:"description=Optional labels for the memory"`
}

type memorySearchArgs struct {
	Query string `json:"query" jsonschema:"description=What to recall"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum memories to return (default 5)"`
}

// RegisterBuiltins installs the built-in tools on a registry. Stores
// left nil have their tools skipped.
func RegisterBuiltins(r *Registry, b Builtins) {
	if b.Todos != nil {
		r.Register(&Tool{
			Name: "todo_write",
			Description: "Manage the task list for the current work. Add tasks when planning, " +
				"start a task before working on it, and complete it when done. " +
				"Only one task may be in progress at a time.",
			Parameters:    SchemaFor(&todoWriteArgs{}),
			SecurityLevel: LevelStandard,
			// Todo mutations serialize per conversation scope via the
			// machine's own locks; the shared key keeps batched calls
			// ordered as the model issued them.
			Resource: func(args map[string]any) string { return "todos" },
			Handler:  b.handleTodoWrite,
		})
		r.Register(&Tool{
			Name:          "todo_read",
			Description:   "Read the current task list with statuses and item IDs.",
			Parameters:    SchemaFor(&todoReadArgs{}),
			SecurityLevel: LevelReadOnly,
			Handler:       b.handleTodoRead,
		})
	}

	if b.Archive != nil {
		r.Register(&Tool{
			Name: "archive_search",
			Description: "Search context that was evicted from the live window earlier in this " +
				"conversation. Use when the user refers to something discussed before that " +
				"is no longer visible.",
			Parameters:    SchemaFor(&archiveSearchArgs{}),
			SecurityLevel: LevelReadOnly,
			Handler:       b.handleArchiveSearch,
		})
	}

	if b.Memory != nil {
		r.Register(&Tool{
			Name: "memory_save",
			Description: "Save a durable fact to long-term memory: user preferences, decisions, " +
				"constraints. Saved memories survive context eviction and are retrieved " +
				"automatically on later turns.",
			Parameters:    SchemaFor(&memorySaveArgs{}),
			SecurityLevel: LevelStandard,
			Handler:       b.handleMemorySave,
		})
		r.Register(&Tool{
			Name:          "memory_search",
			Description:   "Search long-term memory explicitly.",
			Parameters:    SchemaFor(&memorySearchArgs{}),
			SecurityLevel: LevelReadOnly,
			Handler:       b.handleMemorySearch,
		})
	}
}

func (b Builtins) handleTodoWrite(ctx context.Context, args map[string]any) (string, error) {
	scope := ConversationIDFromContext(ctx)
	action, _ := args["action"].(string)

	switch action {
	case "add":
		desc, _ := args["description"].(string)
		if strings.TrimSpace(desc) == "" {
			return "", fmt.Errorf("description is required for add")
		}
		item, err := b.Todos.Add(scope, desc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Added task %q (id: %s)", desc, item.ID), nil

	case "start":
		itemID, _ := args["item_id"].(string)
		if itemID == "" {
			return "", fmt.Errorf("item_id is required for start")
		}
		if err := b.Todos.SetStatus(itemID, todo.StatusInProgress); err != nil {
			return "", err
		}
		return fmt.Sprintf("Task %s is now in progress", itemID), nil

	case "complete":
		itemID, _ := args["item_id"].(string)
		if itemID == "" {
			return "", fmt.Errorf("item_id is required for complete")
		}
		if err := b.Todos.SetStatus(itemID, todo.StatusCompleted); err != nil {
			return "", err
		}
		return fmt.Sprintf("Task %s completed", itemID), nil

	default:
		return "", fmt.Errorf("unknown action %q (want add, start, or complete)", action)
	}
}

func (b Builtins) handleTodoRead(ctx context.Context, args map[string]any) (string, error) {
	scope := ConversationIDFromContext(ctx)
	items, err := b.Todos.List(scope)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No tasks tracked.", nil
	}
	return todo.Snapshot(items), nil
}

func (b Builtins) handleArchiveSearch(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := 3
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	scope := ConversationIDFromContext(ctx)
	chunks, err := b.Archive.Search(query, scope, limit)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return fmt.Sprintf("No archived context matched %q.", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d archived chunk(s):\n", len(chunks))
	for _, c := range chunks {
		body := c.Summary
		if body == "" {
			body = excerpt(c.Content, 400)
		}
		fmt.Fprintf(&sb, "--- chunk %s (messages %d-%d, topics: %s)\n%s\n",
			c.ID, c.FromSeq, c.ToSeq, strings.Join(c.TopicTags, ", "), body)
	}
	return sb.String(), nil
}

func (b Builtins) handleMemorySave(ctx context.Context, args map[string]any) (string, error) {
	content, _ := args["content"].(string)
	importance, _ := args["importance"].(float64)

	var tags []string
	if raw, ok := args["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	rec, err := b.Memory.Save(ctx, content, importance, tags)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Remembered (id: %s)", rec.ID), nil
}

func (b Builtins) handleMemorySearch(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := 5
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	hits, err := b.Memory.Retrieve(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No memories matched %q.", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recalled %d memor%s:\n", len(hits), plural(len(hits), "y", "ies"))
	for _, h := range hits {
		fmt.Fprintf(&sb, "- %s\n", h.Content)
	}
	return sb.String(), nil
}

// excerpt cuts s to at most max bytes on a rune boundary, so the cut
// never produces invalid UTF-8 in tool output.
func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
