package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fenwick-labs/keel/internal/archive"
	"github.com/fenwick-labs/keel/internal/contextwin"
	"github.com/fenwick-labs/keel/internal/conversation"
	"github.com/fenwick-labs/keel/internal/embeddings"
	"github.com/fenwick-labs/keel/internal/llm"
	"github.com/fenwick-labs/keel/internal/memory"
	"github.com/fenwick-labs/keel/internal/protocol"
	"github.com/fenwick-labs/keel/internal/todo"
	"github.com/fenwick-labs/keel/internal/tools"
)

// step produces one scripted model response given the assembled prompt.
type step func(msgs []llm.Message) (*llm.ChatResponse, error)

// fakeClient replays scripted responses and captures every prompt.
type fakeClient struct {
	steps    []step
	calls    int
	captured [][]llm.Message
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, toolDecls []map[string]any) (*llm.ChatResponse, error) {
	f.captured = append(f.captured, messages)
	if f.calls >= len(f.steps) {
		return nil, fmt.Errorf("unscripted model call %d", f.calls+1)
	}
	s := f.steps[f.calls]
	f.calls++
	return s(messages)
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func textResponse(content string) step {
	return func(msgs []llm.Message) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}, Done: true}, nil
	}
}

func toolResponse(calls ...llm.ToolCall) step {
	return func(msgs []llm.Message) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: calls}, Done: true}, nil
	}
}

const completeLine = "\n" + `{"status": "complete"}`
const continueLine = "\n" + `{"status": "continue"}`

type fixture struct {
	orch   *Orchestrator
	conv   *conversation.Store
	todos  *todo.Machine
	client *fakeClient
}

func newFixture(t *testing.T, client *fakeClient, mutate func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()

	conv, err := conversation.NewStore(filepath.Join(dir, "conv.db"))
	if err != nil {
		t.Fatalf("conversation store: %v", err)
	}
	t.Cleanup(func() { conv.Close() })

	todos, err := todo.NewMachine(filepath.Join(dir, "todo.db"))
	if err != nil {
		t.Fatalf("todo machine: %v", err)
	}
	t.Cleanup(func() { todos.Close() })

	arch, err := archive.NewStore(filepath.Join(dir, "archive.db"), nil)
	if err != nil {
		t.Fatalf("archive store: %v", err)
	}
	t.Cleanup(func() { arch.Close() })

	mem, err := memory.NewStore(filepath.Join(dir, "memory.db"), embeddings.HashEmbedder{})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	window := contextwin.NewManager(conv, arch, nil,
		contextwin.Config{MaxTokens: 100000, TriggerRatio: 0.7, KeepRecent: 10}, nil, nil, nil)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, tools.Builtins{Todos: todos, Archive: arch, Memory: mem})
	executor := tools.NewExecutor(registry, tools.ExecutorConfig{
		Timeout:     time.Second,
		CancelGrace: 100 * time.Millisecond,
	}, nil, nil, nil)

	opts := Options{
		Client:        client,
		Model:         "test-model",
		ModelTimeout:  2 * time.Second,
		Conversations: conv,
		Todos:         todos,
		Window:        window,
		Tracker:       protocol.NewTracker(3),
		Registry:      registry,
		Executor:      executor,
		Retriever:     NewRetriever(mem, arch, conv, 5, 3, nil),
		MaxIterations: 12,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &fixture{orch: New(opts), conv: conv, todos: todos, client: client}
}

func TestRunTurn_SimpleComplete(t *testing.T) {
	client := &fakeClient{steps: []step{
		textResponse("Paris is the capital of France." + completeLine),
	}}
	f := newFixture(t, client, nil)

	out, err := f.orch.RunTurn(context.Background(), "c1", "capital of France?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateAwaitingUser {
		t.Errorf("state = %s, want awaiting_user", out.State)
	}
	if out.FinalText != "Paris is the capital of France." {
		t.Errorf("final text = %q (signal line should be stripped)", out.FinalText)
	}
	if out.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", out.Iterations)
	}

	msgs, _ := f.conv.ActiveMessages("c1")
	if len(msgs) != 2 {
		t.Fatalf("persisted messages = %d, want user + assistant", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestRunTurn_ToolPhaseThenComplete(t *testing.T) {
	client := &fakeClient{steps: []step{
		toolResponse(llm.NewToolCall("call_1", "memory_save",
			map[string]any{"content": "user deploys on tuesdays"})),
		textResponse("Noted." + completeLine),
	}}
	f := newFixture(t, client, nil)

	out, err := f.orch.RunTurn(context.Background(), "c1", "remember that I deploy on tuesdays")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateAwaitingUser {
		t.Fatalf("state = %s, want awaiting_user", out.State)
	}
	if out.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", out.Iterations)
	}

	// The tool result is folded in as a tool-role message tied to the call.
	msgs, _ := f.conv.ActiveMessages("c1")
	var toolMsg *conversation.Message
	for i := range msgs {
		if msgs[i].Role == "tool" {
			toolMsg = &msgs[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool-role message persisted")
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", toolMsg.ToolCallID)
	}

	pending, _ := f.conv.PendingToolCalls("c1")
	if pending != 0 {
		t.Errorf("pending tool calls = %d, want 0", pending)
	}
}

// The planned-work scenario: the model lays out two tasks, works them
// one at a time across iterations, and only then claims completion.
func TestRunTurn_TwoTodoScenario(t *testing.T) {
	idPattern := regexp.MustCompile(`\(id: ([0-9a-f-]+)\)`)

	// Pull item IDs out of the todo snapshot injected into the system
	// message, the same way a model would read them.
	idsFromPrompt := func(msgs []llm.Message) []string {
		var ids []string
		for _, m := range idPattern.FindAllStringSubmatch(msgs[0].Content, -1) {
			ids = append(ids, m[1])
		}
		return ids
	}

	client := &fakeClient{}
	client.steps = []step{
		toolResponse(
			llm.NewToolCall("call_1", "todo_write", map[string]any{"action": "add", "description": "write the report"}),
			llm.NewToolCall("call_2", "todo_write", map[string]any{"action": "add", "description": "email the report"}),
		),
		func(msgs []llm.Message) (*llm.ChatResponse, error) {
			ids := idsFromPrompt(msgs)
			if len(ids) != 2 {
				return nil, fmt.Errorf("snapshot should list 2 tasks, got %d", len(ids))
			}
			return toolResponse(
				llm.NewToolCall("call_3", "todo_write", map[string]any{"action": "start", "item_id": ids[0]}),
			)(msgs)
		},
		func(msgs []llm.Message) (*llm.ChatResponse, error) {
			ids := idsFromPrompt(msgs)
			return toolResponse(
				llm.NewToolCall("call_4", "todo_write", map[string]any{"action": "complete", "item_id": ids[0]}),
				llm.NewToolCall("call_5", "todo_write", map[string]any{"action": "start", "item_id": ids[1]}),
			)(msgs)
		},
		func(msgs []llm.Message) (*llm.ChatResponse, error) {
			ids := idsFromPrompt(msgs)
			return toolResponse(
				llm.NewToolCall("call_6", "todo_write", map[string]any{"action": "complete", "item_id": ids[1]}),
			)(msgs)
		},
		textResponse("Report written and sent." + completeLine),
	}
	f := newFixture(t, client, nil)

	out, err := f.orch.RunTurn(context.Background(), "c1", "write the report and email it")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateAwaitingUser {
		t.Fatalf("state = %s, want awaiting_user (outcome: %+v)", out.State, out)
	}

	// No tool call failed along the way.
	msgs, _ := f.conv.ActiveMessages("c1")
	for _, m := range msgs {
		if m.Role == "tool" && strings.HasPrefix(m.Content, "Error") {
			t.Errorf("tool failure folded into conversation: %q", m.Content)
		}
	}

	outstanding, _ := f.todos.Outstanding("c1")
	if outstanding != 0 {
		t.Errorf("outstanding todos = %d, want 0", outstanding)
	}
}

func TestRunTurn_PrematureCompleteForceStops(t *testing.T) {
	claim := textResponse("All done!" + completeLine)
	client := &fakeClient{steps: []step{
		toolResponse(llm.NewToolCall("call_1", "todo_write",
			map[string]any{"action": "add", "description": "unfinished work"})),
		claim, claim, claim,
	}}
	f := newFixture(t, client, nil)

	out, err := f.orch.RunTurn(context.Background(), "c1", "do the work")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateFailedFatal {
		t.Fatalf("state = %s, want failed_fatal", out.State)
	}
	if out.Reason != ReasonProtocolViolation {
		t.Errorf("reason = %q, want %q", out.Reason, ReasonProtocolViolation)
	}
	// 1 tool iteration + 3 premature claims = 4.
	if out.Iterations != 4 {
		t.Errorf("iterations = %d, want 4", out.Iterations)
	}
	if len(out.PartialResults) == 0 {
		t.Error("forced stop must preserve partial results")
	}
}

func TestRunTurn_MissingSignalRemindedThenRecovers(t *testing.T) {
	client := &fakeClient{steps: []step{
		textResponse("Working on it but forgetting the status line."),
		textResponse("Still working." + continueLine),
		textResponse("Finished." + completeLine),
	}}
	f := newFixture(t, client, nil)

	out, err := f.orch.RunTurn(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateAwaitingUser {
		t.Fatalf("state = %s, want awaiting_user", out.State)
	}
	if out.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", out.Iterations)
	}

	// The violation injected a reminder into the next prompt.
	if len(client.captured) < 2 {
		t.Fatal("expected at least two model calls")
	}
	second := client.captured[1][0].Content
	if !strings.Contains(second, "status line") {
		t.Errorf("second prompt missing the reminder: %q", second)
	}
	// The compliant continue reset the ladder: the third prompt is clean.
	third := client.captured[2][0].Content
	if strings.Contains(third, "## IMPORTANT") {
		t.Errorf("third prompt should not carry a reminder: %q", third)
	}
}

func TestRunTurn_MaxIterationsExceeded(t *testing.T) {
	loop := textResponse("more to do" + continueLine)
	client := &fakeClient{steps: []step{loop, loop, loop, loop, loop}}
	f := newFixture(t, client, func(o *Options) {
		o.MaxIterations = 5
	})

	out, err := f.orch.RunTurn(context.Background(), "c1", "never finish")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateFailedFatal {
		t.Fatalf("state = %s, want failed_fatal", out.State)
	}
	if out.Reason != ReasonMaxIterations {
		t.Errorf("reason = %q, want %q", out.Reason, ReasonMaxIterations)
	}
	if out.Iterations != 5 {
		t.Errorf("iterations = %d, want 5", out.Iterations)
	}
	if out.FinalText == "" {
		t.Error("partial text should be attached")
	}
}

func TestRunTurn_ToolTimeoutContinuesLoop(t *testing.T) {
	client := &fakeClient{steps: []step{
		toolResponse(llm.NewToolCall("call_1", "stuck", nil)),
		textResponse("The tool timed out, reporting what I have." + completeLine),
	}}
	f := newFixture(t, client, func(o *Options) {
		o.Registry.Register(&tools.Tool{
			Name:       "stuck",
			Parameters: map[string]any{"type": "object"},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				time.Sleep(5 * time.Second)
				return "", nil
			},
		})
		o.Executor = tools.NewExecutor(o.Registry, tools.ExecutorConfig{
			Timeout:     30 * time.Millisecond,
			CancelGrace: 30 * time.Millisecond,
		}, nil, nil, nil)
	})

	out, err := f.orch.RunTurn(context.Background(), "c1", "run the stuck tool")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateAwaitingUser {
		t.Fatalf("state = %s, want awaiting_user — a tool timeout must not kill the turn", out.State)
	}

	// The timeout came back as a failed result, and nothing is pending.
	msgs, _ := f.conv.ActiveMessages("c1")
	found := false
	for _, m := range msgs {
		if m.Role == "tool" && strings.Contains(m.Content, "timeout") {
			found = true
		}
	}
	if !found {
		t.Error("timeout result not folded into the conversation")
	}
	pending, _ := f.conv.PendingToolCalls("c1")
	if pending != 0 {
		t.Errorf("pending = %d, want 0 after a timed out call", pending)
	}
}

// A user cancelling mid-tool-call must not leave the conversation with
// dangling tool calls: the abandoned call folds in as a cancelled-kind
// result before the loop proceeds.
func TestRunTurn_CancelledToolFoldsAsResult(t *testing.T) {
	client := &fakeClient{steps: []step{
		toolResponse(llm.NewToolCall("call_1", "stuck", nil)),
		textResponse("Stopping here." + completeLine),
	}}
	f := newFixture(t, client, func(o *Options) {
		o.Registry.Register(&tools.Tool{
			Name:       "stuck",
			Parameters: map[string]any{"type": "object"},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				time.Sleep(5 * time.Second) // ignores ctx entirely
				return "", nil
			},
		})
		o.Executor = tools.NewExecutor(o.Registry, tools.ExecutorConfig{
			Timeout:     time.Second,
			CancelGrace: 30 * time.Millisecond,
		}, nil, nil, nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	out, err := f.orch.RunTurn(ctx, "c1", "run the stuck tool")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateAwaitingUser {
		t.Fatalf("state = %s, want awaiting_user", out.State)
	}

	// The abandoned call came back as a cancelled result, not a timeout.
	msgs, _ := f.conv.ActiveMessages("c1")
	found := false
	for _, m := range msgs {
		if m.Role == "tool" && strings.Contains(m.Content, "cancelled") {
			found = true
		}
	}
	if !found {
		t.Error("cancelled result not folded into the conversation")
	}
	pending, _ := f.conv.PendingToolCalls("c1")
	if pending != 0 {
		t.Errorf("pending = %d, want 0 after a cancelled call", pending)
	}
}

func TestRunTurn_ModelTimeoutRetriedOnce(t *testing.T) {
	client := &fakeClient{steps: []step{
		func(msgs []llm.Message) (*llm.ChatResponse, error) {
			return nil, fmt.Errorf("chat request: %w", context.DeadlineExceeded)
		},
		textResponse("Recovered." + completeLine),
	}}
	f := newFixture(t, client, nil)

	out, err := f.orch.RunTurn(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateAwaitingUser {
		t.Fatalf("state = %s, want awaiting_user after one retry", out.State)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2", client.calls)
	}
}

func TestRunTurn_ModelTimeoutTwiceFailsFatal(t *testing.T) {
	timeout := func(msgs []llm.Message) (*llm.ChatResponse, error) {
		return nil, fmt.Errorf("chat request: %w", context.DeadlineExceeded)
	}
	client := &fakeClient{steps: []step{timeout, timeout}}
	f := newFixture(t, client, nil)

	out, err := f.orch.RunTurn(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.State != StateFailedFatal || out.Reason != ReasonModelTimeout {
		t.Errorf("outcome = %+v, want failed_fatal/model-timeout", out)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want exactly 2 (one retry)", client.calls)
	}
}

func TestRunTurn_RetrievedMemoryAppearsInPrompt(t *testing.T) {
	client := &fakeClient{steps: []step{
		textResponse("You prefer dark mode." + completeLine),
	}}

	f := newFixture(t, client, func(o *Options) {
		// Seed a memory through the same store the retriever uses.
		b := o.Registry.Get("memory_save")
		if b == nil {
			t.Fatal("memory_save not registered")
		}
		ctx := tools.WithConversationID(context.Background(), "c1")
		if _, err := b.Handler(ctx, map[string]any{
			"content": "user prefers dark mode in every interface",
		}); err != nil {
			t.Fatalf("seed memory: %v", err)
		}
	})

	if _, err := f.orch.RunTurn(context.Background(), "c1", "what are my dark mode interface preferences?"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	system := client.captured[0][0]
	if system.Role != "system" {
		t.Fatalf("first message role = %s, want system", system.Role)
	}
	if !strings.Contains(system.Content, "[memory] user prefers dark mode") {
		t.Errorf("retrieved memory missing from prompt:\n%s", system.Content)
	}
}
