// Package agent implements the turn loop: the orchestrator drives the
// model against the tool registry until the continuation protocol or an
// iteration bound ends the turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fenwick-labs/keel/internal/contextwin"
	"github.com/fenwick-labs/keel/internal/conversation"
	"github.com/fenwick-labs/keel/internal/events"
	"github.com/fenwick-labs/keel/internal/llm"
	"github.com/fenwick-labs/keel/internal/metrics"
	"github.com/fenwick-labs/keel/internal/protocol"
	"github.com/fenwick-labs/keel/internal/todo"
	"github.com/fenwick-labs/keel/internal/tools"
)

// TurnState is the terminal state of a completed turn.
type TurnState string

const (
	// StateAwaitingUser means the turn ended cleanly and control is
	// back with the user.
	StateAwaitingUser TurnState = "awaiting_user"
	// StateFailedFatal means the turn was terminated by the loop: a
	// protocol force-stop, the iteration cap, or repeated model
	// timeouts. Partial output is attached.
	StateFailedFatal TurnState = "failed_fatal"
)

// Turn failure reasons.
const (
	ReasonMaxIterations     = "max-iterations-exceeded"
	ReasonProtocolViolation = "continuation-protocol-violation"
	ReasonModelTimeout      = "model-timeout"
)

// TurnOutcome is the result of one user turn.
type TurnOutcome struct {
	State      TurnState `json:"state"`
	FinalText  string    `json:"final_text"`
	Reason     string    `json:"reason,omitempty"`
	Iterations int       `json:"iterations"`
	// PartialResults holds per-iteration assistant text for failed
	// turns, so forced stops never discard completed work.
	PartialResults []string `json:"partial_results,omitempty"`
}

// Options wires an orchestrator's collaborators.
type Options struct {
	Client        llm.Client
	Model         string
	ModelTimeout  time.Duration
	Conversations *conversation.Store
	Todos         *todo.Machine
	Window        *contextwin.Manager
	Tracker       *protocol.Tracker
	Registry      *tools.Registry
	Executor      *tools.Executor
	Retriever     *Retriever
	MaxIterations int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Bus           *events.Bus
}

// Orchestrator drives the per-turn iteration loop. One turn runs at a
// time per conversation; different conversations proceed concurrently.
type Orchestrator struct {
	opts Options

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 12
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 120 * time.Second
	}
	return &Orchestrator{
		opts:      opts,
		convLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) convLock(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		o.convLocks[conversationID] = l
	}
	return l
}

const systemPrompt = `You are Keel, a task-focused assistant that works in steps.

Rules:
- Break non-trivial requests into tasks with todo_write before working.
- Start a task before working on it, complete it when done. Only one
  task may be in progress at a time.
- Use memory_save for facts worth keeping beyond this conversation.
- Use archive_search when the user refers to earlier context you can
  no longer see.
- End EVERY reply that is not a tool call with a status line as the
  final line: {"status": "continue"} if you intend to keep working,
  {"status": "complete"} only when all tasks are done.`

// RunTurn processes one user input to a terminal outcome. Concurrent
// calls for the same conversation serialize; the second caller blocks
// until the first turn finishes.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, userInput string) (*TurnOutcome, error) {
	lock := o.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	conv := o.opts.Conversations

	if err := conv.GetOrCreateConversation(conversationID); err != nil {
		return nil, err
	}
	// A fresh user turn starts with a clean violation ladder.
	o.opts.Tracker.Reset(conversationID)

	if _, err := conv.AppendMessage(conversationID, "user", userInput); err != nil {
		return nil, err
	}

	o.opts.Bus.Publish(events.SourceOrchestrator, events.KindTurnStart, map[string]any{
		"conversation_id": conversationID,
		"input_len":       len(userInput),
	})

	toolCtx := tools.WithConversationID(ctx, conversationID)
	outcome := &TurnOutcome{}
	reminder := ""

	for iter := 1; iter <= o.opts.MaxIterations; iter++ {
		outcome.Iterations = iter
		o.opts.Metrics.ObserveIteration()

		window, err := o.opts.Window.WindowFor(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("window: %w", err)
		}

		pending, err := conv.PendingToolCalls(conversationID)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			// Every dispatched call records a result before the loop
			// re-invokes the model; a pending call here is a bug.
			return nil, fmt.Errorf("invariant violation: %d tool call(s) pending before model invocation", pending)
		}

		retrieved := o.opts.Retriever.Retrieve(ctx, conversationID, userInput)
		msgs := o.assembleMessages(conversationID, window, retrieved, reminder)
		reminder = ""

		resp, err := o.chatWithRetry(ctx, iter, conversationID, msgs)
		if err != nil {
			if isTimeout(err) {
				outcome.State = StateFailedFatal
				outcome.Reason = ReasonModelTimeout
				outcome.FinalText = strings.Join(outcome.PartialResults, "\n")
				o.finishTurn(conversationID, outcome, start)
				return outcome, nil
			}
			return nil, fmt.Errorf("model invocation: %w", err)
		}

		assistant := resp.Message
		if assistant.Content != "" {
			outcome.PartialResults = append(outcome.PartialResults, assistant.Content)
		}

		if len(assistant.ToolCalls) > 0 {
			if err := o.runToolPhase(toolCtx, conversationID, assistant); err != nil {
				return nil, err
			}
			continue
		}

		// Text-only response: persist it, then let the tracker judge
		// the continuation signal.
		sig, rest, found := protocol.ParseSignal(assistant.Content)
		if _, err := conv.AppendMessage(conversationID, "assistant", assistant.Content); err != nil {
			return nil, err
		}

		outstanding, err := o.opts.Todos.Outstanding(conversationID)
		if err != nil {
			return nil, err
		}

		decision := o.opts.Tracker.Observe(conversationID, protocol.Observation{
			SignalFound:      found,
			Status:           sig.Status,
			OutstandingTodos: outstanding,
			PendingToolCalls: pending,
		})

		switch decision.Action {
		case protocol.ActionAwaitUser:
			outcome.State = StateAwaitingUser
			outcome.FinalText = rest
			o.opts.Metrics.ObserveTurn(string(StateAwaitingUser))
			o.finishTurn(conversationID, outcome, start)
			return outcome, nil

		case protocol.ActionContinue:
			continue

		case protocol.ActionRemind:
			reminder = decision.Reminder
			o.opts.Metrics.ObserveWarning()
			o.opts.Bus.Publish(events.SourceOrchestrator, events.KindWarning, map[string]any{
				"conversation_id": conversationID,
				"warn_level":      decision.WarnLevel,
			})
			if o.opts.Logger != nil {
				o.opts.Logger.Warn("continuation protocol violation",
					"conversation", conversationID,
					"warn_level", decision.WarnLevel,
					"outstanding_todos", outstanding)
			}
			continue

		case protocol.ActionForceStop:
			outcome.State = StateFailedFatal
			outcome.Reason = ReasonProtocolViolation
			outcome.FinalText = rest
			o.opts.Metrics.ObserveForcedStop()
			o.finishTurn(conversationID, outcome, start)
			return outcome, nil
		}
	}

	outcome.State = StateFailedFatal
	outcome.Reason = ReasonMaxIterations
	outcome.FinalText = strings.Join(outcome.PartialResults, "\n")
	o.finishTurn(conversationID, outcome, start)
	return outcome, nil
}

// runToolPhase persists the assistant's tool-call message, executes the
// calls, and folds each result back as a tool-role message. Exactly one
// result row per call, success or failure.
func (o *Orchestrator) runToolPhase(ctx context.Context, conversationID string, assistant llm.Message) error {
	conv := o.opts.Conversations

	if _, err := conv.AppendMessage(conversationID, "assistant", assistant.Content,
		conversation.WithToolCalls(assistant.ToolCalls)); err != nil {
		return err
	}

	for _, call := range assistant.ToolCalls {
		argsJSON, _ := json.Marshal(call.Function.Arguments)
		if err := conv.RecordToolCall(conversationID, call.ID, call.Function.Name, string(argsJSON)); err != nil {
			return err
		}
	}

	results := o.opts.Executor.ExecuteAll(ctx, assistant.ToolCalls)

	for _, res := range results {
		if err := conv.CompleteToolCall(res.CallID, res.OK, res.Content, res.Error, res.Duration); err != nil {
			return err
		}
		if _, err := conv.AppendMessage(conversationID, "tool", res.Payload(),
			conversation.WithToolCallID(res.CallID)); err != nil {
			return err
		}
	}
	return nil
}

// assembleMessages builds the prompt: system message (base prompt, todo
// snapshot, retrieved context, protocol reminder) followed by the live
// window.
func (o *Orchestrator) assembleMessages(conversationID string, window *contextwin.Window, retrieved []RetrievedItem, reminder string) []llm.Message {
	parts := []string{systemPrompt}

	if items, err := o.opts.Todos.List(conversationID); err == nil {
		if snap := todo.Snapshot(items); snap != "" {
			parts = append(parts, snap)
		}
	}

	if len(retrieved) > 0 {
		var sb strings.Builder
		sb.WriteString("## Retrieved context\n")
		for _, item := range retrieved {
			fmt.Fprintf(&sb, "- [%s] %s\n", item.Source, item.Content)
		}
		parts = append(parts, sb.String())
	}

	if reminder != "" {
		parts = append(parts, "## IMPORTANT\n"+reminder)
	}

	msgs := []llm.Message{{Role: "system", Content: strings.Join(parts, "\n\n")}}
	for _, m := range window.Messages {
		msgs = append(msgs, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return msgs
}

// chatWithRetry invokes the model with the configured timeout. A timed
// out invocation is re-issued once before the failure propagates.
func (o *Orchestrator) chatWithRetry(ctx context.Context, iter int, conversationID string, msgs []llm.Message) (*llm.ChatResponse, error) {
	toolDecls := o.opts.Registry.List()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		o.opts.Bus.Publish(events.SourceOrchestrator, events.KindLLMCall, map[string]any{
			"conversation_id": conversationID,
			"iter":            iter,
			"model":           o.opts.Model,
		})

		callCtx, cancel := context.WithTimeout(ctx, o.opts.ModelTimeout)
		start := time.Now()
		resp, err := o.opts.Client.Chat(callCtx, o.opts.Model, msgs, toolDecls)
		cancel()
		o.opts.Metrics.ObserveModel(time.Since(start))

		if err == nil {
			o.opts.Bus.Publish(events.SourceOrchestrator, events.KindLLMResponse, map[string]any{
				"conversation_id": conversationID,
				"iter":            iter,
				"tokens_in":       resp.InputTokens,
				"tokens_out":      resp.OutputTokens,
				"tool_calls":      len(resp.Message.ToolCalls),
			})
			return resp, nil
		}

		lastErr = err
		if !isTimeout(err) || ctx.Err() != nil {
			return nil, err
		}
		if o.opts.Logger != nil {
			o.opts.Logger.Warn("model invocation timed out, re-issuing once",
				"conversation", conversationID, "iter", iter)
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) finishTurn(conversationID string, outcome *TurnOutcome, start time.Time) {
	if outcome.State == StateFailedFatal {
		o.opts.Metrics.ObserveTurn(outcome.Reason)
		if o.opts.Logger != nil {
			o.opts.Logger.Error("turn failed",
				"conversation", conversationID,
				"reason", outcome.Reason,
				"iterations", outcome.Iterations)
		}
	}
	o.opts.Bus.Publish(events.SourceOrchestrator, events.KindTurnComplete, map[string]any{
		"conversation_id": conversationID,
		"outcome":         string(outcome.State),
		"reason":          outcome.Reason,
		"iterations":      outcome.Iterations,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	})
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
