package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fenwick-labs/keel/internal/events"
	"github.com/fenwick-labs/keel/internal/llm"
	"github.com/fenwick-labs/keel/internal/metrics"
)

// Result kinds classify failures so the orchestrator can distinguish
// contract violations from transient errors.
const (
	KindInvalidArguments = "invalid_arguments"
	KindUnavailable      = "unavailable"
	KindTimeout          = "timeout"
	KindCancelled        = "cancelled"
	KindError            = "error"
)

// Result is the outcome of exactly one tool call. Every dispatched
// call produces exactly one Result: success, failure, or timeout.
type Result struct {
	CallID   string        `json:"call_id"`
	Tool     string        `json:"tool"`
	OK       bool          `json:"ok"`
	Content  string        `json:"content,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Payload renders the result as the tool-role message content fed back
// to the model.
func (r Result) Payload() string {
	if r.OK {
		return r.Content
	}
	return fmt.Sprintf("Error (%s): %s", r.Kind, r.Error)
}

// ExecutorConfig controls execution behavior.
type ExecutorConfig struct {
	// Timeout bounds each individual tool call.
	Timeout time.Duration
	// CancelGrace is how long a handler gets to return after its
	// context is canceled before the executor stops waiting.
	CancelGrace time.Duration
	// Serial disables concurrent execution entirely; calls run in
	// declaration order. Escape hatch for misbehaving tool sets.
	Serial bool
}

// Executor validates and runs tool calls against a registry.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	bus      *events.Bus
}

// NewExecutor creates an executor. logger, m, and bus may be nil.
func NewExecutor(registry *Registry, cfg ExecutorConfig, logger *slog.Logger, m *metrics.Metrics, bus *events.Bus) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Executor{
		registry: registry,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		bus:      bus,
	}
}

// Execute runs a single tool call and always returns a Result, even on
// failure. Validation failures never reach the handler.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) Result {
	name := call.Function.Name
	res := Result{CallID: call.ID, Tool: name}

	e.bus.Publish(events.SourceExecutor, events.KindToolCall, map[string]any{
		"conversation_id": ConversationIDFromContext(ctx),
		"tool":            name,
		"call_id":         call.ID,
	})

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		e.metrics.ObserveTool(name, res.Duration, res.Kind)
		e.bus.Publish(events.SourceExecutor, events.KindToolDone, map[string]any{
			"conversation_id": ConversationIDFromContext(ctx),
			"tool":            name,
			"call_id":         call.ID,
			"ok":              res.OK,
			"duration_ms":     res.Duration.Milliseconds(),
		})
	}()

	tool := e.registry.Get(name)
	if tool == nil {
		err := &ErrToolUnavailable{ToolName: name}
		res.Kind = KindUnavailable
		res.Error = err.Error()
		return res
	}

	if err := validateArgs(tool, call.Function.Arguments); err != nil {
		res.Kind = KindInvalidArguments
		res.Error = err.Error()
		if e.logger != nil {
			e.logger.Warn("tool call rejected", "tool", name, "error", err)
		}
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		content, err := tool.Handler(callCtx, call.Function.Arguments)
		done <- outcome{content, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			res.Kind = KindError
			res.Error = out.err.Error()
			return res
		}
		res.OK = true
		res.Content = out.content
		return res

	case <-callCtx.Done():
		// Give the handler a grace period to notice cancellation and
		// return; a late result within the grace is still honored.
		select {
		case out := <-done:
			if out.err != nil {
				res.Kind = KindError
				res.Error = out.err.Error()
				return res
			}
			res.OK = true
			res.Content = out.content
			return res
		case <-time.After(e.config.CancelGrace):
			// Distinguish an upstream cancellation from the per-call
			// deadline so the orchestrator can report turn aborts
			// accurately. Both yield exactly one Result.
			if ctx.Err() == context.Canceled {
				res.Kind = KindCancelled
				res.Error = fmt.Sprintf("tool %s abandoned after cancellation", name)
			} else {
				res.Kind = KindTimeout
				res.Error = fmt.Sprintf("tool %s did not complete within %s", name, e.config.Timeout)
			}
			if e.logger != nil {
				e.logger.Warn("tool call timed out", "tool", name, "call_id", call.ID,
					"timeout", e.config.Timeout)
			}
			return res
		}
	}
}

// ExecuteAll runs a batch of tool calls, concurrently by default.
// Calls that resolve to the same resource key run sequentially in
// declaration order; results come back in call order, one per call.
func (e *Executor) ExecuteAll(ctx context.Context, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))

	if e.config.Serial || len(calls) <= 1 {
		for i, call := range calls {
			results[i] = e.Execute(ctx, call)
		}
		return results
	}

	// Group call indices by resource key. Calls with no key get a
	// unique group each and run fully concurrently.
	groups := make(map[string][]int)
	for i, call := range calls {
		key := fmt.Sprintf("#%d", i)
		if tool := e.registry.Get(call.Function.Name); tool != nil && tool.Resource != nil {
			if rk := tool.Resource(call.Function.Arguments); rk != "" {
				key = "r\x00" + rk
			}
		}
		groups[key] = append(groups[key], i)
	}

	var wg sync.WaitGroup
	for _, indices := range groups {
		wg.Add(1)
		go func(indices []int) {
			defer wg.Done()
			for _, i := range indices {
				results[i] = e.Execute(ctx, calls[i])
			}
		}(indices)
	}
	wg.Wait()

	return results
}
