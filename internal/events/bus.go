// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the orchestrator, tool executor, and
// window manager to subscribers (the websocket handler, tests). The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the turn loop.
	SourceOrchestrator = "orchestrator"
	// SourceExecutor identifies events from tool execution.
	SourceExecutor = "executor"
	// SourceWindow identifies events from the context window manager.
	SourceWindow = "window"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a user turn.
	// Data: conversation_id, input_len.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a model invocation.
	// Data: conversation_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model invocation.
	// Data: conversation_id, iter, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: conversation_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: conversation_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindCompaction signals a context compression pass.
	// Data: conversation_id, chunk_id, evicted, ratio.
	KindCompaction = "compaction"
	// KindWarning signals a continuation protocol warning.
	// Data: conversation_id, warn_level.
	KindWarning = "warning"
	// KindTurnComplete signals the end of a user turn.
	// Data: conversation_id, outcome, iterations, elapsed_ms.
	KindTurnComplete = "turn_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its event channel.
// The channel is buffered; events are dropped for subscribers that
// fall behind.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	var recv <-chan Event = ch
	b.recvToSend[recv] = ch
	b.mu.Unlock()
	return recv
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(recv <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.recvToSend[recv]
	if !ok {
		return
	}
	delete(b.recvToSend, recv)
	delete(b.subs, ch)
	close(ch)
}

// Publish broadcasts an event to all subscribers without blocking.
// Safe to call on a nil bus.
func (b *Bus) Publish(source, kind string, data map[string]any) {
	if b == nil {
		return
	}

	ev := Event{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full — drop rather than block.
		}
	}
}
