// Package protocol enforces the per-turn continuation signaling contract.
//
// Every multi-step assistant turn must end with an explicit status
// signal — a trailing JSON line of the form {"status": "continue"} or
// {"status": "complete"}. Models occasionally omit the signal or claim
// completion with work outstanding; trusting the signal blindly risks
// silent task abandonment, while ignoring it risks infinite loops. The
// tracker walks a graduated ladder (Compliant → Warned(n) → ForcedStop)
// that bounds both failure modes.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Status is the model's declared intent for the turn.
type Status string

const (
	// StatusContinue means the model intends to keep working.
	StatusContinue Status = "continue"
	// StatusComplete means the model considers the task finished.
	StatusComplete Status = "complete"
)

// Signal is the parsed per-turn status marker. Transient — observed by
// the tracker, never persisted.
type Signal struct {
	Status Status `json:"status"`
}

// ParseSignal extracts a trailing status signal from assistant text.
// It scans backward past blank lines and code fences for a final line
// that parses as {"status": ...}. Returns the signal, the text with the
// signal line removed, and whether a well-formed signal was found.
func ParseSignal(text string) (Signal, string, bool) {
	lines := strings.Split(text, "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line == "```" || line == "```json" {
			continue
		}

		var sig Signal
		if err := json.Unmarshal([]byte(line), &sig); err != nil {
			return Signal{}, text, false
		}
		if sig.Status != StatusContinue && sig.Status != StatusComplete {
			return Signal{}, text, false
		}

		rest := strings.Join(lines[:i], "\n")
		return sig, strings.TrimRight(rest, "\n` \t"), true
	}

	return Signal{}, text, false
}

// Action is what the orchestrator should do after a turn.
type Action int

const (
	// ActionAwaitUser ends the loop and returns control to the user.
	ActionAwaitUser Action = iota
	// ActionContinue loops for another iteration without intervention.
	ActionContinue
	// ActionRemind loops with an escalating reminder injected into the
	// next prompt.
	ActionRemind
	// ActionForceStop terminates the loop as a protocol violation.
	ActionForceStop
)

// String implements fmt.Stringer for log output.
func (a Action) String() string {
	switch a {
	case ActionAwaitUser:
		return "await_user"
	case ActionContinue:
		return "continue"
	case ActionRemind:
		return "remind"
	case ActionForceStop:
		return "force_stop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Observation is what the tracker sees at the end of one turn.
type Observation struct {
	// SignalFound reports whether a well-formed signal was parsed.
	SignalFound bool
	// Status is the parsed status when SignalFound is true.
	Status Status
	// OutstandingTodos is the count of todo items not yet completed.
	OutstandingTodos int
	// PendingToolCalls is the count of tool calls awaiting results.
	PendingToolCalls int
}

// Decision is the tracker's verdict for a turn.
type Decision struct {
	Action Action
	// WarnLevel is the consecutive violation count after this turn.
	WarnLevel int
	// Reminder is the prompt fragment to inject when Action is
	// ActionRemind. Empty otherwise.
	Reminder string
}

// Tracker holds per-conversation continuation state. Safe for
// concurrent use; state is keyed by conversation ID.
type Tracker struct {
	mu            sync.Mutex
	warnCounts    map[string]int
	maxViolations int
}

// NewTracker creates a tracker that forces a stop after maxViolations
// consecutive non-compliant turns (0 means the default of 3).
func NewTracker(maxViolations int) *Tracker {
	if maxViolations <= 0 {
		maxViolations = 3
	}
	return &Tracker{
		warnCounts:    make(map[string]int),
		maxViolations: maxViolations,
	}
}

// Observe records one turn's signal state for a conversation and
// returns the enforcement decision.
//
// Compliance rules:
//   - complete with no outstanding todos → AwaitUser, counter reset
//   - continue → loop (outstanding work is what the next iteration is for)
//   - no signal, or complete with outstanding todos → violation
func (t *Tracker) Observe(conversationID string, obs Observation) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case obs.SignalFound && obs.Status == StatusComplete && obs.OutstandingTodos == 0:
		t.warnCounts[conversationID] = 0
		return Decision{Action: ActionAwaitUser}

	case obs.SignalFound && obs.Status == StatusContinue:
		t.warnCounts[conversationID] = 0
		return Decision{Action: ActionContinue}
	}

	// Violation: missing signal, or premature completion claim.
	n := t.warnCounts[conversationID] + 1
	t.warnCounts[conversationID] = n

	if n >= t.maxViolations {
		t.warnCounts[conversationID] = 0
		return Decision{Action: ActionForceStop, WarnLevel: n}
	}

	return Decision{
		Action:    ActionRemind,
		WarnLevel: n,
		Reminder:  ReminderFragment(obs, n),
	}
}

// WarnLevel returns the current consecutive violation count for a
// conversation. Read-only; used for observability.
func (t *Tracker) WarnLevel(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warnCounts[conversationID]
}

// Reset clears continuation state for a conversation, e.g. when a new
// user turn begins.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.warnCounts, conversationID)
}

// ReminderFragment renders the escalating prompt fragment for a
// violation. Pure function of the observation and warn level so it can
// be tested in isolation; the tracker is the single enforcement
// authority and this text is only its projection.
func ReminderFragment(obs Observation, warnLevel int) string {
	var sb strings.Builder

	if warnLevel <= 1 {
		sb.WriteString("Reminder: end every working turn with a status line, ")
		sb.WriteString(`either {"status": "continue"} or {"status": "complete"}. `)
		sb.WriteString("Your previous turn did not carry a valid one.")
		return sb.String()
	}

	sb.WriteString("Your previous turns violated the signaling contract. ")
	if obs.OutstandingTodos > 0 {
		fmt.Fprintf(&sb, "%d todo item(s) remain incomplete. ", obs.OutstandingTodos)
	}
	if obs.PendingToolCalls > 0 {
		fmt.Fprintf(&sb, "%d tool call(s) are still pending. ", obs.PendingToolCalls)
	}
	sb.WriteString("Either finish the outstanding work now, or explicitly emit ")
	sb.WriteString(`{"status": "continue"} as the last line of your reply. `)
	fmt.Fprintf(&sb, "This is warning %d; the turn will be force-stopped after repeated violations.", warnLevel)
	return sb.String()
}
