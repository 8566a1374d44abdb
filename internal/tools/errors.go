// Sentinel error types for tool execution. The executor maps each to a
// result kind so the orchestrator can tell contract violations apart
// from transient failures.
package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the effective registry. This is a capability
// mismatch, not a transient failure; callers should not retry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// InvalidArgumentsError reports a tool call whose arguments fail schema
// validation. The handler never ran; the call is not retried. The
// message is written for the model so it can correct the call.
type InvalidArgumentsError struct {
	ToolName string
	Detail   string
}

// Error implements the error interface.
func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Detail)
}
