// Package tools defines the tool registry and execution framework:
// declared tools with JSON schemas, validated concurrent execution, and
// the built-in tools the orchestrator depends on.
package tools

import (
	"context"
	"sort"
)

// Security levels gate which tools a registry copy exposes.
const (
	// LevelReadOnly tools observe state without changing it.
	LevelReadOnly = "readonly"
	// LevelStandard tools mutate agent-owned state (todos, memories).
	LevelStandard = "standard"
	// LevelPrivileged tools touch resources outside the agent's stores.
	LevelPrivileged = "privileged"
)

// Handler executes a tool call. Arguments arrive already validated
// against the tool's schema. Returned errors surface to the model as a
// failed result, never as a loop abort.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Parameters    map[string]any `json:"parameters"`
	SecurityLevel string         `json:"security_level,omitempty"`

	// Resource derives a serialization key from the call arguments.
	// Calls whose keys collide execute sequentially; everything else
	// runs concurrently. Nil means the tool never contends.
	Resource func(args map[string]any) string `json:"-"`

	Handler Handler `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Later registrations with the
// same name replace earlier ones.
func (r *Registry) Register(t *Tool) {
	if t.SecurityLevel == "" {
		t.SecurityLevel = LevelStandard
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tool declarations in the wire shape the model
// expects, sorted by name so prompts are stable across runs.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Filtered returns a copy of the registry containing only tools the
// predicate accepts. The copy shares Tool pointers with the original.
func (r *Registry) Filtered(keep func(*Tool) bool) *Registry {
	out := NewRegistry()
	for _, t := range r.tools {
		if keep(t) {
			out.tools[t.Name] = t
		}
	}
	return out
}

// WithoutPrivileged returns a copy excluding privileged tools.
func (r *Registry) WithoutPrivileged() *Registry {
	return r.Filtered(func(t *Tool) bool {
		return t.SecurityLevel != LevelPrivileged
	})
}
