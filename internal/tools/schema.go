package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON schema from a Go argument struct, in the
// map shape Tool.Parameters expects. Built-in tools declare their
// arguments as structs with jsonschema tags instead of hand-writing
// schema maps.
func SchemaFor(v any) map[string]any {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", v, err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %T: %v", v, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// validateArgs checks call arguments against a tool's schema: required
// properties must be present, and present properties must match their
// declared primitive type. Deep structural validation is the handler's
// concern.
func validateArgs(t *Tool, args map[string]any) error {
	if t.Parameters == nil {
		return nil
	}

	if req, ok := t.Parameters["required"].([]any); ok {
		for _, r := range req {
			name, _ := r.(string)
			if name == "" {
				continue
			}
			if _, present := args[name]; !present {
				return &InvalidArgumentsError{
					ToolName: t.Name,
					Detail:   fmt.Sprintf("missing required parameter %q", name),
				}
			}
		}
	}
	// Schemas built by SchemaFor keep required as []string.
	if req, ok := t.Parameters["required"].([]string); ok {
		for _, name := range req {
			if _, present := args[name]; !present {
				return &InvalidArgumentsError{
					ToolName: t.Name,
					Detail:   fmt.Sprintf("missing required parameter %q", name),
				}
			}
		}
	}

	props, _ := t.Parameters["properties"].(map[string]any)
	for name, val := range args {
		spec, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		want, _ := spec["type"].(string)
		if want == "" || val == nil {
			continue
		}
		if !typeMatches(want, val) {
			return &InvalidArgumentsError{
				ToolName: t.Name,
				Detail:   fmt.Sprintf("parameter %q must be %s, got %T", name, want, val),
			}
		}
	}
	return nil
}

func typeMatches(want string, val any) bool {
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	}
	return true
}
