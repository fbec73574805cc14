package registry

import (
	"encoding/json"
	"fmt"

	"github.com/conchshell/conch/internal/mcp"
)

// inputSchema is the subset of JSON Schema that MCP tools use to
// describe their arguments: a flat object with typed properties and a
// required list.
type inputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]propertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

type propertySchema struct {
	Type string `json:"type"`
}

// ValidateArgs checks args structurally against a tool's input schema:
// required keys must be present and each supplied value must match its
// declared primitive type. Unknown keys pass through; servers are
// allowed to accept more than they declare. A missing or unparseable
// schema validates everything — better to let the server judge than to
// reject a call on a schema we cannot read.
func ValidateArgs(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	var s inputSchema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	if s.Type != "" && s.Type != "object" {
		return nil
	}

	for _, key := range s.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("missing required argument %q: %w", key, mcp.ErrInvalidArguments)
		}
	}

	for key, value := range args {
		prop, ok := s.Properties[key]
		if !ok || prop.Type == "" {
			continue
		}
		if !typeMatches(prop.Type, value) {
			return fmt.Errorf("argument %q should be %s, got %T: %w", key, prop.Type, value, mcp.ErrInvalidArguments)
		}
	}
	return nil
}

// typeMatches reports whether a decoded JSON value satisfies a JSON
// Schema primitive type. Values arrive through encoding/json, so
// numbers are float64 and objects are map[string]any.
func typeMatches(schemaType string, value any) bool {
	if value == nil {
		return true
	}
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
