package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/conchshell/conch/internal/mcp"
)

func TestValidateArgs(t *testing.T) {
	weatherSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"city": {"type": "string"},
			"days": {"type": "integer"},
			"detailed": {"type": "boolean"},
			"coords": {"type": "array"},
			"options": {"type": "object"},
			"threshold": {"type": "number"}
		},
		"required": ["city"]
	}`)

	tests := []struct {
		name    string
		schema  json.RawMessage
		args    map[string]any
		wantErr bool
	}{
		{
			name:   "valid full set",
			schema: weatherSchema,
			args: map[string]any{
				"city":      "Austin",
				"days":      float64(3),
				"detailed":  true,
				"coords":    []any{float64(30), float64(-97)},
				"options":   map[string]any{"units": "F"},
				"threshold": 0.5,
			},
		},
		{
			name:    "missing required",
			schema:  weatherSchema,
			args:    map[string]any{"days": float64(3)},
			wantErr: true,
		},
		{
			name:    "wrong type for string",
			schema:  weatherSchema,
			args:    map[string]any{"city": float64(42)},
			wantErr: true,
		},
		{
			name:    "float for integer",
			schema:  weatherSchema,
			args:    map[string]any{"city": "Austin", "days": 2.5},
			wantErr: true,
		},
		{
			name:   "whole float accepted as integer",
			schema: weatherSchema,
			args:   map[string]any{"city": "Austin", "days": float64(2)},
		},
		{
			name:   "unknown keys pass through",
			schema: weatherSchema,
			args:   map[string]any{"city": "Austin", "units": "metric"},
		},
		{
			name:   "null value passes",
			schema: weatherSchema,
			args:   map[string]any{"city": "Austin", "days": nil},
		},
		{
			name:   "empty schema validates everything",
			schema: nil,
			args:   map[string]any{"anything": "goes"},
		},
		{
			name:   "unparseable schema validates everything",
			schema: json.RawMessage(`{"type": [broken`),
			args:   map[string]any{"anything": "goes"},
		},
		{
			name:   "non-object schema skipped",
			schema: json.RawMessage(`{"type": "string"}`),
			args:   map[string]any{"anything": "goes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(tt.schema, tt.args)
			if tt.wantErr {
				if !errors.Is(err, mcp.ErrInvalidArguments) {
					t.Fatalf("error = %v, want ErrInvalidArguments", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
