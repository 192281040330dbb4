package toolexec

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

func schemaTool(params []models.ToolParameter, spec map[string]any) *fakeTool {
	return &fakeTool{
		def:  models.ToolDefinition{Name: "subject", Parameters: params},
		spec: spec,
		fn: func(context.Context, json.RawMessage, tools.ExecContext) (*models.ToolResult, error) {
			return &models.ToolResult{Success: true}, nil
		},
	}
}

func TestValidateMalformedJSONPreservesRaw(t *testing.T) {
	tool := schemaTool(nil, nil)
	_, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: `{"broken`})

	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("got %T, want *ValidationError", err)
	}
	if ve.Raw != "{\"broken" {
		t.Errorf("Raw = %q, want original argument string", ve.Raw)
	}
}

func TestValidateEmptyArgumentsNormalized(t *testing.T) {
	tool := schemaTool(nil, nil)
	args, err := validateArguments(tool, models.ToolCall{Name: "subject"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 0 {
		t.Errorf("got %v, want empty object", args)
	}
}

func TestValidateMissingRequiredParameter(t *testing.T) {
	tool := schemaTool([]models.ToolParameter{
		{Name: "city", Type: "string", Required: true},
		{Name: "units", Type: "string"},
	}, nil)

	_, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: `{"units":"metric"}`})
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("got %T, want *ValidationError", err)
	}
	if len(ve.Issues) != 1 || !strings.Contains(ve.Issues[0], `"city"`) {
		t.Errorf("issues = %v, want one missing-parameter issue for city", ve.Issues)
	}
}

func TestValidateSchemaViolation(t *testing.T) {
	tool := schemaTool([]models.ToolParameter{
		{
			Name:     "count",
			Required: true,
			Schema:   json.RawMessage(`{"type":"integer","minimum":1}`),
		},
	}, nil)

	if _, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: `{"count":0}`}); err == nil {
		t.Fatal("expected violation for count=0")
	}
	if _, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: `{"count":3}`}); err != nil {
		t.Fatalf("count=3 should pass: %v", err)
	}
}

func TestValidateResolvesLocalRef(t *testing.T) {
	spec := map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"Address": map[string]any{
					"type":     "object",
					"required": []any{"street"},
					"properties": map[string]any{
						"street": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
	tool := schemaTool([]models.ToolParameter{
		{
			Name:     "address",
			Required: true,
			Schema:   json.RawMessage(`{"$ref":"#/components/schemas/Address"}`),
		},
	}, spec)

	if _, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: `{"address":{"street":"Main"}}`}); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	if _, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: `{"address":{}}`}); err == nil {
		t.Fatal("address missing street should fail")
	}
}

func TestValidateTerminatesOnCyclicRef(t *testing.T) {
	// Node references itself through children; resolution must cut the
	// cycle and validation must still run on the surrounding structure.
	spec := map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"Node": map[string]any{
					"type":     "object",
					"required": []any{"name"},
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"children": map[string]any{
							"type":  "array",
							"items": map[string]any{"$ref": "#/components/schemas/Node"},
						},
					},
				},
			},
		},
	}
	tool := schemaTool([]models.ToolParameter{
		{
			Name:     "root",
			Required: true,
			Schema:   json.RawMessage(`{"$ref":"#/components/schemas/Node"}`),
		},
	}, spec)

	args := `{"root":{"name":"a","children":[{"name":"b","children":[]}]}}`
	if _, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: args}); err != nil {
		t.Fatalf("cyclic schema should still validate: %v", err)
	}
	if _, err := validateArguments(tool, models.ToolCall{Name: "subject", Arguments: `{"root":{}}`}); err == nil {
		t.Fatal("root missing name should fail")
	}
}

func TestResolveSiblingKeywordsWin(t *testing.T) {
	r := newRefResolver(map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"Base": map[string]any{
					"type":        "string",
					"description": "from target",
				},
			},
		},
	})

	resolved := r.Resolve(map[string]any{
		"$ref":        "#/components/schemas/Base",
		"description": "from sibling",
	})
	if resolved["description"] != "from sibling" {
		t.Errorf("description = %v, want sibling to win", resolved["description"])
	}
	if resolved["type"] != "string" {
		t.Errorf("type = %v, want string from target", resolved["type"])
	}
	if _, ok := resolved["$ref"]; ok {
		t.Error("$ref should be removed after inlining")
	}
}

func TestResolveStripsIDAndAnchor(t *testing.T) {
	r := newRefResolver(map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"Thing": map[string]any{
					"$id":     "https://example.com/thing",
					"$anchor": "thing",
					"type":    "object",
				},
			},
		},
	})

	resolved := r.Resolve(map[string]any{"$ref": "https://example.com/thing"})
	if _, ok := resolved["$id"]; ok {
		t.Error("$id should be stripped on inlining")
	}
	if _, ok := resolved["$anchor"]; ok {
		t.Error("$anchor should be stripped on inlining")
	}
}

func TestResolveAnchorFragment(t *testing.T) {
	r := newRefResolver(map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"Outer": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"inner": map[string]any{
							"$anchor": "inner",
							"type":    "integer",
						},
					},
				},
			},
		},
	})

	resolved := r.Resolve(map[string]any{"$ref": "#inner"})
	if resolved["type"] != "integer" {
		t.Errorf("anchor lookup resolved %v, want the integer schema", resolved)
	}
}

func TestResolveLeavesUnknownExternalRef(t *testing.T) {
	r := newRefResolver(nil)
	node := map[string]any{"$ref": "https://elsewhere.example/schema.json"}
	resolved := r.Resolve(node)
	if resolved["$ref"] != "https://elsewhere.example/schema.json" {
		t.Errorf("unknown external ref should stay in place, got %v", resolved)
	}
}
