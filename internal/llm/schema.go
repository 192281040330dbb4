package llm

import (
	"encoding/json"

	"github.com/loomlabs/loom/pkg/models"
)

// ParametersSchema builds the JSON-Schema object form of a tool definition's
// parameter list. Parameters carrying their own schema fragment keep it
// verbatim; the rest get a minimal {type, description} node.
func ParametersSchema(def models.ToolDefinition) map[string]any {
	properties := make(map[string]any, len(def.Parameters))
	var required []string

	for _, p := range def.Parameters {
		if len(p.Schema) > 0 {
			var node map[string]any
			if err := json.Unmarshal(p.Schema, &node); err == nil {
				properties[p.Name] = node
			} else {
				properties[p.Name] = map[string]any{"type": p.Type}
			}
		} else {
			node := map[string]any{"type": p.Type}
			if p.Description != "" {
				node["description"] = p.Description
			}
			properties[p.Name] = node
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
