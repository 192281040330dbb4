package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/loomlabs/loom/pkg/models"
)

// RouterToolName is the single synthetic tool exposed in toolsetsRouter
// mode.
const RouterToolName = "invokeToolsetTool"

// routerArguments is reflected into the router tool's parameter schema.
type routerArguments struct {
	ToolSetID      string         `json:"toolSetId" jsonschema:"description=Identifier of the toolset that owns the tool"`
	ToolName       string         `json:"toolName" jsonschema:"description=Name of the tool to invoke within the toolset"`
	ToolParameters map[string]any `json:"toolParameters,omitempty" jsonschema:"description=Arguments object forwarded to the target tool"`
}

// RouterTool dispatches {toolSetId, toolName, toolParameters} requests to
// the orchestrator's toolsets.
type RouterTool struct {
	orch Orchestrator
	def  models.ToolDefinition
}

// NewRouterTool builds the router over an orchestrator.
func NewRouterTool(orch Orchestrator) *RouterTool {
	return &RouterTool{orch: orch, def: routerDefinition()}
}

func routerDefinition() models.ToolDefinition {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	reflected := reflector.Reflect(&routerArguments{})
	props := schemaProperties(reflected)

	return models.ToolDefinition{
		Name: RouterToolName,
		Description: "Invoke a tool from a named toolset. Provide the toolset id, " +
			"the tool name, and the tool's arguments as an object.",
		Parameters: []models.ToolParameter{
			{Name: "toolSetId", Type: "string", Required: true,
				Description: "Identifier of the toolset that owns the tool", Schema: props["toolSetId"]},
			{Name: "toolName", Type: "string", Required: true,
				Description: "Name of the tool to invoke within the toolset", Schema: props["toolName"]},
			{Name: "toolParameters", Type: "object", Required: false,
				Description: "Arguments object forwarded to the target tool", Schema: props["toolParameters"]},
		},
	}
}

// schemaProperties flattens a reflected schema into raw per-property
// fragments.
func schemaProperties(schema *jsonschema.Schema) map[string]json.RawMessage {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc.Properties
}

func (r *RouterTool) Definition() models.ToolDefinition { return r.def }

func (r *RouterTool) Execute(ctx context.Context, args json.RawMessage, ec ExecContext) (*models.ToolResult, error) {
	var parsed struct {
		ToolSetID      string          `json:"toolSetId"`
		ToolName       string          `json:"toolName"`
		ToolParameters json.RawMessage `json:"toolParameters"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("router arguments are not valid JSON: %w", err)
	}

	provider, ok, err := r.orch.ToolSet(ctx, parsed.ToolSetID)
	if err != nil {
		return nil, fmt.Errorf("lookup toolset %q: %w", parsed.ToolSetID, err)
	}
	if !ok {
		return nil, fmt.Errorf("unknown toolset %q", parsed.ToolSetID)
	}

	tool, ok, err := provider.Tool(ctx, parsed.ToolName)
	if err != nil {
		return nil, fmt.Errorf("lookup tool %q in toolset %q: %w", parsed.ToolName, parsed.ToolSetID, err)
	}
	if !ok {
		return nil, fmt.Errorf("unknown tool %q in toolset %q", parsed.ToolName, parsed.ToolSetID)
	}

	forwarded := parsed.ToolParameters
	if len(forwarded) == 0 {
		forwarded = json.RawMessage("{}")
	}
	return tool.Execute(ctx, forwarded, ec)
}
