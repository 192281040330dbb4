package models

import (
	"encoding/json"
)

// ToolCall is an LLM-issued request to invoke a tool. Arguments is the raw
// JSON string exactly as the model produced it; the runtime never rewrites it
// before logging or echoing.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolParameter describes one parameter of a tool. Schema, when present, is a
// JSON Schema fragment that may contain local $refs into the tool's component
// registry.
type ToolParameter struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Required    bool            `json:"required"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolDefinition is the declared shape of a tool: what the LLM sees.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// ToolResult is the outcome of one tool execution. Data is any
// JSON-serializable value and is nil on failure.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Metadata keys a ToolResult may carry.
const (
	ResultMetaErrorName      = "errorName"
	ResultMetaSubAgentRunID  = "subAgentRunId"
	ResultMetaSpecialistID   = "specialistId"
	ResultMetaSubTask        = "subTaskDescription"
	ResultMetaSubAgentStatus = "subAgentStatus"
)
