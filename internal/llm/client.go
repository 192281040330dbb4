// Package llm defines the boundary between the runtime and LLM backends.
//
// Implementations handle the specifics of a provider API while presenting a
// unified chunk stream to the response processor. Implementations must be
// safe for concurrent GenerateResponse calls.
package llm

import (
	"context"

	"github.com/loomlabs/loom/pkg/models"
)

// Client is the transport the runtime drives. GenerateResponse returns either
// a chunk stream (when req.Stream is set) or a complete message; exactly one
// of the Result fields is populated.
type Client interface {
	GenerateResponse(ctx context.Context, req *Request) (*Result, error)

	// CountTokens estimates the token cost of messages under the given model.
	CountTokens(messages []models.Message, model string) int

	// FormatTools converts tool definitions into the provider's wire shape.
	FormatTools(defs []models.ToolDefinition) []FormattedTool

	// Name returns the provider name, used in logs and metrics labels.
	Name() string
}

// ToolChoice constrains whether and which tool the model may call.
type ToolChoice struct {
	Mode     string `json:"mode"` // auto, none, required, function
	Function string `json:"function,omitempty"`
}

const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

// FormattedTool is a provider-formatted tool declaration. The runtime treats
// it as opaque; only the client that produced it interprets it.
type FormattedTool struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Request carries one completion call.
type Request struct {
	Model           string          `json:"model"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	Messages        []models.Message `json:"messages"`
	Tools           []FormattedTool `json:"tools,omitempty"`
	ToolChoice      ToolChoice      `json:"tool_choice,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     float64         `json:"temperature,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	ProviderOptions map[string]any  `json:"provider_options,omitempty"`
}

// Result is the outcome of GenerateResponse: a live stream or a complete
// message, never both.
type Result struct {
	Stream  <-chan Chunk
	Message *CompleteResponse
}

// FinishReason declares why the model stopped.
type FinishReason string

const (
	FinishNone      FinishReason = ""
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// ToolCallFragment is a partial tool call delivered inside a stream chunk.
// Fragments for the same call share an Index; fields accumulate across
// chunks.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Chunk is one raw unit of a streaming response.
type Chunk struct {
	Text         string             `json:"text,omitempty"`
	Fragments    []ToolCallFragment `json:"fragments,omitempty"`
	FinishReason FinishReason       `json:"finish_reason,omitempty"`
	Done         bool               `json:"done,omitempty"`
	Err          error              `json:"-"`
}

// CompleteResponse is a non-streaming assistant reply.
type CompleteResponse struct {
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	FinishReason FinishReason      `json:"finish_reason"`
}
