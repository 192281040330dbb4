// Package anthropic implements the llm.Client boundary on top of the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/pkg/models"
)

const defaultMaxTokens = 4096

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the stream
// is treated as malformed.
const maxEmptyStreamEvents = 300

// Client talks to the Anthropic API. Safe for concurrent use.
//
// Tool input arrives as partial JSON deltas inside content blocks; the block
// index keys the fragments the response processor assembles.
type Client struct {
	api sdk.Client
}

// Config holds client construction options.
type Config struct {
	APIKey  string
	BaseURL string
}

// New builds a client from config.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: sdk.NewClient(options...)}, nil
}

func (c *Client) Name() string {
	return "anthropic"
}

// CountTokens estimates with the shared character heuristic.
func (c *Client) CountTokens(messages []models.Message, model string) int {
	return llm.EstimateTokens(messages)
}

// FormatTools converts tool definitions into Anthropic tool params.
func (c *Client) FormatTools(defs []models.ToolDefinition) []llm.FormattedTool {
	out := make([]llm.FormattedTool, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(llm.ParametersSchema(def))
		if err != nil {
			continue
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			continue
		}
		param := sdk.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool != nil {
			param.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, llm.FormattedTool{Name: def.Name, Payload: param})
	}
	return out
}

// GenerateResponse issues one Messages API call, streaming or not.
func (c *Client) GenerateResponse(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	if !req.Stream {
		msg, err := c.api.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		return &llm.Result{Message: convertComplete(msg)}, nil
	}

	stream := c.api.Messages.NewStreaming(ctx, params)
	chunks := make(chan llm.Chunk)
	go c.pump(ctx, stream, chunks)
	return &llm.Result{Stream: chunks}, nil
}

func (c *Client) buildParams(req *llm.Request) (sdk.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	// ToolChoice none is expressed by omitting tools entirely.
	if req.ToolChoice.Mode != llm.ToolChoiceNone {
		for _, ft := range req.Tools {
			if t, ok := ft.Payload.(sdk.ToolUnionParam); ok {
				params.Tools = append(params.Tools, t)
			}
		}
	}
	return params, nil
}

// pump converts SSE events into chunks. Tool input fragments are keyed by
// the content-block index. Every send races ctx so an abandoned reader
// never strands the goroutine mid-send.
func (c *Client) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(chunk llm.Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finish := llm.FinishNone
	emptyEvents := 0

	for stream.Next() {
		select {
		case <-ctx.Done():
			send(llm.Chunk{Err: ctx.Err(), Done: true})
			return
		default:
		}

		event := stream.Current()
		processed := true

		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				ok := send(llm.Chunk{Fragments: []llm.ToolCallFragment{{
					Index: int(start.Index),
					ID:    toolUse.ID,
					Type:  "function",
					Name:  toolUse.Name,
				}}})
				if !ok {
					return
				}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					if !send(llm.Chunk{Text: blockDelta.Delta.Text}) {
						return
					}
				} else {
					processed = false
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					ok := send(llm.Chunk{Fragments: []llm.ToolCallFragment{{
						Index:     int(blockDelta.Index),
						Arguments: blockDelta.Delta.PartialJSON,
					}}})
					if !ok {
						return
					}
				} else {
					processed = false
				}
			default:
				processed = false
			}

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			finish = mapStopReason(string(msgDelta.Delta.StopReason))

		case "message_stop":
			send(llm.Chunk{FinishReason: finish, Done: true})
			return

		case "message_start":
			// usage bookkeeping only

		default:
			processed = false
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				send(llm.Chunk{
					Err:  fmt.Errorf("anthropic: stream malformed: %d consecutive empty events", emptyEvents),
					Done: true,
				})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(llm.Chunk{Err: fmt.Errorf("anthropic: %w", err), Done: true})
		return
	}
	send(llm.Chunk{FinishReason: finish, Done: true})
}

func convertComplete(msg *sdk.Message) *llm.CompleteResponse {
	resp := &llm.CompleteResponse{
		FinishReason: mapStopReason(string(msg.StopReason)),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: string(toolUse.Input),
			})
		}
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == llm.FinishNone {
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp
}

// convertMessages maps internal messages to Anthropic params. System
// messages are skipped; they travel in params.System. Tool-role messages
// become user messages carrying a tool_result block.
func convertMessages(messages []models.Message) ([]sdk.MessageParam, error) {
	var result []sdk.MessageParam

	for i := range messages {
		msg := &messages[i]
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []sdk.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, sdk.NewToolResultBlock(msg.ToolCallID, msg.Text(), false))
		} else if len(msg.Parts) > 0 {
			for _, p := range msg.Parts {
				if p.Type == models.PartText && p.Text != "" {
					content = append(content, sdk.NewTextBlock(p.Text))
				}
			}
		} else if msg.Content != "" {
			content = append(content, sdk.NewTextBlock(msg.Content))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, sdk.NewAssistantMessage(content...))
		} else {
			result = append(result, sdk.NewUserMessage(content...))
		}
	}
	return result, nil
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "tool_use":
		return llm.FinishToolCalls
	case "max_tokens":
		return llm.FinishLength
	case "":
		return llm.FinishNone
	}
	return llm.FinishReason(reason)
}
