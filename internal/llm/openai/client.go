// Package openai implements the llm.Client boundary on top of the OpenAI
// chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/pkg/models"
)

// Client talks to the OpenAI API. Safe for concurrent use; each streaming
// call owns an independent goroutine.
//
// Tool calls arrive incrementally on the wire (id, name, and argument
// fragments spread over several deltas, keyed by index). The client forwards
// those fragments untouched; assembly is the response processor's job.
type Client struct {
	api        *goopenai.Client
	apiKey     string
	maxRetries int
	retryDelay time.Duration
}

// Config holds client construction options.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// backends. Empty uses the OpenAI default.
	BaseURL string
}

// New builds a client. An empty API key is allowed for delayed
// configuration; GenerateResponse errors until a key is set.
func New(cfg Config) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if cfg.APIKey != "" {
		apiCfg := goopenai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			apiCfg.BaseURL = cfg.BaseURL
		}
		c.api = goopenai.NewClientWithConfig(apiCfg)
	}
	return c
}

func (c *Client) Name() string {
	return "openai"
}

// CountTokens estimates with the shared character heuristic.
func (c *Client) CountTokens(messages []models.Message, model string) int {
	return llm.EstimateTokens(messages)
}

// FormatTools converts tool definitions into OpenAI function declarations.
func (c *Client) FormatTools(defs []models.ToolDefinition) []llm.FormattedTool {
	out := make([]llm.FormattedTool, len(defs))
	for i, def := range defs {
		out[i] = llm.FormattedTool{
			Name: def.Name,
			Payload: goopenai.Tool{
				Type: goopenai.ToolTypeFunction,
				Function: &goopenai.FunctionDefinition{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  llm.ParametersSchema(def),
				},
			},
		}
	}
	return out
}

// GenerateResponse issues one completion call. With req.Stream set it
// returns a live chunk stream; otherwise a complete message.
func (c *Client) GenerateResponse(ctx context.Context, req *llm.Request) (*llm.Result, error) {
	if c.api == nil {
		return nil, errors.New("openai api key not configured")
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages, req.SystemPrompt),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	for _, ft := range req.Tools {
		if t, ok := ft.Payload.(goopenai.Tool); ok {
			chatReq.Tools = append(chatReq.Tools, t)
		}
	}
	if tc := convertToolChoice(req.ToolChoice); tc != nil {
		chatReq.ToolChoice = tc
	}

	if !req.Stream {
		return c.complete(ctx, chatReq)
	}

	var stream *goopenai.ChatCompletionStream
	err := c.withRetry(ctx, func() error {
		var err error
		stream, err = c.api.CreateChatCompletionStream(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.Chunk)
	go c.pump(ctx, stream, chunks)
	return &llm.Result{Stream: chunks}, nil
}

func (c *Client) complete(ctx context.Context, chatReq goopenai.ChatCompletionRequest) (*llm.Result, error) {
	var resp goopenai.ChatCompletionResponse
	err := c.withRetry(ctx, func() error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	choice := resp.Choices[0]
	msg := &llm.CompleteResponse{
		Content:      choice.Message.Content,
		FinishReason: mapFinishReason(string(choice.FinishReason)),
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return &llm.Result{Message: msg}, nil
}

// pump forwards stream deltas as chunks until EOF, error, or context
// cancellation. Every send races ctx so an abandoned reader never strands
// the goroutine mid-send.
func (c *Client) pump(ctx context.Context, stream *goopenai.ChatCompletionStream, chunks chan<- llm.Chunk) {
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

	for {
		select {
		case <-ctx.Done():
			send(llm.Chunk{Err: ctx.Err(), Done: true})
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(llm.Chunk{Done: true})
			} else {
				send(llm.Chunk{Err: err, Done: true})
			}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		chunk := llm.Chunk{Text: choice.Delta.Content}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			chunk.Fragments = append(chunk.Fragments, llm.ToolCallFragment{
				Index:     idx,
				ID:        tc.ID,
				Type:      string(tc.Type),
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if choice.FinishReason != "" {
			chunk.FinishReason = mapFinishReason(string(choice.FinishReason))
		}
		if chunk.Text != "" || len(chunk.Fragments) > 0 || chunk.FinishReason != llm.FinishNone {
			if !send(chunk) {
				return
			}
		}
	}
}

func (c *Client) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		if lastErr = call(); lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return fmt.Errorf("non-retryable error: %w", lastErr)
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func convertMessages(messages []models.Message, system string) []goopenai.ChatCompletionMessage {
	result := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i := range messages {
		msg := &messages[i]
		oai := goopenai.ChatCompletionMessage{Role: string(msg.Role)}

		switch msg.Role {
		case models.RoleUser, models.RoleSystem:
			if len(msg.Parts) > 0 {
				oai.MultiContent = convertParts(msg.Parts)
			} else {
				oai.Content = msg.Content
			}

		case models.RoleAssistant:
			oai.Content = msg.Content
			for _, tc := range msg.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}

		case models.RoleTool:
			oai.Role = goopenai.ChatMessageRoleTool
			oai.Content = msg.Content
			oai.ToolCallID = msg.ToolCallID
		}

		result = append(result, oai)
	}
	return result
}

func convertParts(parts []models.ContentPart) []goopenai.ChatMessagePart {
	out := make([]goopenai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case models.PartText:
			out = append(out, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case models.PartImageURL:
			out = append(out, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    p.ImageURL,
					Detail: goopenai.ImageURLDetailAuto,
				},
			})
		}
	}
	return out
}

func convertToolChoice(tc llm.ToolChoice) any {
	switch tc.Mode {
	case llm.ToolChoiceNone, llm.ToolChoiceAuto, llm.ToolChoiceRequired:
		return tc.Mode
	case llm.ToolChoiceFunction:
		return goopenai.ToolChoice{
			Type:     goopenai.ToolTypeFunction,
			Function: goopenai.ToolFunction{Name: tc.Function},
		}
	}
	return nil
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "length":
		return llm.FinishLength
	case "":
		return llm.FinishNone
	}
	return llm.FinishReason(reason)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
