// Package processor converts raw LLM output, streaming chunks or a complete
// message, into a flat sequence of semantic events: text, assembled tool
// calls, stream end, or parse error.
//
// The produced sequence is lazy, finite, and non-restartable. The processor
// never retries and never mutates what the model said.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/pkg/models"
)

// EventType discriminates parsed events.
type EventType string

const (
	EventText      EventType = "text_chunk"
	EventToolCall  EventType = "tool_call_detected"
	EventStreamEnd EventType = "stream_end"
	EventError     EventType = "error"
)

// Error classes carried by error events.
const (
	ClassLLMError           = "llm_error"
	ClassLLMParse           = "llm_parse_error"
	ClassIncompleteToolCall = "incomplete_tool_call"
)

// Event is one parsed unit of model output.
type Event struct {
	Type         EventType
	Text         string
	ToolCall     *models.ToolCall
	FinishReason llm.FinishReason
	Err          *ParseError
}

// ParseError describes why parsing failed. Raw carries the offending
// fragment when one exists.
type ParseError struct {
	Class   string
	Message string
	Raw     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// assembly accumulates one tool call across stream fragments sharing an
// index.
type assembly struct {
	index int
	id    string
	name  string
	args  []byte
}

// Process consumes an llm.Result and returns the parsed event channel. The
// channel closes after the terminal event (stream_end or error).
func Process(ctx context.Context, result *llm.Result) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		if result.Message != nil {
			processComplete(ctx, result.Message, out)
			return
		}
		processStream(ctx, result.Stream, out)
	}()
	return out
}

func processStream(ctx context.Context, stream <-chan llm.Chunk, out chan<- Event) {
	buffers := map[int]*assembly{}
	finish := llm.FinishNone
	finalized := false

	for chunk := range stream {
		if chunk.Err != nil {
			emit(ctx, out, Event{Type: EventError, Err: &ParseError{
				Class:   ClassLLMError,
				Message: chunk.Err.Error(),
			}})
			return
		}

		if chunk.Text != "" {
			if !emit(ctx, out, Event{Type: EventText, Text: chunk.Text}) {
				return
			}
		}

		for _, frag := range chunk.Fragments {
			buf := buffers[frag.Index]
			if buf == nil {
				buf = &assembly{index: frag.Index}
				buffers[frag.Index] = buf
			}
			if frag.ID != "" {
				buf.id = frag.ID
			}
			if frag.Name != "" {
				buf.name = frag.Name
			}
			if frag.Arguments != "" {
				buf.args = append(buf.args, frag.Arguments...)
			}
		}

		if chunk.FinishReason != llm.FinishNone {
			finish = chunk.FinishReason
		}

		// A finish reason finalizes every buffered call; fragments on the
		// same chunk have already been merged above.
		if finish != llm.FinishNone && !finalized {
			finalized = true
			if !flushBuffers(ctx, buffers, out) {
				return
			}
		}

		if chunk.Done {
			emit(ctx, out, Event{Type: EventStreamEnd, FinishReason: finish})
			return
		}
	}

	// Stream closed without a done marker; treat what arrived as final.
	if !finalized && len(buffers) > 0 {
		if !flushBuffers(ctx, buffers, out) {
			return
		}
	}
	emit(ctx, out, Event{Type: EventStreamEnd, FinishReason: finish})
}

// flushBuffers yields completed tool calls in index order. Returns false
// when the turn must stop (parse failure or cancelled context).
func flushBuffers(ctx context.Context, buffers map[int]*assembly, out chan<- Event) bool {
	ordered := make([]*assembly, 0, len(buffers))
	for _, buf := range buffers {
		ordered = append(ordered, buf)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	seen := map[string]bool{}
	for _, buf := range ordered {
		if buf.id == "" || buf.name == "" {
			emit(ctx, out, Event{Type: EventError, Err: &ParseError{
				Class:   ClassIncompleteToolCall,
				Message: fmt.Sprintf("tool call at index %d missing id or name", buf.index),
				Raw:     string(buf.args),
			}})
			return false
		}
		if seen[buf.id] {
			emit(ctx, out, Event{Type: EventError, Err: &ParseError{
				Class:   ClassLLMParse,
				Message: fmt.Sprintf("duplicate tool call id %q", buf.id),
			}})
			return false
		}
		seen[buf.id] = true

		args := string(buf.args)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			emit(ctx, out, Event{Type: EventError, Err: &ParseError{
				Class:   ClassLLMParse,
				Message: fmt.Sprintf("tool call %s has malformed arguments", buf.id),
				Raw:     args,
			}})
			return false
		}

		ok := emit(ctx, out, Event{Type: EventToolCall, ToolCall: &models.ToolCall{
			ID:        buf.id,
			Name:      buf.name,
			Arguments: args,
		}})
		if !ok {
			return false
		}
	}
	for k := range buffers {
		delete(buffers, k)
	}
	return true
}

// processComplete handles the non-streaming path. Text is suppressed when
// tool calls are present so content is not delivered twice across turns.
func processComplete(ctx context.Context, msg *llm.CompleteResponse, out chan<- Event) {
	for i := range msg.ToolCalls {
		tc := msg.ToolCalls[i]
		if tc.Arguments == "" {
			tc.Arguments = "{}"
		}
		if !json.Valid([]byte(tc.Arguments)) {
			emit(ctx, out, Event{Type: EventError, Err: &ParseError{
				Class:   ClassLLMParse,
				Message: fmt.Sprintf("tool call %s has malformed arguments", tc.ID),
				Raw:     tc.Arguments,
			}})
			return
		}
		if !emit(ctx, out, Event{Type: EventToolCall, ToolCall: &tc}) {
			return
		}
	}

	if len(msg.ToolCalls) == 0 && msg.Content != "" {
		if !emit(ctx, out, Event{Type: EventText, Text: msg.Content}) {
			return
		}
	}

	finish := msg.FinishReason
	if finish == llm.FinishNone {
		if len(msg.ToolCalls) > 0 {
			finish = llm.FinishToolCalls
		} else {
			finish = llm.FinishStop
		}
	}
	emit(ctx, out, Event{Type: EventStreamEnd, FinishReason: finish})
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
