package processor

import (
	"context"
	"testing"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/pkg/models"
)

func streamOf(chunks ...llm.Chunk) *llm.Result {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &llm.Result{Stream: ch}
}

func collect(t *testing.T, result *llm.Result) []Event {
	t.Helper()
	var events []Event
	for ev := range Process(context.Background(), result) {
		events = append(events, ev)
	}
	return events
}

func TestStreamTextOnly(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Text: "hi"},
		llm.Chunk{Text: " there"},
		llm.Chunk{FinishReason: llm.FinishStop, Done: true},
	))

	want := []EventType{EventText, EventText, EventStreamEnd}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d: got type %s, want %s", i, ev.Type, want[i])
		}
	}
	if events[0].Text != "hi" || events[1].Text != " there" {
		t.Errorf("unexpected text: %q %q", events[0].Text, events[1].Text)
	}
	if events[2].FinishReason != llm.FinishStop {
		t.Errorf("got finish reason %s, want stop", events[2].FinishReason)
	}
}

func TestStreamAssemblesFragmentedToolCall(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Fragments: []llm.ToolCallFragment{{Index: 0, ID: "tc1", Name: "calculateSquare"}}},
		llm.Chunk{Fragments: []llm.ToolCallFragment{{Index: 0, Arguments: `{"num`}}},
		llm.Chunk{Fragments: []llm.ToolCallFragment{{Index: 0, Arguments: `ber":7}`}}},
		llm.Chunk{FinishReason: llm.FinishToolCalls},
		llm.Chunk{Done: true},
	))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	tc := events[0].ToolCall
	if events[0].Type != EventToolCall || tc == nil {
		t.Fatalf("expected tool_call_detected first, got %+v", events[0])
	}
	if tc.ID != "tc1" || tc.Name != "calculateSquare" || tc.Arguments != `{"number":7}` {
		t.Errorf("bad assembled call: %+v", tc)
	}
	if events[1].Type != EventStreamEnd || events[1].FinishReason != llm.FinishToolCalls {
		t.Errorf("bad terminal event: %+v", events[1])
	}
}

func TestStreamMultipleToolCallsOrderedByIndex(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Fragments: []llm.ToolCallFragment{
			{Index: 1, ID: "tc2", Name: "b", Arguments: `{}`},
			{Index: 0, ID: "tc1", Name: "a", Arguments: `{}`},
		}},
		llm.Chunk{FinishReason: llm.FinishToolCalls, Done: true},
	))

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].ToolCall.ID != "tc1" || events[1].ToolCall.ID != "tc2" {
		t.Errorf("tool calls out of index order: %s, %s", events[0].ToolCall.ID, events[1].ToolCall.ID)
	}
}

func TestStreamMalformedArguments(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Fragments: []llm.ToolCallFragment{{Index: 0, ID: "tc1", Name: "x", Arguments: "{not json"}}},
		llm.Chunk{FinishReason: llm.FinishToolCalls, Done: true},
	))

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("expected error event, got %+v", last)
	}
	if last.Err.Class != ClassLLMParse {
		t.Errorf("got class %s, want %s", last.Err.Class, ClassLLMParse)
	}
	if last.Err.Raw != "{not json" {
		t.Errorf("raw arguments not preserved: %q", last.Err.Raw)
	}
}

func TestStreamIncompleteToolCall(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Fragments: []llm.ToolCallFragment{{Index: 0, Arguments: `{"a":1}`}}},
		llm.Chunk{FinishReason: llm.FinishToolCalls, Done: true},
	))

	last := events[len(events)-1]
	if last.Type != EventError || last.Err.Class != ClassIncompleteToolCall {
		t.Fatalf("expected incomplete_tool_call error, got %+v", last)
	}
}

func TestStreamDuplicateToolCallIDs(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Fragments: []llm.ToolCallFragment{
			{Index: 0, ID: "tc1", Name: "a", Arguments: `{}`},
			{Index: 1, ID: "tc1", Name: "b", Arguments: `{}`},
		}},
		llm.Chunk{FinishReason: llm.FinishToolCalls, Done: true},
	))

	var sawError bool
	for _, ev := range events {
		if ev.Type == EventError && ev.Err.Class == ClassLLMParse {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected llm_parse_error for duplicate ids, got %+v", events)
	}
}

func TestStreamErrorPropagates(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Text: "partial"},
		llm.Chunk{Err: context.DeadlineExceeded, Done: true},
	))

	last := events[len(events)-1]
	if last.Type != EventError || last.Err.Class != ClassLLMError {
		t.Fatalf("expected llm_error, got %+v", last)
	}
}

func TestStreamEndWithoutFinishReason(t *testing.T) {
	events := collect(t, streamOf(
		llm.Chunk{Text: "hello"},
		llm.Chunk{Done: true},
	))

	last := events[len(events)-1]
	if last.Type != EventStreamEnd {
		t.Fatalf("expected stream_end, got %+v", last)
	}
	if last.FinishReason != llm.FinishNone {
		t.Errorf("got finish reason %q, want none", last.FinishReason)
	}
}

func TestCompleteMessageWithToolCallsSuppressesText(t *testing.T) {
	events := collect(t, &llm.Result{Message: &llm.CompleteResponse{
		Content: "I'll look that up",
		ToolCalls: []models.ToolCall{
			{ID: "tc1", Name: "search", Arguments: `{"q":"test"}`},
		},
		FinishReason: llm.FinishToolCalls,
	}})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != EventToolCall {
		t.Errorf("expected tool_call_detected, got %s", events[0].Type)
	}
	for _, ev := range events {
		if ev.Type == EventText {
			t.Errorf("text should be suppressed when tool calls present")
		}
	}
}

func TestCompleteMessageTextOnly(t *testing.T) {
	events := collect(t, &llm.Result{Message: &llm.CompleteResponse{
		Content:      "plain answer",
		FinishReason: llm.FinishStop,
	}})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != EventText || events[0].Text != "plain answer" {
		t.Errorf("bad text event: %+v", events[0])
	}
	if events[1].Type != EventStreamEnd || events[1].FinishReason != llm.FinishStop {
		t.Errorf("bad terminal event: %+v", events[1])
	}
}
