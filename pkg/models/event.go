package models

import (
	"time"
)

// EventType enumerates every event the runtime can emit. The set is closed:
// observers may exhaustively switch on it.
type EventType string

const (
	EventRunCreated           EventType = "agent.run.created"
	EventRunStepCreated       EventType = "agent.run.step.created"
	EventRunStatusChanged     EventType = "agent.run.status.changed"
	EventMessageCreated       EventType = "thread.message.created"
	EventMessageDelta         EventType = "thread.message.delta"
	EventMessageCompleted     EventType = "thread.message.completed"
	EventToolCallCreated      EventType = "thread.run.step.tool_call.created"
	EventToolCallCompletedLLM EventType = "thread.run.step.tool_call.completed_by_llm"
	EventToolExecStarted      EventType = "agent.tool.execution.started"
	EventToolExecCompleted    EventType = "agent.tool.execution.completed"
	EventSubAgentStarted      EventType = "agent.sub_agent.invocation.started"
	EventSubAgentCompleted    EventType = "agent.sub_agent.invocation.completed"
	EventRunRequiresAction    EventType = "thread.run.requires_action"
	EventRunFailed            EventType = "thread.run.failed"
	EventRunCompleted         EventType = "thread.run.completed"
)

// Event is an immutable, append-only record of something that happened inside
// a run. Sequence is monotonic within the run.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Sequence uint64    `json:"sequence"`
	RunID    string    `json:"run_id"`
	ThreadID string    `json:"thread_id"`
	Data     any       `json:"data,omitempty"`
}

// StatusChangeData is the payload of agent.run.status.changed.
type StatusChangeData struct {
	From RunStatus `json:"from"`
	To   RunStatus `json:"to"`
}

// StepData is the payload of agent.run.step.created.
type StepData struct {
	StepID string `json:"step_id"`
	Turn   int    `json:"turn"`
}

// MessageEventData is the payload of thread.message.created and
// thread.message.completed.
type MessageEventData struct {
	Message *Message `json:"message"`
}

// MessageDeltaData is the payload of thread.message.delta. Exactly one of
// Text or ToolCall is set.
type MessageDeltaData struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"text,omitempty"`
	ToolCall  *ToolCall `json:"tool_call,omitempty"`
}

// ToolCallEventData is the payload of the tool_call.created and
// tool_call.completed_by_llm events.
type ToolCallEventData struct {
	StepID   string   `json:"step_id"`
	ToolCall ToolCall `json:"tool_call"`
}

// ToolExecData is the payload of agent.tool.execution.started and
// agent.tool.execution.completed.
type ToolExecData struct {
	ToolCallID string      `json:"tool_call_id"`
	ToolName   string      `json:"tool_name"`
	Result     *ToolResult `json:"result,omitempty"` // completed only
}

// SubAgentData is the payload of the sub_agent.invocation events.
type SubAgentData struct {
	SubAgentRunID string `json:"sub_agent_run_id,omitempty"`
	SpecialistID  string `json:"specialist_id"`
	SubTask       string `json:"sub_task_description"`
	Status        string `json:"status,omitempty"`
}

// RequiresActionData is the payload of thread.run.requires_action.
type RequiresActionData struct {
	PendingToolCalls []ToolCall `json:"pending_tool_calls"`
}

// RunFailedData is the payload of thread.run.failed.
type RunFailedData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunCompletedData is the payload of thread.run.completed.
type RunCompletedData struct {
	FinalMessageID string `json:"final_message_id,omitempty"`
}
