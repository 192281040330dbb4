package models

import (
	"time"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether s admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCancelled, RunFailed, RunCompleted, RunExpired:
		return true
	}
	return false
}

// ExecutionStrategy selects how a batch of tool calls is dispatched.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
)

// AgentVariant names a default system prompt and tool-provider pairing. The
// run loop itself is identical across variants.
type AgentVariant string

const (
	VariantBase    AgentVariant = "base"
	VariantPlanner AgentVariant = "planner"
)

// RunConfig is the effective configuration snapshot of one run.
type RunConfig struct {
	Model                    string            `json:"model"`
	Temperature              float64           `json:"temperature,omitempty"`
	MaxTokens                int               `json:"max_tokens,omitempty"`
	SystemPrompt             string            `json:"system_prompt,omitempty"`
	Variant                  AgentVariant      `json:"variant,omitempty"`
	MaxToolCallContinuations int               `json:"max_tool_call_continuations"`
	ExecutionStrategy        ExecutionStrategy `json:"execution_strategy,omitempty"`
	ToolChoice               string            `json:"tool_choice,omitempty"`
}

// RunError is the last error recorded on a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentRun is one identifiable execution of an agent on a thread.
type AgentRun struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	AgentType   string         `json:"agent_type"`
	Status      RunStatus      `json:"status"`
	Config      RunConfig      `json:"config"`
	LastError   *RunError      `json:"last_error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Error codes recorded on failed runs.
const (
	ErrCodeIterationLimit      = "iteration_limit_exceeded"
	ErrCodeLLMParse            = "llm_parse_error"
	ErrCodeIncompleteToolCall  = "incomplete_tool_call"
	ErrCodeFinishReason        = "llm_finish_reason_error"
	ErrCodeAllToolsFailed      = "all_tools_failed"
	ErrCodeLLMError            = "llm_error"
	ErrCodeStorageError        = "storage_error"
	ErrCodeAbnormalTermination = "abnormal_termination"
)
