package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType discriminates the members of a multi-part message body.
type ContentPartType string

const (
	PartText     ContentPartType = "text"
	PartImageURL ContentPartType = "image_url"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
}

// Message is one entry in a thread's conversation history. Content holds the
// plain-text body; Parts is set instead when the body is multi-part. Messages
// are append-only: after creation only the in-progress flag, content, and
// metadata of the latest streaming assistant record may be updated.
type Message struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`   // calls issued by an assistant message
	ToolCallID string         `json:"tool_call_id,omitempty"` // origin call for a tool message
	ToolName   string         `json:"tool_name,omitempty"`
	InProgress bool           `json:"in_progress,omitempty"` // streaming assistant shell not yet finalized
	RunID      string         `json:"run_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Text returns the message body as a single string, flattening parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Thread is a conversation container. Threads are created on first use and
// never deleted by the runtime.
type Thread struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
