package storage

import (
	"github.com/loomlabs/loom/pkg/models"
)

// deepCloneMap copies a metadata map so stored records never share memory
// with callers.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}

func cloneThread(t *models.Thread) *models.Thread {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Metadata = deepCloneMap(t.Metadata)
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Metadata = deepCloneMap(m.Metadata)
	if len(m.Parts) > 0 {
		clone.Parts = append([]models.ContentPart{}, m.Parts...)
	}
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, m.ToolCalls...)
	}
	return &clone
}

func cloneRun(r *models.AgentRun) *models.AgentRun {
	if r == nil {
		return &models.AgentRun{}
	}
	clone := *r
	clone.Metadata = deepCloneMap(r.Metadata)
	if r.LastError != nil {
		le := *r.LastError
		clone.LastError = &le
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		clone.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		clone.CompletedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}
