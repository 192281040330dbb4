package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/pkg/models"
)

// MemoryStore is the in-memory implementation of all three storage
// interfaces, for tests, sub-agent isolation, and small deployments.
// All accessors clone records so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message // keyed by thread id
	byMsgID  map[string]*models.Message
	runs     map[string]*models.AgentRun
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
		byMsgID:  map[string]*models.Message{},
		runs:     map[string]*models.AgentRun{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, thread *models.Thread) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneThread(thread)
	if clone == nil {
		clone = &models.Thread{}
	}
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	m.threads[clone.ID] = clone
	return cloneThread(clone), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(thread), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch ThreadPatch) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Title != nil {
		thread.Title = *patch.Title
	}
	if patch.Summary != nil {
		thread.Summary = *patch.Summary
	}
	if patch.Metadata != nil {
		if thread.Metadata == nil {
			thread.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			thread.Metadata[k] = v
		}
	}
	thread.UpdatedAt = time.Now()
	return cloneThread(thread), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[id]; !ok {
		return ErrNotFound
	}
	delete(m.threads, id)
	for _, msg := range m.messages[id] {
		delete(m.byMsgID, msg.ID)
	}
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ThreadFilter) ([]*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Thread
	for _, thread := range m.threads {
		if filter.UserID != "" && thread.UserID != filter.UserID {
			continue
		}
		out = append(out, cloneThread(thread))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Thread{}, nil
	}
	end := len(out)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) Add(ctx context.Context, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.messages[clone.ThreadID] = append(m.messages[clone.ThreadID], clone)
	m.byMsgID[clone.ID] = clone
	return cloneMessage(clone), nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, threadID string, q MessageQuery) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[threadID]
	var out []*models.Message
	for _, msg := range msgs {
		if !q.Before.IsZero() && !msg.CreatedAt.Before(q.Before) {
			continue
		}
		if !q.After.IsZero() && !msg.CreatedAt.After(q.After) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	if q.Order == OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
		return out, nil
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (m *MemoryStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byMsgID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.InProgress != nil {
		msg.InProgress = *patch.InProgress
	}
	if patch.ToolCalls != nil {
		msg.ToolCalls = append([]models.ToolCall{}, patch.ToolCalls...)
	}
	if patch.Metadata != nil {
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			msg.Metadata[k] = v
		}
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byMsgID[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byMsgID, id)
	list := m.messages[msg.ThreadID]
	for i, candidate := range list {
		if candidate.ID == id {
			m.messages[msg.ThreadID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneRun(run)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.Status == "" {
		clone.Status = models.RunQueued
	}
	m.runs[clone.ID] = clone
	return cloneRun(clone), nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, id string, patch RunPatch) (*models.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = patch.CompletedAt
	}
	if patch.LastError != nil {
		run.LastError = patch.LastError
	}
	if patch.Metadata != nil {
		if run.Metadata == nil {
			run.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			run.Metadata[k] = v
		}
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.AgentRun
	for _, run := range m.runs {
		if filter.ThreadID != "" && run.ThreadID != filter.ThreadID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, run.Status) {
			continue
		}
		if !filter.ExpiredBefore.IsZero() {
			if run.ExpiresAt == nil || !run.ExpiresAt.Before(filter.ExpiredBefore) {
				continue
			}
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsStatus(set []models.RunStatus, s models.RunStatus) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

// Threads returns the store as a ThreadStorage.
func (m *MemoryStore) Threads() ThreadStorage { return m }

// Messages returns the store as a MessageStorage.
func (m *MemoryStore) Messages() MessageStorage { return messageView{m} }

// Runs returns the store as an AgentRunStorage.
func (m *MemoryStore) Runs() AgentRunStorage { return runView{m} }

// messageView and runView rename the store's methods onto the interface
// shapes so one MemoryStore can satisfy all three contracts.
type messageView struct{ *MemoryStore }

func (v messageView) List(ctx context.Context, threadID string, q MessageQuery) ([]*models.Message, error) {
	return v.ListMessages(ctx, threadID, q)
}

func (v messageView) Update(ctx context.Context, id string, patch MessagePatch) (*models.Message, error) {
	return v.UpdateMessage(ctx, id, patch)
}

func (v messageView) Delete(ctx context.Context, id string) error {
	return v.DeleteMessage(ctx, id)
}

type runView struct{ *MemoryStore }

func (v runView) Create(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error) {
	return v.CreateRun(ctx, run)
}

func (v runView) Get(ctx context.Context, id string) (*models.AgentRun, error) {
	return v.GetRun(ctx, id)
}

func (v runView) Update(ctx context.Context, id string, patch RunPatch) (*models.AgentRun, error) {
	return v.UpdateRun(ctx, id, patch)
}

func (v runView) List(ctx context.Context, filter RunFilter) ([]*models.AgentRun, error) {
	return v.ListRuns(ctx, filter)
}
