// Package storage defines the persistence contracts for threads, messages,
// and agent runs, with an in-memory default and a sqlite backend.
//
// Implementations own their concurrency control: the runtime assumes each
// run has exclusive write access to the messages it creates, but concurrent
// appenders on the same thread are the storage layer's problem.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Order controls list direction by creation time.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ThreadPatch updates a subset of thread fields. Nil fields are untouched.
type ThreadPatch struct {
	Title    *string
	Summary  *string
	Metadata map[string]any
}

// ThreadFilter narrows List results.
type ThreadFilter struct {
	UserID string
	Limit  int
	Offset int
}

// ThreadStorage persists threads.
type ThreadStorage interface {
	Create(ctx context.Context, thread *models.Thread) (*models.Thread, error)
	Get(ctx context.Context, id string) (*models.Thread, error)
	Update(ctx context.Context, id string, patch ThreadPatch) (*models.Thread, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ThreadFilter) ([]*models.Thread, error)
}

// MessageQuery narrows a message listing.
type MessageQuery struct {
	Limit  int
	Order  Order
	Before time.Time
	After  time.Time
}

// MessagePatch updates the mutable parts of a message: content, the
// in-progress flag, tool calls, and metadata.
type MessagePatch struct {
	Content    *string
	InProgress *bool
	ToolCalls  []models.ToolCall
	Metadata   map[string]any
}

// MessageStorage persists thread messages.
type MessageStorage interface {
	Add(ctx context.Context, msg *models.Message) (*models.Message, error)
	List(ctx context.Context, threadID string, q MessageQuery) ([]*models.Message, error)
	Update(ctx context.Context, id string, patch MessagePatch) (*models.Message, error)
	Delete(ctx context.Context, id string) error
}

// RunPatch updates a subset of run fields. Nil fields are untouched.
type RunPatch struct {
	Status      *models.RunStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *models.RunError
	Metadata    map[string]any
}

// RunFilter narrows run listings.
type RunFilter struct {
	ThreadID      string
	Statuses      []models.RunStatus
	ExpiredBefore time.Time
}

// AgentRunStorage persists agent run records.
type AgentRunStorage interface {
	Create(ctx context.Context, run *models.AgentRun) (*models.AgentRun, error)
	Get(ctx context.Context, id string) (*models.AgentRun, error)
	Update(ctx context.Context, id string, patch RunPatch) (*models.AgentRun, error)
	List(ctx context.Context, filter RunFilter) ([]*models.AgentRun, error)
}

// Store bundles the three views of one backend.
type Store interface {
	Threads() ThreadStorage
	Messages() MessageStorage
	Runs() AgentRunStorage
}
