package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

const defaultConcurrency = 4

// Config controls dispatch behavior.
type Config struct {
	Strategy models.ExecutionStrategy

	// Concurrency caps parallel executions. Defaults to 4.
	Concurrency int

	// Timeout bounds a single tool execution. Zero means no bound beyond
	// the caller's context.
	Timeout time.Duration
}

// Execution is one slot of the executor's output. Result is never nil; the
// executor converts every per-call error into a non-success result.
type Execution struct {
	ToolCallID string
	ToolName   string
	Result     *models.ToolResult
}

// Callbacks fire around each call. With the parallel strategy they fire
// concurrently.
type Callbacks struct {
	Started   func(call models.ToolCall)
	Completed func(call models.ToolCall, result *models.ToolResult)
}

// ToolStats is a point-in-time view of one tool's execution counters.
type ToolStats struct {
	Calls         int64
	Failures      int64
	TotalDuration time.Duration
}

// Executor validates and runs batches of tool calls. Results are returned
// in input order regardless of strategy.
type Executor struct {
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	stats map[string]*ToolStats
}

// New builds an executor.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Strategy == "" {
		cfg.Strategy = models.StrategySequential
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Executor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stats:   map[string]*ToolStats{},
	}
}

// Execute runs the batch under the configured strategy.
func (e *Executor) Execute(ctx context.Context, provider tools.Provider, calls []models.ToolCall, ec tools.ExecContext, cb Callbacks) []Execution {
	if e.cfg.Strategy == models.StrategyParallel && len(calls) > 1 {
		return e.executeParallel(ctx, provider, calls, ec, cb)
	}
	return e.executeSequential(ctx, provider, calls, ec, cb)
}

func (e *Executor) executeSequential(ctx context.Context, provider tools.Provider, calls []models.ToolCall, ec tools.ExecContext, cb Callbacks) []Execution {
	results := make([]Execution, len(calls))
	for i, call := range calls {
		results[i] = e.executeOne(ctx, provider, call, ec, cb)
	}
	return results
}

// executeParallel dispatches all calls concurrently under a semaphore and
// joins. The results slice is indexed by input position, so ordering is
// preserved no matter which call finishes first.
func (e *Executor) executeParallel(ctx context.Context, provider tools.Provider, calls []models.ToolCall, ec tools.ExecContext, cb Callbacks) []Execution {
	results := make([]Execution, len(calls))
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.executeOne(ctx, provider, call, ec, cb)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, provider tools.Provider, call models.ToolCall, ec tools.ExecContext, cb Callbacks) Execution {
	if cb.Started != nil {
		cb.Started(call)
	}
	started := time.Now()

	result := e.run(ctx, provider, call, ec)
	elapsed := time.Since(started)

	status := "success"
	if !result.Success {
		status = "error"
	}
	e.record(call.Name, status == "error", elapsed)
	e.metrics.ToolExecuted(call.Name, status, elapsed)
	e.logger.Debug(ctx, "tool executed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"status", status,
		"duration_ms", elapsed.Milliseconds(),
	)

	if cb.Completed != nil {
		cb.Completed(call, result)
	}
	return Execution{ToolCallID: call.ID, ToolName: call.Name, Result: result}
}

// run performs lookup, validation, and the execute call. Every error is
// captured into the result; nothing escapes the slot.
func (e *Executor) run(ctx context.Context, provider tools.Provider, call models.ToolCall, ec tools.ExecContext) *models.ToolResult {
	ecCall := ec
	ecCall.ToolCallID = call.ID

	tool, ok, err := provider.Tool(ctx, call.Name)
	if err != nil {
		return resultFromError(fmt.Errorf("tool lookup failed: %w", err))
	}
	if !ok {
		return resultFromError(&ToolNotFoundError{ToolName: call.Name})
	}

	if _, err := validateArguments(tool, call); err != nil {
		return resultFromError(err)
	}

	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}

	result, err := e.executeWithTimeout(ctx, tool, json.RawMessage(raw), ecCall)
	if err != nil {
		return resultFromError(err)
	}
	if result == nil {
		return resultFromError(fmt.Errorf("tool %s returned no result", call.Name))
	}
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, tool tools.Tool, args json.RawMessage, ec tools.ExecContext) (*models.ToolResult, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	type outcome struct {
		result *models.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := tool.Execute(ctx, args, ec)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("tool %s timed out after %s", tool.Definition().Name, e.cfg.Timeout)
		}
		return nil, ctx.Err()
	}
}

func (e *Executor) record(tool string, failed bool, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats[tool]
	if st == nil {
		st = &ToolStats{}
		e.stats[tool] = st
	}
	st.Calls++
	if failed {
		st.Failures++
	}
	st.TotalDuration += d
}

// MetricsSnapshot copies the per-tool counters accumulated so far.
func (e *Executor) MetricsSnapshot() map[string]ToolStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ToolStats, len(e.stats))
	for name, st := range e.stats {
		out[name] = *st
	}
	return out
}
