// Package agent drives a single run of an agent on one thread: persist the
// turn's input, assemble context, stream the LLM, execute tool calls, and
// loop until a terminal state or a requires_action pause.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomlabs/loom/internal/contextmgr"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/processor"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/toolexec"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

// safetyMargin pads the continuation limit for the hard iteration cap.
const safetyMargin = 5

// Options wires one run's dependencies. Run, Client, Context, Executor,
// Provider, Messages, and Runs are required.
type Options struct {
	Run      *models.AgentRun
	Client   llm.Client
	Context  *contextmgr.Manager
	Executor *toolexec.Executor
	Provider tools.Provider
	Messages storage.MessageStorage
	Runs     storage.AgentRunStorage

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	EventBuffer int
}

// Agent owns one run. Construct a fresh Agent per run; the cancellation
// flag is instance state and concurrent runs must stay independent.
type Agent struct {
	run      *models.AgentRun
	cfg      models.RunConfig
	client   llm.Client
	ctxMgr   *contextmgr.Manager
	executor *toolexec.Executor
	provider tools.Provider
	messages storage.MessageStorage
	runs     storage.AgentRunStorage

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	eventBuffer int
	cancelled   atomic.Bool
}

// New validates the wiring and builds an agent for one run.
func New(opts Options) (*Agent, error) {
	switch {
	case opts.Run == nil:
		return nil, fmt.Errorf("agent: run record is required")
	case opts.Client == nil:
		return nil, fmt.Errorf("agent: llm client is required")
	case opts.Context == nil:
		return nil, fmt.Errorf("agent: context manager is required")
	case opts.Executor == nil:
		return nil, fmt.Errorf("agent: tool executor is required")
	case opts.Provider == nil:
		return nil, fmt.Errorf("agent: tool provider is required")
	case opts.Messages == nil:
		return nil, fmt.Errorf("agent: message storage is required")
	case opts.Runs == nil:
		return nil, fmt.Errorf("agent: run storage is required")
	}
	if opts.Run.Config.Model == "" {
		return nil, fmt.Errorf("agent: run config has no model")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Agent{
		run:         opts.Run,
		cfg:         opts.Run.Config,
		client:      opts.Client,
		ctxMgr:      opts.Context,
		executor:    opts.Executor,
		provider:    opts.Provider,
		messages:    opts.Messages,
		runs:        opts.Runs,
		logger:      opts.Logger.WithFields("run_id", opts.Run.ID, "thread_id", opts.Run.ThreadID),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		eventBuffer: opts.EventBuffer,
	}, nil
}

// RunID returns the owned run's id.
func (a *Agent) RunID() string { return a.run.ID }

// Cancel requests cooperative cancellation. The loop observes the flag at
// its checkpoints; in-flight LLM or tool calls are not pre-empted.
func (a *Agent) Cancel() { a.cancelled.Store(true) }

// Run starts or continues the run with this turn's input messages and
// returns the run's event stream. The channel closes when the run reaches a
// terminal state or pauses in requires_action.
func (a *Agent) Run(ctx context.Context, initial []models.Message) <-chan models.Event {
	return a.start(ctx, initial)
}

// SubmitToolOutputs resumes a run paused in requires_action by injecting
// tool-role messages as the next turn's input. The caller is responsible
// for checking that the run is actually paused.
func (a *Agent) SubmitToolOutputs(ctx context.Context, outputs []models.Message) <-chan models.Event {
	return a.start(ctx, outputs)
}

func (a *Agent) start(ctx context.Context, pending []models.Message) <-chan models.Event {
	em := newEmitter(a.run.ID, a.run.ThreadID, a.eventBuffer, a.metrics)
	go func() {
		runCtx, span := a.tracer.Start(ctx, "agent.run",
			attribute.String("run_id", a.run.ID),
			attribute.String("thread_id", a.run.ThreadID),
			attribute.String("agent_type", a.run.AgentType))
		defer span.End()
		defer em.Close()
		a.loop(runCtx, em, pending)
	}()
	return em.ch
}

func (a *Agent) loop(ctx context.Context, em *emitter, pending []models.Message) {
	began := time.Now()
	fresh := a.run.Status == models.RunQueued || a.run.Status == ""
	prior := a.run.Status
	if err := a.setStatus(ctx, models.RunInProgress, nil); err != nil {
		a.fail(ctx, em, began, models.ErrCodeStorageError, err.Error())
		return
	}
	if fresh {
		snapshot := *a.run
		em.Emit(ctx, models.EventRunCreated, &snapshot)
	} else {
		em.Emit(ctx, models.EventRunStatusChanged, models.StatusChangeData{From: prior, To: models.RunInProgress})
	}

	turn := 0
	for {
		if a.cancelled.Load() {
			a.finishCancelled(ctx, em, began)
			return
		}
		turn++
		if turn > a.cfg.MaxToolCallContinuations+safetyMargin {
			a.fail(ctx, em, began, models.ErrCodeIterationLimit,
				fmt.Sprintf("run exceeded %d turns", a.cfg.MaxToolCallContinuations+safetyMargin))
			return
		}

		stepID := uuid.NewString()
		em.Emit(ctx, models.EventRunStepCreated, models.StepData{StepID: stepID, Turn: turn})

		persisted := make([]models.Message, 0, len(pending))
		for i := range pending {
			msg := pending[i]
			msg.ThreadID = a.run.ThreadID
			msg.RunID = a.run.ID
			msg.StepID = stepID
			saved, err := a.messages.Add(ctx, &msg)
			if err != nil {
				a.fail(ctx, em, began, models.ErrCodeStorageError, fmt.Sprintf("persist input message: %v", err))
				return
			}
			persisted = append(persisted, *saved)
			em.Emit(ctx, models.EventMessageCreated, models.MessageEventData{Message: saved})
		}
		pending = nil

		assembled, err := a.ctxMgr.Assemble(ctx, a.run.ThreadID, a.cfg.SystemPrompt, persisted)
		if err != nil {
			a.fail(ctx, em, began, models.ErrCodeStorageError, fmt.Sprintf("assemble context: %v", err))
			return
		}
		systemPrompt, outgoing := splitSystemPrefix(assembled)

		defs, err := tools.Definitions(ctx, a.provider)
		if err != nil {
			a.fail(ctx, em, began, models.ErrCodeStorageError, fmt.Sprintf("list tools: %v", err))
			return
		}
		formatted := a.client.FormatTools(defs)
		choice := a.toolChoice(len(formatted))

		shell, err := a.messages.Add(ctx, &models.Message{
			ThreadID:   a.run.ThreadID,
			Role:       models.RoleAssistant,
			InProgress: true,
			RunID:      a.run.ID,
			StepID:     stepID,
		})
		if err != nil {
			a.fail(ctx, em, began, models.ErrCodeStorageError, fmt.Sprintf("create assistant shell: %v", err))
			return
		}
		em.Emit(ctx, models.EventMessageCreated, models.MessageEventData{Message: shell})

		llmStart := time.Now()
		llmCtx, llmSpan := a.tracer.Start(ctx, "llm.generate",
			attribute.String("model", a.cfg.Model),
			attribute.Int("turn", turn))
		// The stream context is cancelled once this turn stops reading, so
		// an abandoned provider pump can always unblock and close its
		// transport.
		streamCtx, cancelStream := context.WithCancel(llmCtx)
		result, err := a.client.GenerateResponse(streamCtx, &llm.Request{
			Model:        a.cfg.Model,
			SystemPrompt: systemPrompt,
			Messages:     outgoing,
			Tools:        formatted,
			ToolChoice:   choice,
			Stream:       true,
			Temperature:  a.cfg.Temperature,
			MaxTokens:    a.cfg.MaxTokens,
		})
		if err != nil {
			cancelStream()
			a.metrics.LLMRequest(a.client.Name(), a.cfg.Model, "error", time.Since(llmStart))
			a.tracer.RecordError(llmSpan, err)
			llmSpan.End()
			a.fail(ctx, em, began, models.ErrCodeLLMError, err.Error())
			return
		}

		out := a.consumeStream(ctx, em, shell.ID, stepID, result)
		cancelStream()
		outcome := "success"
		if out.err != nil {
			outcome = "error"
		}
		a.metrics.LLMRequest(a.client.Name(), a.cfg.Model, outcome, time.Since(llmStart))
		llmSpan.End()

		if out.cancelled {
			// Keep whatever streamed before the flag was observed.
			a.persistPartial(ctx, shell.ID, out)
			a.finishCancelled(ctx, em, began)
			return
		}
		if out.err != nil {
			a.fail(ctx, em, began, codeForParseError(out.err), out.err.Message)
			return
		}

		text := out.text.String()
		final, err := a.messages.Update(ctx, shell.ID, storage.MessagePatch{
			Content:    &text,
			InProgress: boolPtr(false),
			ToolCalls:  out.calls,
		})
		if err != nil {
			a.fail(ctx, em, began, models.ErrCodeStorageError, fmt.Sprintf("finalize assistant message: %v", err))
			return
		}
		em.Emit(ctx, models.EventMessageCompleted, models.MessageEventData{Message: final})

		switch {
		case out.finish == llm.FinishToolCalls && len(out.calls) > 0:
			em.Emit(ctx, models.EventRunRequiresAction, models.RequiresActionData{PendingToolCalls: out.calls})
			if turn >= a.cfg.MaxToolCallContinuations {
				// Paused: the caller may resume via SubmitToolOutputs.
				if err := a.setStatus(ctx, models.RunRequiresAction, nil); err != nil {
					a.fail(ctx, em, began, models.ErrCodeStorageError, err.Error())
				}
				return
			}
			msgs, ok := a.executeTools(ctx, em, out.calls)
			if !ok {
				a.fail(ctx, em, began, models.ErrCodeAllToolsFailed, "tool dispatch produced no result messages")
				return
			}
			pending = msgs

		case out.finish == llm.FinishStop || out.finish == llm.FinishNone:
			a.complete(ctx, em, began, final.ID)
			return

		default:
			a.fail(ctx, em, began, models.ErrCodeFinishReason,
				fmt.Sprintf("unexpected finish reason %q", out.finish))
			return
		}
	}
}

// turnOutput accumulates one streamed turn.
type turnOutput struct {
	text      strings.Builder
	calls     []models.ToolCall
	finish    llm.FinishReason
	err       *processor.ParseError
	cancelled bool
}

func (a *Agent) consumeStream(ctx context.Context, em *emitter, messageID, stepID string, result *llm.Result) *turnOutput {
	// A dedicated cancel releases the processor goroutine if the loop
	// abandons the stream mid-way.
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &turnOutput{}
	for ev := range processor.Process(procCtx, result) {
		if a.cancelled.Load() {
			out.cancelled = true
			return out
		}
		switch ev.Type {
		case processor.EventText:
			out.text.WriteString(ev.Text)
			em.Emit(ctx, models.EventMessageDelta, models.MessageDeltaData{MessageID: messageID, Text: ev.Text})

		case processor.EventToolCall:
			call := *ev.ToolCall
			out.calls = append(out.calls, call)
			em.Emit(ctx, models.EventToolCallCreated, models.ToolCallEventData{StepID: stepID, ToolCall: call})
			em.Emit(ctx, models.EventToolCallCompletedLLM, models.ToolCallEventData{StepID: stepID, ToolCall: call})
			em.Emit(ctx, models.EventMessageDelta, models.MessageDeltaData{MessageID: messageID, ToolCall: &call})

		case processor.EventStreamEnd:
			out.finish = ev.FinishReason

		case processor.EventError:
			out.err = ev.Err
			return out
		}
	}
	if a.cancelled.Load() {
		out.cancelled = true
	}
	return out
}

func (a *Agent) executeTools(ctx context.Context, em *emitter, calls []models.ToolCall) ([]models.Message, bool) {
	ec := tools.ExecContext{
		RunID:    a.run.ID,
		ThreadID: a.run.ThreadID,
		Notify: func(typ models.EventType, data any) {
			em.Emit(ctx, typ, data)
		},
	}
	cb := toolexec.Callbacks{
		Started: func(call models.ToolCall) {
			em.Emit(ctx, models.EventToolExecStarted, models.ToolExecData{ToolCallID: call.ID, ToolName: call.Name})
		},
		Completed: func(call models.ToolCall, result *models.ToolResult) {
			em.Emit(ctx, models.EventToolExecCompleted, models.ToolExecData{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     result,
			})
			if sub := subAgentData(result); sub != nil {
				em.Emit(ctx, models.EventSubAgentCompleted, *sub)
			}
		},
	}
	results := a.executor.Execute(ctx, a.provider, calls, ec, cb)

	msgs := make([]models.Message, 0, len(results))
	for _, exec := range results {
		msgs = append(msgs, models.Message{
			Role:       models.RoleTool,
			Content:    resultContent(exec.Result),
			ToolCallID: exec.ToolCallID,
			ToolName:   exec.ToolName,
		})
	}
	return msgs, len(msgs) > 0
}

// resultContent renders a tool result for the LLM: the data payload on
// success, an error line on failure.
func resultContent(result *models.ToolResult) string {
	if result == nil {
		return "Error: tool produced no result"
	}
	if !result.Success {
		return "Error: " + result.Error
	}
	switch data := result.Data.(type) {
	case nil:
		return ""
	case string:
		return data
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(encoded)
	}
}

func subAgentData(result *models.ToolResult) *models.SubAgentData {
	if result == nil || result.Metadata == nil {
		return nil
	}
	runID, ok := result.Metadata[models.ResultMetaSubAgentRunID].(string)
	if !ok || runID == "" {
		return nil
	}
	data := &models.SubAgentData{SubAgentRunID: runID}
	if v, ok := result.Metadata[models.ResultMetaSpecialistID].(string); ok {
		data.SpecialistID = v
	}
	if v, ok := result.Metadata[models.ResultMetaSubTask].(string); ok {
		data.SubTask = v
	}
	if v, ok := result.Metadata[models.ResultMetaSubAgentStatus].(string); ok {
		data.Status = v
	}
	return data
}

func (a *Agent) persistPartial(ctx context.Context, messageID string, out *turnOutput) {
	text := out.text.String()
	if _, err := a.messages.Update(ctx, messageID, storage.MessagePatch{
		Content:    &text,
		InProgress: boolPtr(false),
		ToolCalls:  out.calls,
	}); err != nil {
		a.logger.Warn(ctx, "failed to persist partial assistant message", "error", err.Error())
	}
}

func (a *Agent) finishCancelled(ctx context.Context, em *emitter, began time.Time) {
	from := a.run.Status
	em.Emit(ctx, models.EventRunStatusChanged, models.StatusChangeData{From: from, To: models.RunCancelling})
	em.Emit(ctx, models.EventRunStatusChanged, models.StatusChangeData{From: models.RunCancelling, To: models.RunCancelled})
	now := time.Now().UTC()
	if err := a.setStatus(ctx, models.RunCancelled, &now); err != nil {
		a.logger.Warn(ctx, "failed to record cancellation", "error", err.Error())
	}
	a.metrics.RunFinished(a.run.AgentType, string(models.RunCancelled), time.Since(began))
	a.logger.Info(ctx, "run cancelled")
}

func (a *Agent) complete(ctx context.Context, em *emitter, began time.Time, finalMessageID string) {
	now := time.Now().UTC()
	if err := a.setStatus(ctx, models.RunCompleted, &now); err != nil {
		a.logger.Warn(ctx, "failed to record completion", "error", err.Error())
	}
	em.Emit(ctx, models.EventRunCompleted, models.RunCompletedData{FinalMessageID: finalMessageID})
	a.metrics.RunFinished(a.run.AgentType, string(models.RunCompleted), time.Since(began))
	a.logger.Info(ctx, "run completed")
}

func (a *Agent) fail(ctx context.Context, em *emitter, began time.Time, code, message string) {
	now := time.Now().UTC()
	status := models.RunFailed
	runErr := &models.RunError{Code: code, Message: message}
	if _, err := a.runs.Update(ctx, a.run.ID, storage.RunPatch{
		Status:      &status,
		CompletedAt: &now,
		LastError:   runErr,
	}); err != nil {
		a.logger.Warn(ctx, "failed to record failure", "error", err.Error())
	}
	a.run.Status = status
	a.run.LastError = runErr
	em.Emit(ctx, models.EventRunFailed, models.RunFailedData{Code: code, Message: message})
	a.metrics.RunFinished(a.run.AgentType, string(models.RunFailed), time.Since(began))
	a.logger.Error(ctx, "run failed", "code", code, "error", message)
}

func (a *Agent) setStatus(ctx context.Context, status models.RunStatus, completedAt *time.Time) error {
	patch := storage.RunPatch{Status: &status, CompletedAt: completedAt}
	if status == models.RunInProgress && a.run.StartedAt == nil {
		now := time.Now().UTC()
		patch.StartedAt = &now
		a.run.StartedAt = &now
	}
	if _, err := a.runs.Update(ctx, a.run.ID, patch); err != nil {
		return fmt.Errorf("update run %s to %s: %w", a.run.ID, status, err)
	}
	a.run.Status = status
	return nil
}

func (a *Agent) toolChoice(formattedCount int) llm.ToolChoice {
	if formattedCount == 0 {
		return llm.ToolChoice{Mode: llm.ToolChoiceNone}
	}
	switch a.cfg.ToolChoice {
	case "", string(llm.ToolChoiceAuto):
		return llm.ToolChoice{Mode: llm.ToolChoiceAuto}
	case string(llm.ToolChoiceNone):
		return llm.ToolChoice{Mode: llm.ToolChoiceNone}
	case string(llm.ToolChoiceRequired):
		return llm.ToolChoice{Mode: llm.ToolChoiceRequired}
	default:
		return llm.ToolChoice{Mode: llm.ToolChoiceFunction, Function: a.cfg.ToolChoice}
	}
}

func codeForParseError(err *processor.ParseError) string {
	switch err.Class {
	case processor.ClassLLMParse:
		return models.ErrCodeLLMParse
	case processor.ClassIncompleteToolCall:
		return models.ErrCodeIncompleteToolCall
	default:
		return models.ErrCodeLLMError
	}
}

// splitSystemPrefix folds leading system messages (prompt plus any summary
// marker) into one system string and returns the remaining list.
func splitSystemPrefix(assembled []models.Message) (string, []models.Message) {
	var parts []string
	i := 0
	for ; i < len(assembled); i++ {
		if assembled[i].Role != models.RoleSystem {
			break
		}
		parts = append(parts, assembled[i].Content)
	}
	return strings.Join(parts, "\n\n"), assembled[i:]
}

func boolPtr(b bool) *bool { return &b }
