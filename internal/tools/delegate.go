package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/pkg/models"
)

// DelegateToolName is the tool a planning agent uses to hand a sub-task to
// a specialist.
const DelegateToolName = "delegateToSpecialistAgent"

// continuationDecrement is how much head-room a worker loses relative to
// its parent, so nested delegation bottoms out.
const continuationDecrement = 2

// StatusStoppedRequiringAction marks a worker that paused for external
// action, which a delegated run cannot satisfy.
const StatusStoppedRequiringAction = "stopped_requiring_action"

// WorkerSpec describes one isolated sub-agent run. Messages is a private
// store for the worker; its events are consumed by the runner, not merged
// into the parent's stream.
type WorkerSpec struct {
	SpecialistID string
	Thread       *models.Thread
	Provider     Provider
	Messages     storage.MessageStorage
	Config       models.RunConfig
	Input        []models.Message
}

// WorkerOutcome is the terminal state of a worker run.
type WorkerOutcome struct {
	RunID        string
	Status       models.RunStatus
	FinalText    string
	ErrorMessage string
}

// WorkerRunner drives a worker agent to completion. Injected by the caller
// so this package stays free of the run-loop dependency.
type WorkerRunner func(ctx context.Context, spec WorkerSpec) (*WorkerOutcome, error)

// delegateArguments is reflected into the delegate tool's parameter schema.
type delegateArguments struct {
	SpecialistID         string `json:"specialistId" jsonschema:"description=Identifier of the specialist toolset to delegate to"`
	SubTaskDescription   string `json:"subTaskDescription" jsonschema:"description=Complete and self-contained description of the sub-task"`
	RequiredOutputFormat string `json:"requiredOutputFormat,omitempty" jsonschema:"description=Optional format the specialist's answer must follow"`
}

// DelegateTool spawns an isolated specialist run and returns its final
// output as a tool result.
type DelegateTool struct {
	orch       Orchestrator
	threads    storage.ThreadStorage
	runner     WorkerRunner
	baseConfig models.RunConfig
	def        models.ToolDefinition
}

// NewDelegateTool wires the delegation tool for one parent run's config.
func NewDelegateTool(orch Orchestrator, threads storage.ThreadStorage, baseConfig models.RunConfig, runner WorkerRunner) *DelegateTool {
	return &DelegateTool{
		orch:       orch,
		threads:    threads,
		runner:     runner,
		baseConfig: baseConfig,
		def:        delegateDefinition(),
	}
}

func delegateDefinition() models.ToolDefinition {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	reflected := reflector.Reflect(&delegateArguments{})
	props := schemaProperties(reflected)

	return models.ToolDefinition{
		Name: DelegateToolName,
		Description: "Delegate a focused sub-task to a specialist agent that has access " +
			"to the named toolset. Returns the specialist's final answer.",
		Parameters: []models.ToolParameter{
			{Name: "specialistId", Type: "string", Required: true,
				Description: "Identifier of the specialist toolset to delegate to", Schema: props["specialistId"]},
			{Name: "subTaskDescription", Type: "string", Required: true,
				Description: "Complete and self-contained description of the sub-task", Schema: props["subTaskDescription"]},
			{Name: "requiredOutputFormat", Type: "string", Required: false,
				Description: "Optional format the specialist's answer must follow", Schema: props["requiredOutputFormat"]},
		},
	}
}

func (d *DelegateTool) Definition() models.ToolDefinition { return d.def }

func (d *DelegateTool) Execute(ctx context.Context, args json.RawMessage, ec ExecContext) (*models.ToolResult, error) {
	var parsed struct {
		SpecialistID         string `json:"specialistId"`
		SubTaskDescription   string `json:"subTaskDescription"`
		RequiredOutputFormat string `json:"requiredOutputFormat"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("delegate arguments are not valid JSON: %w", err)
	}

	meta := map[string]any{
		models.ResultMetaSpecialistID: parsed.SpecialistID,
		models.ResultMetaSubTask:      parsed.SubTaskDescription,
	}

	provider, ok, err := d.orch.ToolSet(ctx, parsed.SpecialistID)
	if err != nil {
		return failure(meta, fmt.Sprintf("lookup specialist %q: %v", parsed.SpecialistID, err)), nil
	}
	if !ok {
		return failure(meta, fmt.Sprintf("unknown specialist %q", parsed.SpecialistID)), nil
	}

	if ec.Notify != nil {
		ec.Notify(models.EventSubAgentStarted, models.SubAgentData{
			SpecialistID: parsed.SpecialistID,
			SubTask:      parsed.SubTaskDescription,
		})
	}

	thread, err := d.threads.Create(ctx, &models.Thread{
		Title: "delegated: " + parsed.SpecialistID,
		Metadata: map[string]any{
			"parentRunId":      ec.RunID,
			"parentThreadId":   ec.ThreadID,
			"specialistId":     parsed.SpecialistID,
			"parentToolCallId": ec.ToolCallID,
		},
	})
	if err != nil {
		return failure(meta, fmt.Sprintf("create worker thread: %v", err)), nil
	}

	outcome, err := d.runner(ctx, WorkerSpec{
		SpecialistID: parsed.SpecialistID,
		Thread:       thread,
		Provider:     provider,
		Messages:     storage.NewMemoryStore().Messages(),
		Config:       d.workerConfig(parsed.SpecialistID, parsed.RequiredOutputFormat),
		Input: []models.Message{{
			Role:    models.RoleUser,
			Content: parsed.SubTaskDescription,
		}},
	})
	if err != nil {
		return failure(meta, fmt.Sprintf("worker run: %v", err)), nil
	}

	meta[models.ResultMetaSubAgentRunID] = outcome.RunID
	switch outcome.Status {
	case models.RunCompleted:
		meta[models.ResultMetaSubAgentStatus] = string(models.RunCompleted)
		return &models.ToolResult{Success: true, Data: outcome.FinalText, Metadata: meta}, nil
	case models.RunRequiresAction:
		meta[models.ResultMetaSubAgentStatus] = StatusStoppedRequiringAction
		return &models.ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("specialist %q stopped requiring external action", parsed.SpecialistID),
			Metadata: meta,
		}, nil
	default:
		meta[models.ResultMetaSubAgentStatus] = string(outcome.Status)
		msg := outcome.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("specialist run ended in status %s", outcome.Status)
		}
		return &models.ToolResult{Success: false, Error: msg, Metadata: meta}, nil
	}
}

// workerConfig derives the specialist's run configuration from the parent's.
func (d *DelegateTool) workerConfig(specialistID, outputFormat string) models.RunConfig {
	cfg := d.baseConfig
	cfg.Variant = models.VariantBase
	cfg.ToolChoice = ""

	continuations := cfg.MaxToolCallContinuations - continuationDecrement
	if continuations < 0 {
		continuations = 0
	}
	cfg.MaxToolCallContinuations = continuations

	var b strings.Builder
	fmt.Fprintf(&b, "You are a specialist agent with access to the %q toolset. ", specialistID)
	b.WriteString("Complete the assigned sub-task using your tools and reply with the result. ")
	b.WriteString("Be direct; do not ask the requester questions.")
	if outputFormat != "" {
		b.WriteString("\n\nYour final answer must follow this format: ")
		b.WriteString(outputFormat)
	}
	cfg.SystemPrompt = b.String()
	return cfg
}

func failure(meta map[string]any, msg string) *models.ToolResult {
	return &models.ToolResult{Success: false, Error: msg, Metadata: meta}
}
