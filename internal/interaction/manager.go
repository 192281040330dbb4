// Package interaction decides which agent class runs per configured mode,
// owns the tool-provider graph, and maintains AgentRun records around the
// run loop.
package interaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/contextmgr"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/toolexec"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

// Mode selects the interaction pattern.
type Mode string

const (
	ModeGenericOpenAPI      Mode = "genericOpenApi"
	ModeHierarchicalPlanner Mode = "hierarchicalPlanner"
	ModeToolsetsRouter      Mode = "toolsetsRouter"
)

// Config holds the per-deployment settings of one manager.
type Config struct {
	Mode             Mode
	DefaultRunConfig models.RunConfig
	Context          contextmgr.Config
	Executor         toolexec.Config
	EventBuffer      int
}

// Options wires the manager's dependencies. Threads, Messages, Runs, and
// Client are required; GenericProvider or Orchestrator per mode.
type Options struct {
	Config Config
	Client llm.Client

	Threads  storage.ThreadStorage
	Messages storage.MessageStorage
	Runs     storage.AgentRunStorage

	// GenericProvider serves genericOpenApi mode. Built externally, usually
	// from an OpenAPI document; opaque here.
	GenericProvider tools.Provider

	// Orchestrator serves hierarchicalPlanner and toolsetsRouter modes.
	Orchestrator tools.Orchestrator

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Manager is the outward-facing entry point for starting, continuing, and
// cancelling agent runs.
type Manager struct {
	cfg      Config
	client   llm.Client
	threads  storage.ThreadStorage
	messages storage.MessageStorage
	runs     storage.AgentRunStorage

	genericProvider tools.Provider
	orchestrator    tools.Orchestrator

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	executor *toolexec.Executor
	ctxMgr   *contextmgr.Manager

	mu              sync.RWMutex
	masterProvider  tools.Provider // hierarchicalPlanner: every toolset flattened
	routerProvider  tools.Provider // toolsetsRouter: the single router tool
	availableSets   []string
	active          map[string]*agent.Agent
}

// New validates mode wiring, builds the shared components, and initializes
// the tool-provider graph.
func New(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("interaction: llm client is required")
	}
	if opts.Threads == nil || opts.Messages == nil || opts.Runs == nil {
		return nil, fmt.Errorf("interaction: thread, message, and run storage are required")
	}
	if opts.Config.DefaultRunConfig.Model == "" {
		return nil, fmt.Errorf("interaction: default run config has no model")
	}
	switch opts.Config.Mode {
	case ModeGenericOpenAPI:
		if opts.GenericProvider == nil {
			return nil, fmt.Errorf("interaction: %s mode requires a tool provider", opts.Config.Mode)
		}
	case ModeHierarchicalPlanner, ModeToolsetsRouter:
		if opts.Orchestrator == nil {
			return nil, fmt.Errorf("interaction: %s mode requires a toolset orchestrator", opts.Config.Mode)
		}
	default:
		return nil, fmt.Errorf("interaction: unknown mode %q", opts.Config.Mode)
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	ctxMgr, err := contextmgr.New(opts.Config.Context, opts.Messages, opts.Client, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("interaction: %w", err)
	}

	m := &Manager{
		cfg:             opts.Config,
		client:          opts.Client,
		threads:         opts.Threads,
		messages:        opts.Messages,
		runs:            opts.Runs,
		genericProvider: opts.GenericProvider,
		orchestrator:    opts.Orchestrator,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		executor:        toolexec.New(opts.Config.Executor, opts.Logger, opts.Metrics),
		ctxMgr:          ctxMgr,
		active:          map[string]*agent.Agent{},
	}
	if err := m.initProviders(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// initProviders (re)builds the mode's provider graph. Called at
// construction and again after a credential rotation.
func (m *Manager) initProviders(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.cfg.Mode {
	case ModeGenericOpenAPI:
		if init, ok := m.genericProvider.(tools.Initializer); ok {
			if err := init.EnsureInitialized(ctx); err != nil {
				return fmt.Errorf("interaction: initialize tool provider: %w", err)
			}
		}

	case ModeHierarchicalPlanner:
		master, err := tools.Aggregate(ctx, m.orchestrator)
		if err != nil {
			return fmt.Errorf("interaction: aggregate toolsets: %w", err)
		}
		ids, err := m.orchestrator.ToolSetIDs(ctx)
		if err != nil {
			return fmt.Errorf("interaction: list toolsets: %w", err)
		}
		m.masterProvider = master
		m.availableSets = ids

	case ModeToolsetsRouter:
		m.routerProvider = tools.NewStaticProvider(tools.NewRouterTool(m.orchestrator))
	}
	return nil
}

// StartAgentRun creates a run on the thread and starts it with the given
// input. When threadID is empty a new thread is created. overrides, when
// non-nil, replaces the default run configuration field-for-field where set.
func (m *Manager) StartAgentRun(ctx context.Context, threadID string, input []models.Message, overrides *models.RunConfig) (<-chan models.Event, error) {
	if threadID == "" {
		thread, err := m.threads.Create(ctx, &models.Thread{})
		if err != nil {
			return nil, fmt.Errorf("interaction: create thread: %w", err)
		}
		threadID = thread.ID
	} else if _, err := m.threads.Get(ctx, threadID); err != nil {
		return nil, fmt.Errorf("interaction: thread %s: %w", threadID, err)
	}

	cfg, provider, agentType := m.resolveRun(overrides)

	run, err := m.runs.Create(ctx, &models.AgentRun{
		ThreadID:  threadID,
		AgentType: agentType,
		Status:    models.RunQueued,
		Config:    cfg,
		Metadata:  map[string]any{"mode": string(m.cfg.Mode)},
	})
	if err != nil {
		return nil, fmt.Errorf("interaction: create run: %w", err)
	}

	ag, err := m.buildAgent(run, provider)
	if err != nil {
		return nil, err
	}
	return m.monitor(ctx, ag, ag.Run(ctx, input)), nil
}

// ContinueAgentRunWithToolOutputs resumes a run paused in requires_action
// with externally produced tool results.
func (m *Manager) ContinueAgentRunWithToolOutputs(ctx context.Context, runID, threadID string, outputs []models.Message) (<-chan models.Event, error) {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("interaction: run %s: %w", runID, err)
	}
	if run.ThreadID != threadID {
		return nil, fmt.Errorf("interaction: run %s belongs to thread %s, not %s", runID, run.ThreadID, threadID)
	}
	if run.Status != models.RunRequiresAction {
		return nil, fmt.Errorf("interaction: run %s is %s, not %s", runID, run.Status, models.RunRequiresAction)
	}

	provider := m.providerForVariant(run.Config.Variant)
	ag, err := m.buildAgent(run, provider)
	if err != nil {
		return nil, err
	}
	return m.monitor(ctx, ag, ag.SubmitToolOutputs(ctx, outputs)), nil
}

// CancelRun flags a live run for cooperative cancellation.
func (m *Manager) CancelRun(runID string) error {
	m.mu.RLock()
	ag, ok := m.active[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("interaction: run %s is not active", runID)
	}
	ag.Cancel()
	return nil
}

// UpdateAuthentication rotates per-source credentials on the provider
// graph. A genuine change forces re-initialization.
func (m *Manager) UpdateAuthentication(ctx context.Context, creds map[string]string) error {
	changed := false
	if receiver, ok := m.genericProvider.(tools.CredentialReceiver); ok {
		changed = receiver.UpdateCredentials(creds) || changed
	}
	if receiver, ok := m.orchestrator.(tools.CredentialReceiver); ok {
		changed = receiver.UpdateCredentials(creds) || changed
	}
	if !changed {
		return nil
	}
	m.logger.Info(ctx, "credentials rotated, re-initializing tool providers")
	return m.initProviders(ctx)
}

// resolveRun merges overrides into the default config and picks the
// provider and agent type for a fresh run.
func (m *Manager) resolveRun(overrides *models.RunConfig) (models.RunConfig, tools.Provider, string) {
	cfg := m.cfg.DefaultRunConfig
	explicitVariant := false
	if overrides != nil {
		if overrides.Model != "" {
			cfg.Model = overrides.Model
		}
		if overrides.Temperature != 0 {
			cfg.Temperature = overrides.Temperature
		}
		if overrides.MaxTokens != 0 {
			cfg.MaxTokens = overrides.MaxTokens
		}
		if overrides.SystemPrompt != "" {
			cfg.SystemPrompt = overrides.SystemPrompt
		}
		if overrides.MaxToolCallContinuations != 0 {
			cfg.MaxToolCallContinuations = overrides.MaxToolCallContinuations
		}
		if overrides.ExecutionStrategy != "" {
			cfg.ExecutionStrategy = overrides.ExecutionStrategy
		}
		if overrides.ToolChoice != "" {
			cfg.ToolChoice = overrides.ToolChoice
		}
		if overrides.Variant != "" {
			cfg.Variant = overrides.Variant
			explicitVariant = true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.cfg.Mode {
	case ModeGenericOpenAPI:
		cfg.Variant = models.VariantBase
		if cfg.SystemPrompt == "" {
			cfg.SystemPrompt = genericSystemPrompt
		}
		return cfg, m.genericProvider, "base"

	case ModeHierarchicalPlanner:
		if explicitVariant && cfg.Variant != models.VariantPlanner {
			// User pinned a class: run it against everything at once.
			if cfg.SystemPrompt == "" {
				cfg.SystemPrompt = fallbackSystemPrompt
			}
			return cfg, m.masterProvider, string(cfg.Variant)
		}
		cfg.Variant = models.VariantPlanner
		if cfg.SystemPrompt == "" {
			cfg.SystemPrompt = plannerSystemPrompt(m.availableSets)
		}
		delegate := tools.NewDelegateTool(m.orchestrator, m.threads, cfg, m.runWorker)
		return cfg, tools.NewStaticProvider(delegate), "planner"

	default: // ModeToolsetsRouter
		cfg.Variant = models.VariantBase
		if cfg.SystemPrompt == "" {
			cfg.SystemPrompt = routerSystemPrompt(m.availableToolsets())
		}
		return cfg, m.routerProvider, "base"
	}
}

func (m *Manager) availableToolsets() []string {
	if m.orchestrator == nil {
		return nil
	}
	ids, err := m.orchestrator.ToolSetIDs(context.Background())
	if err != nil {
		return nil
	}
	return ids
}

func (m *Manager) providerForVariant(variant models.AgentVariant) tools.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.cfg.Mode {
	case ModeGenericOpenAPI:
		return m.genericProvider
	case ModeToolsetsRouter:
		return m.routerProvider
	default:
		if variant == models.VariantPlanner {
			delegate := tools.NewDelegateTool(m.orchestrator, m.threads, m.cfg.DefaultRunConfig, m.runWorker)
			return tools.NewStaticProvider(delegate)
		}
		return m.masterProvider
	}
}

func (m *Manager) buildAgent(run *models.AgentRun, provider tools.Provider) (*agent.Agent, error) {
	ag, err := agent.New(agent.Options{
		Run:         run,
		Client:      m.client,
		Context:     m.ctxMgr,
		Executor:    m.executor,
		Provider:    provider,
		Messages:    m.messages,
		Runs:        m.runs,
		Logger:      m.logger,
		Metrics:     m.metrics,
		Tracer:      m.tracer,
		EventBuffer: m.cfg.EventBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("interaction: %w", err)
	}
	m.mu.Lock()
	m.active[run.ID] = ag
	m.mu.Unlock()
	return ag, nil
}

// monitor forwards the agent's events to the caller and, after the stream
// ends, forces a failsafe terminal state onto any run record the loop left
// dangling in a non-terminal, non-paused status.
func (m *Manager) monitor(ctx context.Context, ag *agent.Agent, in <-chan models.Event) <-chan models.Event {
	out := make(chan models.Event, m.cfg.EventBuffer+1)
	go func() {
		defer close(out)
		for ev := range in {
			out <- ev
		}

		m.mu.Lock()
		delete(m.active, ag.RunID())
		m.mu.Unlock()

		run, err := m.runs.Get(ctx, ag.RunID())
		if err != nil {
			m.logger.Warn(ctx, "failsafe check failed", "run_id", ag.RunID(), "error", err.Error())
			return
		}
		if run.Status.Terminal() || run.Status == models.RunRequiresAction {
			return
		}
		status := models.RunFailed
		now := time.Now().UTC()
		if _, err := m.runs.Update(ctx, run.ID, storage.RunPatch{
			Status:      &status,
			CompletedAt: &now,
			LastError: &models.RunError{
				Code:    models.ErrCodeAbnormalTermination,
				Message: fmt.Sprintf("run ended while still %s", run.Status),
			},
		}); err != nil {
			m.logger.Warn(ctx, "failsafe update failed", "run_id", run.ID, "error", err.Error())
			return
		}
		out <- models.Event{
			Type:     models.EventRunFailed,
			Time:     now,
			RunID:    run.ID,
			ThreadID: run.ThreadID,
			Data: models.RunFailedData{
				Code:    models.ErrCodeAbnormalTermination,
				Message: fmt.Sprintf("run ended while still %s", run.Status),
			},
		}
		m.logger.Error(ctx, "run terminated abnormally", "run_id", run.ID, "status", string(run.Status))
	}()
	return out
}
