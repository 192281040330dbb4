package interaction

import (
	"context"
	"fmt"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/contextmgr"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

// runWorker drives a delegated specialist run to its end, consuming its
// event stream internally. The worker writes messages to its own isolated
// store but shares the run-record store, so the parent's metadata can
// reference the sub-run id.
func (m *Manager) runWorker(ctx context.Context, spec tools.WorkerSpec) (*tools.WorkerOutcome, error) {
	run, err := m.runs.Create(ctx, &models.AgentRun{
		ThreadID:  spec.Thread.ID,
		AgentType: "specialist:" + spec.SpecialistID,
		Status:    models.RunQueued,
		Config:    spec.Config,
		Metadata:  map[string]any{"specialistId": spec.SpecialistID},
	})
	if err != nil {
		return nil, fmt.Errorf("create worker run: %w", err)
	}

	workerCtx, err := contextmgr.New(m.cfg.Context, spec.Messages, m.client, m.logger, m.metrics)
	if err != nil {
		return nil, fmt.Errorf("worker context manager: %w", err)
	}

	ag, err := agent.New(agent.Options{
		Run:         run,
		Client:      m.client,
		Context:     workerCtx,
		Executor:    m.executor,
		Provider:    spec.Provider,
		Messages:    spec.Messages,
		Runs:        m.runs,
		Logger:      m.logger.WithFields("specialist", spec.SpecialistID),
		Metrics:     m.metrics,
		Tracer:      m.tracer,
		EventBuffer: m.cfg.EventBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("build worker agent: %w", err)
	}

	var finalText string
	for ev := range ag.Run(ctx, spec.Input) {
		if ev.Type != models.EventMessageCompleted {
			continue
		}
		data, ok := ev.Data.(models.MessageEventData)
		if ok && data.Message != nil && data.Message.Role == models.RoleAssistant && data.Message.Content != "" {
			finalText = data.Message.Content
		}
	}

	record, err := m.runs.Get(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("read worker run record: %w", err)
	}
	outcome := &tools.WorkerOutcome{
		RunID:     record.ID,
		Status:    record.Status,
		FinalText: finalText,
	}
	if record.LastError != nil {
		outcome.ErrorMessage = record.LastError.Message
	}
	m.metrics.SubAgentRun(spec.SpecialistID, string(record.Status))
	return outcome, nil
}
