// Package expiry periodically flips overdue, non-terminal agent runs to the
// expired status.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/pkg/models"
)

// Sweeper runs on a cron schedule and expires runs whose ExpiresAt has
// passed while they are still live.
type Sweeper struct {
	runs   storage.AgentRunStorage
	logger *observability.Logger
	cron   *cron.Cron
}

// NewSweeper builds a sweeper; call Start to schedule it.
func NewSweeper(runs storage.AgentRunStorage, logger *observability.Logger) *Sweeper {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sweeper{runs: runs, logger: logger, cron: cron.New()}
}

// Start schedules Sweep on the given cron expression (standard five-field
// syntax) and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn(ctx, "expiry sweep failed", "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("expiry: bad schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for an in-flight sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep expires every overdue live run and returns how many were flipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	overdue, err := s.runs.List(ctx, storage.RunFilter{
		Statuses: []models.RunStatus{
			models.RunQueued,
			models.RunInProgress,
			models.RunRequiresAction,
			models.RunCancelling,
		},
		ExpiredBefore: now,
	})
	if err != nil {
		return 0, fmt.Errorf("expiry: list runs: %w", err)
	}

	expired := 0
	status := models.RunExpired
	for _, run := range overdue {
		if _, err := s.runs.Update(ctx, run.ID, storage.RunPatch{
			Status:      &status,
			CompletedAt: &now,
		}); err != nil {
			s.logger.Warn(ctx, "failed to expire run", "run_id", run.ID, "error", err.Error())
			continue
		}
		expired++
		s.logger.Info(ctx, "run expired", "run_id", run.ID, "thread_id", run.ThreadID)
	}
	return expired, nil
}
