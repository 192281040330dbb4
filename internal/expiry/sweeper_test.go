package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/pkg/models"
)

func addRun(t *testing.T, runs storage.AgentRunStorage, status models.RunStatus, expiresAt *time.Time) *models.AgentRun {
	t.Helper()
	run, err := runs.Create(context.Background(), &models.AgentRun{
		ThreadID:  "t1",
		AgentType: "base",
		Status:    status,
		Config:    models.RunConfig{Model: "test-model"},
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestSweepExpiresOverdueLiveRuns(t *testing.T) {
	runs := storage.NewMemoryStore().Runs()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	overdue := addRun(t, runs, models.RunInProgress, &past)
	paused := addRun(t, runs, models.RunRequiresAction, &past)
	notYet := addRun(t, runs, models.RunInProgress, &future)
	done := addRun(t, runs, models.RunCompleted, &past)
	noDeadline := addRun(t, runs, models.RunInProgress, nil)

	s := NewSweeper(runs, nil)
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expired %d runs, want 2", n)
	}

	wantStatus := map[string]models.RunStatus{
		overdue.ID:    models.RunExpired,
		paused.ID:     models.RunExpired,
		notYet.ID:     models.RunInProgress,
		done.ID:       models.RunCompleted,
		noDeadline.ID: models.RunInProgress,
	}
	for id, want := range wantStatus {
		got, err := runs.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != want {
			t.Errorf("run %s status = %s, want %s", id, got.Status, want)
		}
	}

	expired, _ := runs.Get(context.Background(), overdue.ID)
	if expired.CompletedAt == nil {
		t.Error("expired run has no completion time")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(storage.NewMemoryStore().Runs(), nil)
	if err := s.Start(context.Background(), "not a cron line"); err == nil {
		t.Error("expected schedule parse error")
	}
}
