package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/pkg/models"
)

// emitter pushes a run's events onto its channel with a monotonic sequence.
// Emit returns false once the consumer's context is gone; callers treat that
// as a cancellation signal.
type emitter struct {
	ch       chan models.Event
	seq      atomic.Uint64
	runID    string
	threadID string
	metrics  *observability.Metrics
}

func newEmitter(runID, threadID string, buffer int, metrics *observability.Metrics) *emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &emitter{
		ch:       make(chan models.Event, buffer),
		runID:    runID,
		threadID: threadID,
		metrics:  metrics,
	}
}

func (e *emitter) Emit(ctx context.Context, typ models.EventType, data any) bool {
	ev := models.Event{
		Type:     typ,
		Time:     time.Now().UTC(),
		Sequence: e.seq.Add(1),
		RunID:    e.runID,
		ThreadID: e.threadID,
		Data:     data,
	}
	select {
	case e.ch <- ev:
		e.metrics.EventEmitted(string(typ))
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *emitter) Close() { close(e.ch) }
