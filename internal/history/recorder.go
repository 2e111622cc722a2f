// Package history persists a snapshot of every job status transition.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/internal/logging"
	"github.com/me/renderq/internal/store"
)

// Recorder copies queue events into a Store.
type Recorder struct {
	store  store.Store
	sub    *jobs.Subscription
	logger *slog.Logger
}

// NewRecorder subscribes to q. Run must be called to drain the subscription.
func NewRecorder(q *jobs.Queue, st store.Store, buffer int, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		sub:    q.Subscribe(buffer),
		logger: logging.Component(logger, "history"),
	}
}

// Run saves a record per event until the subscription is closed (by queue
// Shutdown or Close) or ctx ends. Store errors are logged and skipped.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-r.sub.C():
			if !ok {
				r.logger.Debug("subscription closed", "dropped", r.sub.Dropped())
				return
			}
			r.save(ev)
		case <-ctx.Done():
			r.sub.Close()
			return
		}
	}
}

// Close unsubscribes from the queue.
func (r *Recorder) Close() {
	r.sub.Close()
}

func (r *Recorder) save(ev jobs.Event) {
	// The snapshot is taken now, so it is never older than ev.
	rec := ev.Job.Record()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveJob(ctx, &rec); err != nil {
		r.logger.Error("save job", "job_id", rec.ID, "status", ev.To, "error", err)
	}
}
