package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/me/renderq/internal/logging"
	"github.com/me/renderq/pkg/model"
)

// Queue is the process-wide scheduler. It keeps a priority-ordered set of
// QUEUED jobs and runs at most one job at a time. All pending-set mutation
// and the running slot are guarded by mu; work executes outside it.
type Queue struct {
	base   *slog.Logger
	logger *slog.Logger
	ctx    context.Context
	hub    *hub

	mu      sync.Mutex
	pending pendingSet
	running *Job
	runner  *Runner
	seq     uint64
	closed  bool
	live    map[string]*Job
	idle    chan struct{} // closed when the queue next becomes idle
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithBaseContext sets the context every job's work context derives from.
func WithBaseContext(ctx context.Context) QueueOption {
	return func(q *Queue) { q.ctx = ctx }
}

// NewQueue creates an idle queue. The caller owns its lifecycle and should
// call Shutdown when done.
func NewQueue(logger *slog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		base:   logging.OrDiscard(logger),
		logger: logging.Component(logger, "queue"),
		ctx:    context.Background(),
		hub:    newHub(),
		live:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit assigns priority and submission order to a CREATED job, preempts
// stale jobs sharing its control object, queues it and schedules it if the
// queue is idle. It returns without waiting for the job to run.
func (q *Queue) Submit(j *Job, priority model.Priority) error {
	if j == nil {
		return ErrNilJob
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: priority %s", ErrInvalidArgument, priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	j.mu.Lock()
	if j.status != model.JobStatusCreated {
		err := illegalTransition(j.id, j.status, model.JobStatusQueued)
		j.mu.Unlock()
		return err
	}
	q.seq++
	j.priority = priority
	j.seq = q.seq
	j.queue = q
	from, _ := j.transitionLocked(model.JobStatusQueued)
	j.mu.Unlock()
	q.publish(j, from, model.JobStatusQueued)

	if j.control != nil {
		q.preemptLocked(j)
	}

	heap.Push(&q.pending, j)
	q.live[j.id] = j
	q.logger.Info("job submitted", "job_id", j.id, "name", j.name, "priority", priority.String(), "pending", q.pending.Len())

	q.scheduleLocked()
	return nil
}

// preemptLocked cancels queued jobs and terminates the running job that share
// fresh's control object.
func (q *Queue) preemptLocked(fresh *Job) {
	for _, pj := range slices.Clone([]*Job(q.pending)) {
		if pj.control == fresh.control {
			if err := q.cancelLocked(pj); err == nil {
				q.logger.Info("stale job cancelled", "job_id", pj.id, "by", fresh.id)
			}
		}
	}
	if r := q.running; r != nil && r.control == fresh.control {
		if err := q.terminateLocked(r); err == nil {
			q.logger.Info("stale running job terminated", "job_id", r.id, "by", fresh.id)
		}
	}
}

// Cancel cancels a QUEUED job; it will never run. Cancelling a job in any
// other state is an ErrIllegalState.
func (q *Queue) Cancel(j *Job) error {
	if j == nil {
		return ErrNilJob
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOwner(j); err != nil {
		return err
	}
	if err := q.cancelLocked(j); err != nil {
		return err
	}
	q.logger.Info("job cancelled", "job_id", j.id, "name", j.name)
	q.notifyIdleLocked()
	return nil
}

func (q *Queue) cancelLocked(j *Job) error {
	if err := j.transition(model.JobStatusCancelled); err != nil {
		return err
	}
	q.pending.remove(j)
	delete(q.live, j.id)
	return nil
}

// CancelAll cancels every queued job and terminates the running job whose
// control object equals control. It returns how many jobs were affected.
func (q *Queue) CancelAll(control any) int {
	if control == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, pj := range slices.Clone([]*Job(q.pending)) {
		if pj.control == control && q.cancelLocked(pj) == nil {
			n++
		}
	}
	if r := q.running; r != nil && r.control == control && q.terminateLocked(r) == nil {
		n++
	}
	if n > 0 {
		q.logger.Info("jobs cancelled by control object", "count", n)
	}
	q.notifyIdleLocked()
	return n
}

// Terminate ends a QUEUED or RUNNING job permanently. A queued job is removed
// at once. A running job's work context is cancelled with ErrTerminated and
// its status becomes TERMINATED immediately, but the queue does not start
// another job until that work returns.
func (q *Queue) Terminate(j *Job) error {
	if j == nil {
		return ErrNilJob
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOwner(j); err != nil {
		return err
	}
	if err := q.terminateLocked(j); err != nil {
		return err
	}
	q.logger.Info("job terminated", "job_id", j.id, "name", j.name)
	q.notifyIdleLocked()
	return nil
}

func (q *Queue) terminateLocked(j *Job) error {
	j.mu.Lock()
	from, err := j.transitionLocked(model.JobStatusTerminated)
	if err == nil && from == model.JobStatusRunning {
		j.requestStopLocked(ErrTerminated)
	}
	j.mu.Unlock()
	if err != nil {
		return err
	}
	q.publish(j, from, model.JobStatusTerminated)

	if from == model.JobStatusQueued {
		q.pending.remove(j)
		delete(q.live, j.id)
	}
	return nil
}

// Suspend asks the RUNNING job to return early. If the work honours the
// request it is re-queued with its original priority and order, and its work
// function is called again when next selected.
func (q *Queue) Suspend(j *Job) error {
	if j == nil {
		return ErrNilJob
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkOwner(j); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != model.JobStatusRunning {
		return illegalTransition(j.id, j.status, model.JobStatusQueued)
	}
	j.requestStopLocked(ErrSuspended)
	q.logger.Info("job suspend requested", "job_id", j.id, "name", j.name)
	return nil
}

func (q *Queue) checkOwner(j *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.queue == nil {
		return nil // status check reports the illegal transition
	}
	if j.queue != q {
		return fmt.Errorf("%w: job %s belongs to another queue", ErrInvalidArgument, j.id)
	}
	return nil
}

// IsBusy reports whether a job is running or waiting.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busyLocked()
}

func (q *Queue) busyLocked() bool {
	return q.running != nil || q.pending.Len() > 0
}

// Running returns the job occupying the running slot, or nil. The job may
// already be TERMINATED while its work winds down.
func (q *Queue) Running() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the queued jobs in the order they will be selected.
func (q *Queue) Pending() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := slices.Clone([]*Job(q.pending))
	slices.SortFunc(out, func(a, b *Job) int {
		if runsBefore(a, b) {
			return -1
		}
		return 1
	})
	return out
}

// Lookup returns a queued or running job by ID.
func (q *Queue) Lookup(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live[id]
}

// Stats summarises the queue for observers.
type Stats struct {
	Pending  int
	Running  bool
	Finished map[model.JobStatus]int64
	Dropped  int64
}

// Stats returns current occupancy and terminal counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	st := Stats{Pending: q.pending.Len(), Running: q.running != nil}
	q.mu.Unlock()
	st.Finished, st.Dropped = q.hub.counts()
	return st
}

// Subscribe registers for status transition events. The caller must Close
// the subscription when done; Shutdown closes all of them.
func (q *Queue) Subscribe(buffer int) *Subscription {
	return q.hub.subscribe(buffer)
}

func (q *Queue) publish(j *Job, from, to model.JobStatus) {
	if q == nil {
		return
	}
	q.hub.publish(Event{Job: j, From: from, To: to, At: time.Now().UTC()})
}

// scheduleLocked starts the next job if nothing is running.
func (q *Queue) scheduleLocked() {
	if q.running != nil {
		return
	}
	for q.pending.Len() > 0 {
		next := heap.Pop(&q.pending).(*Job)
		if err := next.transition(model.JobStatusRunning); err != nil {
			q.logger.Error("skip unschedulable job", "job_id", next.id, "error", err)
			continue
		}
		r, err := NewRunner(next,
			WithParentContext(q.ctx),
			WithExitHook(q.runnerExited),
			WithRunnerLogger(q.base),
		)
		if err != nil {
			q.failUnstartedLocked(next, err)
			continue
		}
		q.running = next
		q.runner = r
		if err := r.Start(); err != nil {
			q.running, q.runner = nil, nil
			q.failUnstartedLocked(next, err)
			continue
		}
		q.logger.Info("job started", "job_id", next.id, "name", next.name, "priority", next.priority.String())
		return
	}
	q.notifyIdleLocked()
}

// failUnstartedLocked records a job that was selected but could not be
// handed to a runner as FAILED, so it does not linger in RUNNING.
func (q *Queue) failUnstartedLocked(j *Job, err error) {
	q.logger.Error("start runner", "job_id", j.id, "name", j.name, "error", err)
	j.mu.Lock()
	if j.status != model.JobStatusRunning {
		j.mu.Unlock()
		return
	}
	j.err = err
	from, _ := j.transitionLocked(model.JobStatusFailed)
	j.mu.Unlock()
	q.publish(j, from, model.JobStatusFailed)
	delete(q.live, j.id)
}

// runnerExited frees the running slot and selects the next job.
func (q *Queue) runnerExited(r *Runner, outcome Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := r.Job()
	if q.running == j {
		q.running, q.runner = nil, nil
	}

	switch {
	case outcome == OutcomeSuspended && j.Status() == model.JobStatusQueued:
		if q.closed {
			_ = q.cancelLocked(j)
			break
		}
		heap.Push(&q.pending, j)
		q.logger.Info("job re-queued after suspend", "job_id", j.id, "name", j.name)
	case j.Status().IsTerminal():
		delete(q.live, j.id)
		q.logger.Info("job finished", "job_id", j.id, "name", j.name, "outcome", outcome.String())
	}

	q.scheduleLocked()
}

func (q *Queue) notifyIdleLocked() {
	if q.idle != nil && !q.busyLocked() {
		close(q.idle)
		q.idle = nil
	}
}

// Drain blocks until no job is running or pending, or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if !q.busyLocked() {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting submissions, cancels pending jobs, terminates the
// running job and waits for its work to return. Subscriptions are closed
// once the queue is idle.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, pj := range slices.Clone([]*Job(q.pending)) {
			_ = q.cancelLocked(pj)
		}
		if r := q.running; r != nil {
			_ = q.terminateLocked(r)
		}
		q.logger.Info("queue shutting down")
	}
	q.mu.Unlock()

	if err := q.Drain(ctx); err != nil {
		return err
	}
	q.hub.close()
	return nil
}
