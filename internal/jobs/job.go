package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/renderq/pkg/model"
)

// DefaultProgressPercent is reported until the work supplies a better estimate.
const DefaultProgressPercent = 50

// Progress receives progress estimates from running work.
type Progress interface {
	Report(percent int, message string)
}

// WorkFunc performs a job's work synchronously. Any goroutines it starts must
// be joined before it returns. It may be called more than once if the job is
// suspended and later resumed.
type WorkFunc func(ctx context.Context, p Progress) error

// Job is a unit of schedulable work. A Job is created in CREATED state and
// handed to a Queue with Submit; after that only the queue and its runner
// change its status.
type Job struct {
	id        string
	name      string
	work      WorkFunc
	control   any
	createdAt time.Time

	mu               sync.Mutex
	status           model.JobStatus
	priority         model.Priority
	seq              uint64
	percent          int
	message          string
	err              error
	attempts         int
	startedAt        time.Time
	finishedAt       time.Time
	queue            *Queue
	cancelWork       context.CancelCauseFunc
	executing        bool
	suspendRequested bool
	done             chan struct{}
	doneClosed       bool

	// heapIndex is owned by the queue and guarded by Queue.mu.
	heapIndex int
}

// Option configures a Job at construction.
type Option func(*Job)

// WithControl sets the control object. Jobs sharing a control object target
// the same logical resource; submitting a newer one preempts the stale one.
// The value must be comparable.
func WithControl(obj any) Option {
	return func(j *Job) { j.control = obj }
}

// WithID overrides the generated job ID.
func WithID(id string) Option {
	return func(j *Job) { j.id = id }
}

// New creates a job in CREATED state.
func New(name string, work WorkFunc, opts ...Option) (*Job, error) {
	if work == nil {
		return nil, fmt.Errorf("%w: job %q has no work function", ErrInvalidArgument, name)
	}
	j := &Job{
		id:        "job_" + uuid.New().String(),
		name:      name,
		work:      work,
		createdAt: time.Now().UTC(),
		status:    model.JobStatusCreated,
		percent:   DefaultProgressPercent,
		done:      make(chan struct{}),
		heapIndex: -1,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.control != nil && !reflect.TypeOf(j.control).Comparable() {
		return nil, fmt.Errorf("%w: control object of type %T is not comparable", ErrInvalidArgument, j.control)
	}
	return j, nil
}

// ID returns the job's unique identifier.
func (j *Job) ID() string { return j.id }

// Name returns the diagnostic name given at construction.
func (j *Job) Name() string { return j.name }

// CreateTime returns when the job was constructed.
func (j *Job) CreateTime() time.Time { return j.createdAt }

// ControlObject returns the identity token used for preemption, or nil.
func (j *Job) ControlObject() any { return j.control }

// Status returns the current status.
func (j *Job) Status() model.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Priority returns the priority assigned at submission, or PriorityUnset.
func (j *Job) Priority() model.Priority {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priority
}

// ProgressPercent returns the latest percent estimate.
func (j *Job) ProgressPercent() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.percent
}

// ProgressString returns the latest human-readable progress message.
func (j *Job) ProgressString() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.message
}

// Err returns the exact error the work function failed with, if FAILED.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Attempts returns how many times the work function has been invoked.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Report implements Progress. Percent is clamped to 0..100.
func (j *Job) Report(percent int, message string) {
	percent = max(0, min(100, percent))
	j.mu.Lock()
	j.percent = percent
	j.message = message
	j.mu.Unlock()
}

// Done is closed once the job is terminal and its work is no longer executing.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until Done is closed or ctx ends, and returns the final status.
func (j *Job) Wait(ctx context.Context) (model.JobStatus, error) {
	select {
	case <-j.done:
		return j.Status(), nil
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

// Cancel cancels a QUEUED job through its queue.
func (j *Job) Cancel() error {
	q, err := j.owner(model.JobStatusCancelled)
	if err != nil {
		return err
	}
	return q.Cancel(j)
}

// Terminate terminates a QUEUED or RUNNING job through its queue.
func (j *Job) Terminate() error {
	q, err := j.owner(model.JobStatusTerminated)
	if err != nil {
		return err
	}
	return q.Terminate(j)
}

// Suspend asks a RUNNING job to return and be re-queued.
func (j *Job) Suspend() error {
	q, err := j.owner(model.JobStatusQueued)
	if err != nil {
		return err
	}
	return q.Suspend(j)
}

// Record returns a snapshot of the job for persistence and display.
func (j *Job) Record() model.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := model.JobRecord{
		ID:              j.id,
		Name:            j.name,
		Priority:        j.priority,
		Status:          j.status,
		ProgressPercent: j.percent,
		ProgressString:  j.message,
		Attempts:        j.attempts,
		CreatedAt:       j.createdAt,
	}
	if j.err != nil {
		rec.Error = j.err.Error()
	}
	if !j.startedAt.IsZero() {
		started := j.startedAt
		rec.StartedAt = &started
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		rec.FinishedAt = &finished
		if !j.startedAt.IsZero() {
			rec.Duration = j.finishedAt.Sub(j.startedAt).String()
		}
	}
	return rec
}

func (j *Job) owner(to model.JobStatus) (*Queue, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.queue == nil {
		return nil, illegalTransition(j.id, j.status, to)
	}
	return j.queue, nil
}

// transitionLocked moves the job to status to. Caller holds j.mu.
func (j *Job) transitionLocked(to model.JobStatus) (model.JobStatus, error) {
	from := j.status
	if !from.CanTransitionTo(to) {
		return from, illegalTransition(j.id, from, to)
	}
	j.status = to
	if to.IsTerminal() {
		j.finishedAt = time.Now().UTC()
	}
	j.closeDoneLocked()
	return from, nil
}

// closeDoneLocked closes done if the job is terminal and idle.
func (j *Job) closeDoneLocked() {
	if j.doneClosed || !j.status.IsTerminal() || j.executing {
		return
	}
	j.doneClosed = true
	close(j.done)
}

// transition applies a status change and publishes it.
func (j *Job) transition(to model.JobStatus) error {
	j.mu.Lock()
	from, err := j.transitionLocked(to)
	q := j.queue
	j.mu.Unlock()
	if err != nil {
		return err
	}
	q.publish(j, from, to)
	return nil
}

// requestStopLocked cancels the running work with cause, or remembers the
// request if the work has not started yet. Caller holds j.mu.
func (j *Job) requestStopLocked(cause error) {
	if errors.Is(cause, ErrSuspended) {
		j.suspendRequested = true
	}
	if j.cancelWork != nil {
		j.cancelWork(cause)
	}
}

// beginWork prepares the context for one invocation of the work function.
func (j *Job) beginWork(parent context.Context) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelWork = cancel
	j.executing = true
	j.attempts++
	if j.startedAt.IsZero() {
		j.startedAt = time.Now().UTC()
	}
	switch {
	case j.status == model.JobStatusTerminated:
		cancel(ErrTerminated)
	case j.suspendRequested:
		cancel(ErrSuspended)
	}
	return ctx, cancel
}

// endWork translates the work function's return into a status transition.
func (j *Job) endWork(ctx context.Context, workErr error) Outcome {
	j.mu.Lock()
	j.executing = false
	j.cancelWork = nil
	suspended := j.suspendRequested
	j.suspendRequested = false

	var (
		outcome Outcome
		to      model.JobStatus
	)
	switch {
	case j.status != model.JobStatusRunning:
		// Terminated while executing; the status is already final.
		j.closeDoneLocked()
		j.mu.Unlock()
		return OutcomeTerminated
	case workErr == nil:
		outcome, to = OutcomeComplete, model.JobStatusComplete
		j.percent = 100
	case suspended && stoppedBy(ctx, workErr, ErrSuspended):
		outcome, to = OutcomeSuspended, model.JobStatusQueued
	default:
		outcome, to = OutcomeFailed, model.JobStatusFailed
		j.err = workErr
	}
	from, _ := j.transitionLocked(to)
	q := j.queue
	j.mu.Unlock()

	q.publish(j, from, to)
	return outcome
}

// stoppedBy reports whether err is the work's reaction to a stop with cause.
func stoppedBy(ctx context.Context, err, cause error) bool {
	if errors.Is(err, cause) {
		return true
	}
	return errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), cause)
}
