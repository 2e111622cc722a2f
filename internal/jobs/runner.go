package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/me/renderq/internal/logging"
	"github.com/me/renderq/pkg/model"
)

// Outcome describes how one invocation of a job's work ended.
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeFailed
	OutcomeSuspended
	OutcomeTerminated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeFailed:
		return "failed"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeTerminated:
		return "terminated"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Runner executes exactly one job's work function on a dedicated goroutine.
type Runner struct {
	job     *Job
	parent  context.Context
	onExit  func(*Runner, Outcome)
	logger  *slog.Logger
	started atomic.Bool
	done    chan struct{}
	outcome Outcome
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExitHook registers fn to be called on the runner goroutine after the
// job's status has been updated and before Wait returns.
func WithExitHook(fn func(*Runner, Outcome)) RunnerOption {
	return func(r *Runner) { r.onExit = fn }
}

// WithParentContext sets the context the work's context is derived from.
func WithParentContext(ctx context.Context) RunnerOption {
	return func(r *Runner) { r.parent = ctx }
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a runner for job. A nil job is rejected and no goroutine
// is created.
func NewRunner(job *Job, opts ...RunnerOption) (*Runner, error) {
	if job == nil {
		return nil, ErrNilJob
	}
	r := &Runner{
		job:    job,
		parent: context.Background(),
		logger: logging.Discard(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "runner").With("job_id", job.id, "name", job.name)
	return r, nil
}

// Job returns the job this runner executes.
func (r *Runner) Job() *Job { return r.job }

// Start begins executing the job's work on a new goroutine and returns
// immediately. A runner can be started once, and only for a RUNNING job.
func (r *Runner) Start() error {
	if s := r.job.Status(); s != model.JobStatusRunning {
		return fmt.Errorf("%w: cannot run job %s in state %s", ErrIllegalState, r.job.id, s)
	}
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: runner for %s already started", ErrIllegalState, r.job.id)
	}
	go r.run()
	return nil
}

// Wait blocks until the runner goroutine has ended.
func (r *Runner) Wait() { <-r.done }

// Done is closed when the runner goroutine has ended.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Outcome returns how the work ended. Valid after Done is closed.
func (r *Runner) Outcome() Outcome { return r.outcome }

func (r *Runner) run() {
	defer close(r.done)

	ctx, cancel := r.job.beginWork(r.parent)
	defer cancel(nil)

	start := time.Now()
	r.logger.Debug("work started", "attempt", r.job.Attempts())
	err := r.invoke(ctx)
	r.outcome = r.job.endWork(ctx, err)

	switch r.outcome {
	case OutcomeFailed:
		r.logger.Warn("work failed", "error", err, "elapsed", time.Since(start).String())
	default:
		r.logger.Debug("work ended", "outcome", r.outcome.String(), "elapsed", time.Since(start).String())
	}

	if r.onExit != nil {
		r.onExit(r, r.outcome)
	}
}

// invoke calls the work function, converting a panic into a *PanicError.
func (r *Runner) invoke(ctx context.Context) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return r.job.work(ctx, r.job)
}
