// Package jobs implements the single-flight job scheduler: the Job state
// machine, the Runner that executes one job's work on its own goroutine,
// and the Queue that orders pending jobs and keeps at most one running.
//
// Work is cooperative. A running job's context is cancelled with cause
// ErrSuspended or ErrTerminated when the queue wants it to stop; the work
// function must notice and return.
package jobs
