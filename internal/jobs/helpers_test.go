package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/renderq/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestQueue returns a queue that is shut down when the test ends.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return q
}

func mustJob(t *testing.T, name string, work WorkFunc, opts ...Option) *Job {
	t.Helper()
	j, err := New(name, work, opts...)
	if err != nil {
		t.Fatalf("New(%s): %v", name, err)
	}
	return j
}

func noop(context.Context, Progress) error { return nil }

// gate is a work function that signals when it starts and blocks until
// released or its context is cancelled.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) work(ctx context.Context, _ Progress) error {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() { close(g.release) }

func waitStarted(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("work did not start")
	}
}

// waitStatus polls until j reaches want.
func waitStatus(t *testing.T, j *Job, want model.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s status = %s, want %s", j.Name(), j.Status(), want)
}

func waitDone(t *testing.T, j *Job) model.JobStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := j.Wait(ctx)
	if err != nil {
		t.Fatalf("job %s did not finish: status %s", j.Name(), st)
	}
	return st
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

// recorder collects job names in the order their work starts.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) work(name string) WorkFunc {
	return func(context.Context, Progress) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}
