package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/renderq/pkg/model"
)

// TestQueue_PriorityOrder verifies that pending jobs run HIGH, NORMAL, LOW
// regardless of submission order.
func TestQueue_PriorityOrder(t *testing.T) {
	q := newTestQueue(t)
	rec := &recorder{}

	blocker := newGate()
	if err := q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	waitStarted(t, blocker)

	for _, sub := range []struct {
		name string
		p    model.Priority
	}{
		{"low", model.PriorityLow},
		{"high", model.PriorityHigh},
		{"normal", model.PriorityNormal},
	} {
		if err := q.Submit(mustJob(t, sub.name, rec.work(sub.name)), sub.p); err != nil {
			t.Fatalf("Submit %s: %v", sub.name, err)
		}
	}

	blocker.open()
	drain(t, q)

	want := []string{"high", "normal", "low"}
	if got := rec.got(); !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t)
	rec := &recorder{}

	blocker := newGate()
	q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityHighest)
	waitStarted(t, blocker)

	var want []string
	for i := range 5 {
		name := fmt.Sprintf("job-%d", i)
		want = append(want, name)
		q.Submit(mustJob(t, name, rec.work(name)), model.PriorityNormal)
	}

	blocker.open()
	drain(t, q)

	if got := rec.got(); !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestQueue_Pending(t *testing.T) {
	q := newTestQueue(t)
	blocker := newGate()
	q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal)
	waitStarted(t, blocker)

	low := mustJob(t, "low", noop)
	high := mustJob(t, "high", noop)
	q.Submit(low, model.PriorityLowest)
	q.Submit(high, model.PriorityHighest)

	pending := q.Pending()
	if len(pending) != 2 || pending[0] != high || pending[1] != low {
		t.Errorf("Pending = %v", pending)
	}
	if q.Lookup(low.ID()) != low {
		t.Error("Lookup did not find queued job")
	}
	blocker.open()
	drain(t, q)
}

// TestQueue_SingleFlight submits many jobs concurrently and checks that no two
// work functions overlap.
func TestQueue_SingleFlight(t *testing.T) {
	q := newTestQueue(t)

	var (
		active    atomic.Int32
		violation atomic.Bool
		ran       atomic.Int32
	)
	work := func(context.Context, Progress) error {
		if active.Add(1) > 1 {
			violation.Store(true)
		}
		time.Sleep(100 * time.Microsecond)
		active.Add(-1)
		ran.Add(1)
		return nil
	}

	const n = 64
	priorities := []model.Priority{
		model.PriorityHighest, model.PriorityHigh, model.PriorityNormal,
		model.PriorityLow, model.PriorityLowest,
	}
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, _ := New(fmt.Sprintf("load-%d", i), work)
			if err := q.Submit(j, priorities[i%len(priorities)]); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	drain(t, q)

	if violation.Load() {
		t.Error("two jobs executed at the same time")
	}
	if got := ran.Load(); got != n {
		t.Errorf("ran = %d, want %d", got, n)
	}
	if q.IsBusy() {
		t.Error("queue still busy after drain")
	}
	st := q.Stats()
	if st.Finished[model.JobStatusComplete] != n {
		t.Errorf("complete count = %d, want %d", st.Finished[model.JobStatusComplete], n)
	}
}

func TestQueue_FailureThenContinue(t *testing.T) {
	q := newTestQueue(t)
	boom := errors.New("transform exploded")

	blocker := newGate()
	q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal)
	waitStarted(t, blocker)

	failing := mustJob(t, "failing", func(context.Context, Progress) error { return boom })
	next := mustJob(t, "next", noop)
	q.Submit(failing, model.PriorityHigh)
	q.Submit(next, model.PriorityLow)

	blocker.open()
	if st := waitDone(t, failing); st != model.JobStatusFailed {
		t.Fatalf("failing status = %s, want FAILED", st)
	}
	if failing.Err() != boom {
		t.Errorf("Err = %v, want the exact error", failing.Err())
	}
	if st := waitDone(t, next); st != model.JobStatusComplete {
		t.Errorf("next status = %s, want COMPLETE", st)
	}
}

func TestQueue_PanicDoesNotStopQueue(t *testing.T) {
	q := newTestQueue(t)
	bad := mustJob(t, "panics", func(context.Context, Progress) error { panic("no more goroutines") })
	good := mustJob(t, "good", noop)
	q.Submit(bad, model.PriorityHigh)
	q.Submit(good, model.PriorityLow)

	waitDone(t, bad)
	var pe *PanicError
	if !errors.As(bad.Err(), &pe) {
		t.Errorf("Err = %v, want *PanicError", bad.Err())
	}
	if st := waitDone(t, good); st != model.JobStatusComplete {
		t.Errorf("good status = %s, want COMPLETE", st)
	}
}

func TestQueue_CancelQueued(t *testing.T) {
	q := newTestQueue(t)
	blocker := newGate()
	q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal)
	waitStarted(t, blocker)

	var invoked atomic.Bool
	victim := mustJob(t, "victim", func(context.Context, Progress) error {
		invoked.Store(true)
		return nil
	})
	q.Submit(victim, model.PriorityHighest)

	if err := victim.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if victim.Status() != model.JobStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", victim.Status())
	}
	select {
	case <-victim.Done():
	default:
		t.Error("Done not closed after cancel")
	}

	blocker.open()
	drain(t, q)
	if invoked.Load() {
		t.Error("cancelled job's work was invoked")
	}
	if victim.Status() != model.JobStatusCancelled {
		t.Errorf("Status changed after terminal: %s", victim.Status())
	}
}

func TestQueue_CancelRunningFails(t *testing.T) {
	q := newTestQueue(t)
	g := newGate()
	j := mustJob(t, "running", g.work)
	q.Submit(j, model.PriorityNormal)
	waitStarted(t, g)

	err := q.Cancel(j)
	if !errors.Is(err, ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
	var te *model.InvalidTransitionError
	if !errors.As(err, &te) || te.From != "RUNNING" || te.To != "CANCELLED" {
		t.Errorf("want RUNNING → CANCELLED transition error, got %v", err)
	}
	if j.Status() != model.JobStatusRunning {
		t.Errorf("Status = %s, want RUNNING", j.Status())
	}
	g.open()
	waitDone(t, j)
}

func TestQueue_SubmitPreconditions(t *testing.T) {
	q := newTestQueue(t)

	if err := q.Submit(nil, model.PriorityNormal); !errors.Is(err, ErrNilJob) {
		t.Errorf("nil job: err = %v, want ErrNilJob", err)
	}
	if err := q.Submit(mustJob(t, "unset", noop), model.PriorityUnset); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unset priority: err = %v, want ErrInvalidArgument", err)
	}

	j := mustJob(t, "once", noop)
	if err := q.Submit(j, model.PriorityNormal); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.Submit(j, model.PriorityNormal); !errors.Is(err, ErrIllegalState) {
		t.Errorf("resubmit: err = %v, want ErrIllegalState", err)
	}
	waitDone(t, j)
	if err := q.Submit(j, model.PriorityHigh); !errors.Is(err, ErrIllegalState) {
		t.Errorf("submit terminal: err = %v, want ErrIllegalState", err)
	}
	if j.Priority() != model.PriorityNormal {
		t.Errorf("priority changed to %s", j.Priority())
	}
}

func TestQueue_ForeignJob(t *testing.T) {
	q1 := newTestQueue(t)
	q2 := newTestQueue(t)
	blocker := newGate()
	q1.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal)
	waitStarted(t, blocker)

	j := mustJob(t, "owned", noop)
	q1.Submit(j, model.PriorityNormal)
	if err := q2.Cancel(j); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	blocker.open()
	drain(t, q1)
}

func TestQueue_TerminateRunning(t *testing.T) {
	q := newTestQueue(t)

	stopped := make(chan error, 1)
	releaseReturn := make(chan struct{})
	started := make(chan struct{})
	long := mustJob(t, "long", func(ctx context.Context, _ Progress) error {
		close(started)
		<-ctx.Done()
		stopped <- context.Cause(ctx)
		<-releaseReturn
		return ctx.Err()
	})
	var nextRan atomic.Bool
	next := mustJob(t, "next", func(context.Context, Progress) error {
		nextRan.Store(true)
		return nil
	})

	q.Submit(long, model.PriorityNormal)
	<-started
	q.Submit(next, model.PriorityNormal)

	if err := long.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if long.Status() != model.JobStatusTerminated {
		t.Errorf("Status = %s, want TERMINATED", long.Status())
	}
	if cause := <-stopped; !errors.Is(cause, ErrTerminated) {
		t.Errorf("cause = %v, want ErrTerminated", cause)
	}

	// The slot stays occupied until the terminated work returns.
	time.Sleep(10 * time.Millisecond)
	if nextRan.Load() {
		t.Fatal("next job started while terminated work was still executing")
	}
	if q.Running() != long {
		t.Error("running slot released before work returned")
	}

	close(releaseReturn)
	waitDone(t, next)
	if long.Status() != model.JobStatusTerminated {
		t.Errorf("terminal status changed to %s", long.Status())
	}
}

func TestQueue_TerminateQueued(t *testing.T) {
	q := newTestQueue(t)
	blocker := newGate()
	q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal)
	waitStarted(t, blocker)

	j := mustJob(t, "queued", noop)
	q.Submit(j, model.PriorityNormal)
	if err := q.Terminate(j); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(q.Pending()) != 0 {
		t.Error("terminated job still pending")
	}
	if err := q.Terminate(j); !errors.Is(err, ErrIllegalState) {
		t.Errorf("terminate terminal: err = %v, want ErrIllegalState", err)
	}
	blocker.open()
	drain(t, q)
}

func TestQueue_TerminateCreated(t *testing.T) {
	q := newTestQueue(t)
	j := mustJob(t, "created", noop)
	if err := q.Terminate(j); !errors.Is(err, ErrIllegalState) {
		t.Errorf("err = %v, want ErrIllegalState", err)
	}
	if j.Status() != model.JobStatusCreated {
		t.Errorf("Status = %s, want CREATED", j.Status())
	}
}

// TestQueue_SuspendRequeues verifies RUNNING → QUEUED on a cooperative
// suspend, that a higher priority job overtakes it, and that the work is
// invoked again afterwards.
func TestQueue_SuspendRequeues(t *testing.T) {
	q := newTestQueue(t)
	rec := &recorder{}

	firstStart := make(chan struct{})
	var calls atomic.Int32
	resumable := mustJob(t, "resumable", func(ctx context.Context, p Progress) error {
		rec.work("resumable")(ctx, p)
		if calls.Add(1) == 1 {
			close(firstStart)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	q.Submit(resumable, model.PriorityNormal)
	<-firstStart

	urgent := mustJob(t, "urgent", rec.work("urgent"))
	q.Submit(urgent, model.PriorityHigh)

	if err := q.Suspend(resumable); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if st := waitDone(t, resumable); st != model.JobStatusComplete {
		t.Fatalf("status = %s, want COMPLETE", st)
	}
	waitDone(t, urgent)

	want := []string{"resumable", "urgent", "resumable"}
	if got := rec.got(); !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if resumable.Attempts() != 2 {
		t.Errorf("Attempts = %d, want 2", resumable.Attempts())
	}
}

func TestQueue_SuspendIgnoredRunsToCompletion(t *testing.T) {
	q := newTestQueue(t)
	started := make(chan struct{})
	release := make(chan struct{})
	stubborn := mustJob(t, "stubborn", func(ctx context.Context, _ Progress) error {
		close(started)
		<-release // never looks at ctx
		return nil
	})
	q.Submit(stubborn, model.PriorityNormal)
	<-started

	if err := stubborn.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	close(release)
	if st := waitDone(t, stubborn); st != model.JobStatusComplete {
		t.Errorf("status = %s, want COMPLETE", st)
	}
	if stubborn.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", stubborn.Attempts())
	}
}

func TestQueue_SuspendQueuedFails(t *testing.T) {
	q := newTestQueue(t)
	blocker := newGate()
	q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal)
	waitStarted(t, blocker)

	j := mustJob(t, "queued", noop)
	q.Submit(j, model.PriorityNormal)
	if err := q.Suspend(j); !errors.Is(err, ErrIllegalState) {
		t.Errorf("err = %v, want ErrIllegalState", err)
	}
	blocker.open()
	drain(t, q)
}

func TestQueue_ControlObjectPreemptsQueued(t *testing.T) {
	q := newTestQueue(t)
	blocker := newGate()
	q.Submit(mustJob(t, "blocker", blocker.work), model.PriorityNormal)
	waitStarted(t, blocker)

	picture := &struct{ name string }{"sunset"}
	stale := mustJob(t, "stale", noop, WithControl(picture))
	other := mustJob(t, "other", noop, WithControl(&struct{ name string }{"sunrise"}))
	fresh := mustJob(t, "fresh", noop, WithControl(picture))

	q.Submit(stale, model.PriorityNormal)
	q.Submit(other, model.PriorityNormal)
	q.Submit(fresh, model.PriorityNormal)

	if stale.Status() != model.JobStatusCancelled {
		t.Errorf("stale status = %s, want CANCELLED", stale.Status())
	}
	if other.Status() != model.JobStatusQueued {
		t.Errorf("other status = %s, want QUEUED", other.Status())
	}

	blocker.open()
	drain(t, q)
	if fresh.Status() != model.JobStatusComplete {
		t.Errorf("fresh status = %s, want COMPLETE", fresh.Status())
	}
}

func TestQueue_ControlObjectTerminatesRunning(t *testing.T) {
	q := newTestQueue(t)
	picture := "canvas-1"

	g := newGate()
	stale := mustJob(t, "stale", g.work, WithControl(picture))
	q.Submit(stale, model.PriorityNormal)
	waitStarted(t, g)

	fresh := mustJob(t, "fresh", noop, WithControl(picture))
	q.Submit(fresh, model.PriorityNormal)

	if st := waitDone(t, stale); st != model.JobStatusTerminated {
		t.Errorf("stale status = %s, want TERMINATED", st)
	}
	if st := waitDone(t, fresh); st != model.JobStatusComplete {
		t.Errorf("fresh status = %s, want COMPLETE", st)
	}
}

func TestQueue_CancelAll(t *testing.T) {
	q := newTestQueue(t)
	g := newGate()
	running := mustJob(t, "running", g.work, WithControl("doc"))
	q.Submit(running, model.PriorityNormal)
	waitStarted(t, g)

	a := mustJob(t, "a", noop, WithControl("other"))
	q.Submit(a, model.PriorityNormal)

	if n := q.CancelAll("doc"); n != 1 {
		t.Errorf("CancelAll = %d, want 1", n)
	}
	waitDone(t, running)
	if running.Status() != model.JobStatusTerminated {
		t.Errorf("running status = %s, want TERMINATED", running.Status())
	}
	waitDone(t, a)
	if q.CancelAll(nil) != 0 {
		t.Error("CancelAll(nil) should affect nothing")
	}
}

func TestQueue_IsBusy(t *testing.T) {
	q := newTestQueue(t)
	if q.IsBusy() {
		t.Fatal("new queue is busy")
	}
	g := newGate()
	q.Submit(mustJob(t, "busy", g.work), model.PriorityNormal)
	if !q.IsBusy() {
		t.Error("IsBusy = false with a running job")
	}
	g.open()
	drain(t, q)
	if q.IsBusy() {
		t.Error("IsBusy = true after drain")
	}
}

func TestQueue_Events(t *testing.T) {
	q := newTestQueue(t)
	sub := q.Subscribe(16)
	defer sub.Close()

	j := mustJob(t, "observed", noop)
	q.Submit(j, model.PriorityNormal)
	waitDone(t, j)

	var got []model.JobStatus
	for len(got) < 3 {
		select {
		case ev := <-sub.C():
			if ev.Job != j {
				t.Fatalf("event for unexpected job %s", ev.Job.Name())
			}
			got = append(got, ev.To)
		case <-time.After(5 * time.Second):
			t.Fatalf("events so far: %v", got)
		}
	}
	want := []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning, model.JobStatusComplete}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestQueue_SubscriptionDropsWhenFull(t *testing.T) {
	q := newTestQueue(t)
	sub := q.Subscribe(1)
	defer sub.Close()

	for i := range 3 {
		q.Submit(mustJob(t, fmt.Sprintf("j%d", i), noop), model.PriorityNormal)
	}
	drain(t, q)
	if sub.Dropped() == 0 {
		t.Error("expected dropped events with a 1-slot buffer")
	}
	if q.Stats().Dropped != sub.Dropped() {
		t.Errorf("Stats.Dropped = %d, want %d", q.Stats().Dropped, sub.Dropped())
	}
}

func TestQueue_Shutdown(t *testing.T) {
	q := NewQueue(testLogger())
	sub := q.Subscribe(64)

	g := newGate()
	running := mustJob(t, "running", g.work)
	q.Submit(running, model.PriorityNormal)
	waitStarted(t, g)
	queued := mustJob(t, "queued", noop)
	q.Submit(queued, model.PriorityNormal)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if running.Status() != model.JobStatusTerminated {
		t.Errorf("running status = %s, want TERMINATED", running.Status())
	}
	if queued.Status() != model.JobStatusCancelled {
		t.Errorf("queued status = %s, want CANCELLED", queued.Status())
	}
	if err := q.Submit(mustJob(t, "late", noop), model.PriorityNormal); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Submit after shutdown: err = %v, want ErrQueueClosed", err)
	}

	for range sub.C() {
	}
	// Channel closed: the range loop ended.
	if err := q.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestQueue_DrainTimeout(t *testing.T) {
	q := newTestQueue(t)
	g := newGate()
	q.Submit(mustJob(t, "slow", g.work), model.PriorityNormal)
	waitStarted(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain err = %v, want DeadlineExceeded", err)
	}
	g.open()
	drain(t, q)
}

func TestQueue_UnstartableJobFails(t *testing.T) {
	q := newTestQueue(t)
	j := runnable(t, "unstartable", noop)
	j.queue = q
	q.live[j.id] = j
	sub := q.Subscribe(4)
	defer sub.Close()

	cause := errors.New("no runner")
	q.mu.Lock()
	q.failUnstartedLocked(j, cause)
	q.mu.Unlock()

	if st := waitDone(t, j); st != model.JobStatusFailed {
		t.Errorf("status = %s, want FAILED", st)
	}
	if !errors.Is(j.Err(), cause) {
		t.Errorf("Err() = %v, want %v", j.Err(), cause)
	}
	if q.Lookup(j.ID()) != nil {
		t.Error("failed job still live")
	}
	ev := <-sub.C()
	if ev.From != model.JobStatusRunning || ev.To != model.JobStatusFailed {
		t.Errorf("event = %s -> %s, want RUNNING -> FAILED", ev.From, ev.To)
	}
	if q.IsBusy() {
		t.Error("queue busy after unstartable job failed")
	}
}
