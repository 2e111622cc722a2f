package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/internal/store"
	"github.com/me/renderq/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecorder_PersistsFinalState(t *testing.T) {
	st := testStore(t)
	q := jobs.NewQueue(testLogger())
	rec := NewRecorder(q, st, 0, testLogger())

	done := make(chan struct{})
	go func() {
		rec.Run(context.Background())
		close(done)
	}()

	boom := errors.New("boom")
	ok, _ := jobs.New("ok", func(ctx context.Context, p jobs.Progress) error { return nil })
	bad, _ := jobs.New("bad", func(ctx context.Context, p jobs.Progress) error { return boom })
	for _, j := range []*jobs.Job{ok, bad} {
		if err := q.Submit(j, model.PriorityNormal); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("recorder did not stop after shutdown")
	}

	got, err := st.GetJob(context.Background(), ok.ID())
	if err != nil || got == nil {
		t.Fatalf("GetJob(ok) = %v, %v", got, err)
	}
	if got.Status != model.JobStatusComplete || got.ProgressPercent != 100 {
		t.Errorf("ok record = %+v", got)
	}

	got, err = st.GetJob(context.Background(), bad.ID())
	if err != nil || got == nil {
		t.Fatalf("GetJob(bad) = %v, %v", got, err)
	}
	if got.Status != model.JobStatusFailed || got.Error != "boom" || got.FinishedAt == nil {
		t.Errorf("bad record = %+v", got)
	}
}

func TestRecorder_StopsOnContext(t *testing.T) {
	q := jobs.NewQueue(testLogger())
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	rec := NewRecorder(q, testStore(t), 4, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
