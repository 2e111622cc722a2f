package cli

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/me/renderq/internal/logging"
	"github.com/me/renderq/pkg/model"
)

func TestClient_SubmitAndWait(t *testing.T) {
	c := NewClient(startTestServer(t)+"/", logging.Discard())
	ctx := context.Background()

	rec, err := c.Submit(ctx, RenderRequest{Name: "typed", Priority: model.PriorityHigh, Width: 8, Height: 8})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Name != "typed" || rec.Priority != model.PriorityHigh {
		t.Errorf("record = %s/%s, want typed/HIGH", rec.Name, rec.Priority)
	}

	final, err := c.WaitJob(ctx, rec.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitJob: %v", err)
	}
	if final.Status != model.JobStatusComplete {
		t.Errorf("status = %s, want COMPLETE", final.Status)
	}

	list, _, err := c.Jobs(ctx, url.Values{"name": {"typed"}})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(list.History) != 1 || list.History[0].ID != rec.ID {
		t.Errorf("history = %+v, want the one finished job", list.History)
	}
}

func TestClient_APIErrors(t *testing.T) {
	c := NewClient(startTestServer(t), logging.Discard())
	ctx := context.Background()

	_, err := c.Job(ctx, "job_missing")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Errorf("Job(missing) err = %v, want NOT_FOUND APIError", err)
	}

	rec, err := c.Submit(ctx, RenderRequest{Width: 4, Height: 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := c.WaitJob(ctx, rec.ID, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitJob: %v", err)
	}
	_, err = c.Control(ctx, rec.ID, "cancel")
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrConflict {
		t.Errorf("Control(cancel) on finished job err = %v, want CONFLICT APIError", err)
	}
}

func TestClient_WaitJobHonorsContext(t *testing.T) {
	c := NewClient(startTestServer(t), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.WaitJob(ctx, "job_any", time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitJob err = %v, want context.Canceled", err)
	}
}
