package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/me/renderq/internal/render"
	"github.com/me/renderq/pkg/model"
)

// Client talks to a renderq server's job API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// RenderRequest is the body of POST /api/v1/jobs. Zero Threshold and
// Workers select the server defaults.
type RenderRequest struct {
	Name      string             `json:"name"`
	Priority  model.Priority     `json:"priority"`
	Target    string             `json:"target,omitempty"`
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	Threshold int                `json:"threshold,omitempty"`
	Workers   int                `json:"workers,omitempty"`
	Pipeline  []render.StageSpec `json:"pipeline"`
}

// JobList is the body of GET /api/v1/jobs.
type JobList struct {
	Live    []model.JobRecord `json:"live"`
	History []model.JobRecord `json:"history"`
}

type apiResponse struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// Submit queues a render and returns its initial snapshot.
func (c *Client) Submit(ctx context.Context, req RenderRequest) (model.JobRecord, error) {
	var rec model.JobRecord
	_, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/", req, &rec)
	return rec, err
}

// Job returns the current snapshot of a live or finished job.
func (c *Client) Job(ctx context.Context, id string) (model.JobRecord, error) {
	var rec model.JobRecord
	_, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &rec)
	return rec, err
}

// Jobs lists live jobs and a page of finished ones matching query.
func (c *Client) Jobs(ctx context.Context, query url.Values) (JobList, *model.Pagination, error) {
	var list JobList
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/?"+query.Encode(), nil, &list)
	if err != nil {
		return list, nil, err
	}
	return list, resp.Pagination, nil
}

// Control applies "cancel", "terminate" or "suspend" to a job.
func (c *Client) Control(ctx context.Context, id, action string) (model.JobRecord, error) {
	var rec model.JobRecord
	_, err := c.do(ctx, http.MethodPut, "/api/v1/jobs/"+url.PathEscape(id)+"/"+action, nil, &rec)
	return rec, err
}

// WaitJob polls until the job is terminal or ctx ends.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (model.JobRecord, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := c.Job(ctx, id)
		if err != nil || rec.Status.IsTerminal() {
			return rec, err
		}
		c.Logger.Debug("waiting for job", "job_id", id, "status", rec.Status, "progress", rec.ProgressPercent)
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// do sends body as JSON and decodes the envelope's data into out. API errors
// are returned as *model.APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (*apiResponse, error) {
	u := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("HTTP", "method", method, "path", path, "status", resp.StatusCode,
		"request_id", resp.Header.Get("X-Request-ID"), "elapsed", time.Since(start).String())

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%s %s: status %d: unexpected body %.200q", method, path, resp.StatusCode, respBody)
	}
	if apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &apiResp, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return &apiResp, fmt.Errorf("parse response: %w", err)
		}
	}
	return &apiResp, nil
}
