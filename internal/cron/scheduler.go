// Package cron submits jobs to the queue on recurring schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/internal/logging"
	"github.com/me/renderq/pkg/model"
)

// Submitter accepts jobs. *jobs.Queue satisfies it.
type Submitter interface {
	Submit(j *jobs.Job, priority model.Priority) error
}

// Factory builds a fresh job for one firing. opts must be passed through to
// jobs.New; render.Handle.Job is a Factory.
type Factory func(opts ...jobs.Option) (*jobs.Job, error)

// Entry is a named recurring submission.
type Entry struct {
	Name     string
	Schedule string
	Priority model.Priority
	Factory  Factory
}

// EntryStatus describes a registered entry.
type EntryStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitempty"`
	Fired     int64     `json:"fired"`
	LastJobID string    `json:"last_job_id,omitempty"`
}

// entryKey is the control object of jobs an entry submits, so a firing
// preempts the entry's previous job if it is still queued or running.
type entryKey string

var (
	ErrDuplicateEntry = errors.New("duplicate cron entry")
	ErrUnknownEntry   = errors.New("unknown cron entry")
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type registered struct {
	entry     Entry
	id        cronlib.EntryID
	fired     int64
	lastJobID string
}

// Scheduler fires entries on their schedules.
type Scheduler struct {
	queue  Submitter
	cron   *cronlib.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*registered
}

// New creates a stopped scheduler submitting to q.
func New(q Submitter, logger *slog.Logger) *Scheduler {
	logger = logging.Component(logger, "cron")
	return &Scheduler{
		queue:   q,
		cron:    cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLogger(cronLogger{logger})),
		logger:  logger,
		entries: make(map[string]*registered),
	}
}

// Add registers e. Entries can be added before or after Start.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" || e.Factory == nil {
		return fmt.Errorf("%w: cron entry needs a name and a factory", jobs.ErrInvalidArgument)
	}
	if e.Priority == model.PriorityUnset {
		e.Priority = model.PriorityNormal
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: priority %s", jobs.ErrInvalidArgument, e.Priority)
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("cron entry %s: parse schedule %q: %w", e.Name, e.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.Name)
	}
	name := e.Name
	id := s.cron.Schedule(sched, cronlib.FuncJob(func() {
		if _, err := s.Fire(name); err != nil {
			s.logger.Warn("cron submit failed", "entry", name, "error", err)
		}
	}))
	s.entries[name] = &registered{entry: e, id: id}
	s.logger.Info("cron entry added", "entry", name, "schedule", e.Schedule)
	return nil
}

// Remove unregisters the named entry. Jobs it already submitted are unaffected.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	s.cron.Remove(r.id)
	delete(s.entries, name)
	return nil
}

// Fire builds and submits the named entry's job now, as a scheduled firing
// would, and returns it.
func (s *Scheduler) Fire(name string) (*jobs.Job, error) {
	s.mu.Lock()
	r, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}

	j, err := r.entry.Factory(jobs.WithControl(entryKey(name)))
	if err != nil {
		return nil, fmt.Errorf("cron entry %s: build job: %w", name, err)
	}
	if err := s.queue.Submit(j, r.entry.Priority); err != nil {
		return nil, fmt.Errorf("cron entry %s: submit: %w", name, err)
	}

	s.mu.Lock()
	r.fired++
	r.lastJobID = j.ID()
	s.mu.Unlock()

	s.logger.Info("cron fired", "entry", name, "job_id", j.ID())
	return j, nil
}

// Entries lists registered entries sorted by name.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryStatus, 0, len(s.entries))
	for name, r := range s.entries {
		ce := s.cron.Entry(r.id)
		out = append(out, EntryStatus{
			Name:      name,
			Schedule:  r.entry.Schedule,
			Next:      ce.Next,
			Prev:      ce.Prev,
			Fired:     r.fired,
			LastJobID: r.lastJobID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started", "entries", len(s.Entries()))
}

// Stop stops future firings and waits for in-flight submissions or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("cron scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
