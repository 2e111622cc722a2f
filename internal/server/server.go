package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/renderq/internal/config"
	"github.com/me/renderq/internal/cron"
	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/internal/logging"
	"github.com/me/renderq/internal/render"
	"github.com/me/renderq/internal/store"
)

// maxRecent bounds how many finished API-submitted jobs are kept in memory
// for lookups when no history store is configured.
const maxRecent = 1000

// maxTargets bounds how many named target buffers are kept. The oldest name
// is dropped first; a later render under that name gets a fresh buffer.
const maxTargets = 32

// Server is the renderq observer API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	defaults  config.QueueConfig
	startTime time.Time
	queue     *jobs.Queue
	store     store.Store     // optional; history for finished jobs
	cron      *cron.Scheduler // optional; exposes /schedules

	mu      sync.Mutex
	targets map[string]*render.Buffer
	tnames  []string
	recent  map[string]*jobs.Job
	order   []string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore sets the history store used for finished jobs.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithCron exposes the scheduler's entries.
func WithCron(c *cron.Scheduler) Option {
	return func(s *Server) { s.cron = c }
}

// WithRenderDefaults sets the threshold and worker bound for submitted
// renders that do not specify their own.
func WithRenderDefaults(q config.QueueConfig) Option {
	return func(s *Server) { s.defaults = q }
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, q *jobs.Queue, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.Component(logger, "server"),
		config:    cfg,
		defaults:  config.DefaultConfig().Queue,
		startTime: time.Now(),
		queue:     q,
		targets:   make(map[string]*render.Buffer),
		recent:    make(map[string]*jobs.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/queue", s.handleQueue)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Put("/cancel", s.handleCancelJob)
				r.Put("/terminate", s.handleTerminateJob)
				r.Put("/suspend", s.handleSuspendJob)
			})
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/{name}/fire", s.handleFireSchedule)
		})

		// SSE endpoint for real-time updates
		r.Get("/sse/events", s.handleSSEEvents)
	})
}

// remember keeps j findable after it leaves the queue.
func (s *Server) remember(j *jobs.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recent[j.ID()]; ok {
		return
	}
	s.recent[j.ID()] = j
	s.order = append(s.order, j.ID())
	if len(s.order) > maxRecent {
		delete(s.recent, s.order[0])
		s.order = s.order[1:]
	}
}

// job finds a live or recently submitted job.
func (s *Server) job(id string) *jobs.Job {
	if j := s.queue.Lookup(id); j != nil {
		return j
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent[id]
}

// target returns the named buffer, creating it as a w x h gradient on first use.
func (s *Server) target(name string, w, h int) (*render.Buffer, bool) {
	if name == "" {
		return render.Gradient(w, h), true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.targets[name]; ok {
		return b, b.Width() == w && b.Height() == h
	}
	b := render.Gradient(w, h)
	s.targets[name] = b
	s.tnames = append(s.tnames, name)
	if len(s.tnames) > maxTargets {
		delete(s.targets, s.tnames[0])
		s.tnames = s.tnames[1:]
	}
	return b, true
}
