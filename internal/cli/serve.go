package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/me/renderq/internal/config"
	"github.com/me/renderq/internal/cron"
	"github.com/me/renderq/internal/history"
	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/internal/logging"
	"github.com/me/renderq/internal/render"
	"github.com/me/renderq/internal/server"
	"github.com/me/renderq/internal/store"
	"github.com/me/renderq/pkg/model"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		addr       string
		driver     string
		dsn        string
		workers    int
		threshold  int
		drainWait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("store") {
				cfg.Store.Driver = driver
			}
			if flags.Changed("dsn") {
				cfg.Store.DSN = dsn
			}
			if flags.Changed("workers") {
				cfg.Queue.Workers = workers
			}
			if flags.Changed("threshold") {
				cfg.Queue.Threshold = threshold
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// The config file sets the level unless the persistent flags did.
			root := cmd.Root().PersistentFlags()
			if !flagDebug && !root.Changed("log-level") && !root.Changed("log-format") {
				logger = logging.NewLogger(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogFormat)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, drainWait)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&driver, "store", "sqlite", "History store driver (sqlite, postgres)")
	cmd.Flags().StringVar(&dsn, "dsn", "renderq.db", "History store DSN")
	cmd.Flags().IntVar(&workers, "workers", 0, "Default fork/join goroutine bound per render (0 for NumCPU)")
	cmd.Flags().IntVar(&threshold, "threshold", render.DefaultThreshold, "Default leaf size in pixels")
	cmd.Flags().DurationVar(&drainWait, "shutdown-timeout", 10*time.Second, "How long to wait for the running job on shutdown")
	return cmd
}

// serve owns the queue's lifecycle: it starts the recorder, cron and HTTP
// server, and on ctx end stops them in reverse order.
func serve(ctx context.Context, cfg config.Config, drainWait time.Duration) error {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("store ready", "driver", cfg.Store.Driver)

	q := jobs.NewQueue(logger)

	rec := history.NewRecorder(q, st, cfg.Queue.EventBuffer, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(context.Background())
	}()

	sched := cron.New(q, logger)
	for _, sc := range cfg.Schedules {
		entry, err := scheduleEntry(sc, cfg.Queue)
		if err != nil {
			return err
		}
		if err := sched.Add(entry); err != nil {
			return err
		}
	}
	sched.Start()

	srv := server.New(cfg.Server, q, logger,
		server.WithStore(st),
		server.WithCron(sched),
		server.WithRenderDefaults(cfg.Queue),
	)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		logger.Error("server failed", "error", serveErr)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainWait)
	defer cancel()

	// Stop new submissions at the edges before closing the queue.
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("cron stop", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Error("queue shutdown", "error", err)
		rec.Close()
	}
	wg.Wait()

	logger.Info("server stopped", "stats", fmt.Sprintf("%+v", q.Stats()))
	return serveErr
}

// scheduleEntry turns a configured schedule into a cron entry rendering a
// fresh gradient on every firing.
func scheduleEntry(sc config.ScheduleConfig, defaults config.QueueConfig) (cron.Entry, error) {
	priority, err := model.ParsePriority(sc.Priority)
	if err != nil {
		return cron.Entry{}, fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	pipeline, err := render.NewPipeline(sc.Pipeline)
	if err != nil {
		return cron.Entry{}, fmt.Errorf("schedule %s: %w", sc.Name, err)
	}
	return cron.Entry{
		Name:     sc.Name,
		Schedule: sc.Schedule,
		Priority: priority,
		Factory: func(opts ...jobs.Option) (*jobs.Job, error) {
			h, err := render.NewBuilder(sc.Name, render.Gradient(sc.Width, sc.Height), pipeline).
				Threshold(defaults.Threshold).
				Workers(defaults.Workers).
				Logger(logger).
				Build()
			if err != nil {
				return nil, err
			}
			return h.Job(opts...)
		},
	}, nil
}
