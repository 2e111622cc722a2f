package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/me/renderq/internal/cron"
	"github.com/me/renderq/internal/render"
	"github.com/me/renderq/pkg/model"
)

// Config is the renderq server configuration file.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Queue     QueueConfig      `yaml:"queue"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// ServerConfig holds configuration for the renderq server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
}

// StoreConfig selects the history store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`    // SQLite path (":memory:" for testing) or postgres URL
}

// QueueConfig holds render defaults applied to jobs that do not set their own.
type QueueConfig struct {
	Workers     int `yaml:"workers"`      // fork/join goroutine bound per render
	Threshold   int `yaml:"threshold"`    // leaf size in pixels
	EventBuffer int `yaml:"event_buffer"` // per-subscriber event buffer
}

// ScheduleConfig is a recurring render of a synthetic gradient.
type ScheduleConfig struct {
	Name     string             `yaml:"name"`
	Schedule string             `yaml:"schedule"`
	Priority string             `yaml:"priority"`
	Width    int                `yaml:"width"`
	Height   int                `yaml:"height"`
	Pipeline []render.StageSpec `yaml:"pipeline"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultConfig returns a complete configuration with defaults.
func DefaultConfig() Config {
	return Config{
		Server: DefaultServerConfig(),
		Store:  StoreConfig{Driver: "sqlite", DSN: "renderq.db"},
		Queue: QueueConfig{
			Workers:     runtime.NumCPU(),
			Threshold:   render.DefaultThreshold,
			EventBuffer: 256,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required"))
	}
	if c.Queue.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("queue.threshold: must be positive, got %d", c.Queue.Threshold))
	}
	if c.Queue.Workers < 0 {
		errs = append(errs, fmt.Errorf("queue.workers: must not be negative, got %d", c.Queue.Workers))
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", field))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", field, s.Name))
		}
		seen[s.Name] = true
		if _, err := cron.ParseSchedule(s.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", field, err))
		}
		if _, err := model.ParsePriority(s.Priority); err != nil {
			errs = append(errs, fmt.Errorf("%s.priority: %w", field, err))
		}
		if s.Width <= 0 || s.Height <= 0 {
			errs = append(errs, fmt.Errorf("%s: width and height must be positive", field))
		}
		if _, err := render.NewPipeline(s.Pipeline); err != nil {
			errs = append(errs, fmt.Errorf("%s.pipeline: %w", field, err))
		}
	}
	return errors.Join(errs...)
}
