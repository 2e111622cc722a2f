package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/renderq/pkg/model"
)

// Store persists job history snapshots.
type Store interface {
	// SaveJob inserts rec or replaces the stored snapshot with the same ID.
	SaveJob(ctx context.Context, rec *model.JobRecord) error
	// GetJob returns nil, nil when no job has the given ID.
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	// ListJobs returns a page of jobs, newest first, and the total count.
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.JobRecord, int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Open returns a Store for driver "sqlite" or "postgres".
func Open(driver, dsn string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteStore(dsn, logger)
	case "postgres":
		return NewPostgresStore(dsn, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
