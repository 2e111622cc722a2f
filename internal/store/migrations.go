package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL shared by the SQLite and PostgreSQL stores.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		priority         TEXT NOT NULL DEFAULT 'UNSET',
		status           TEXT NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		progress         TEXT NOT NULL DEFAULT '',
		error            TEXT NOT NULL DEFAULT '',
		attempts         INTEGER NOT NULL DEFAULT 0,
		duration         TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		started_at       TEXT,
		finished_at      TEXT,
		updated_at       TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_name ON jobs(name)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
