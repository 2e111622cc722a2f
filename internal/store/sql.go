package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/me/renderq/pkg/model"
)

// timeLayout keeps a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqlStore holds the queries common to both drivers. Queries are written
// with ? placeholders; bind rewrites them for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	logger   *slog.Logger
	numbered bool
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *sqlStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func (s *sqlStore) bind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *sqlStore) SaveJob(ctx context.Context, rec *model.JobRecord) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "id", rec.ID, "status", rec.Status)

	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO jobs (id, name, priority, status, progress_percent, progress, error, attempts, duration, created_at, started_at, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			priority = excluded.priority,
			status = excluded.status,
			progress_percent = excluded.progress_percent,
			progress = excluded.progress,
			error = excluded.error,
			attempts = excluded.attempts,
			duration = excluded.duration,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`),
		rec.ID, rec.Name, rec.Priority.String(), string(rec.Status),
		rec.ProgressPercent, rec.ProgressString, rec.Error, rec.Attempts, rec.Duration,
		rec.CreatedAt.UTC().Format(timeLayout), formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

const jobColumns = `id, name, priority, status, progress_percent, progress, error, attempts, duration, created_at, started_at, finished_at`

func (s *sqlStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqlStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.JobRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, string(opts.Status))
	}
	if opts.Name != "" {
		whereClauses = append(whereClauses, "name = ?")
		countArgs = append(countArgs, opts.Name)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM jobs`+whereSQL), countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + jobColumns + ` FROM jobs` + whereSQL + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.bind(listQuery), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []*model.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.JobRecord, error) {
	var rec model.JobRecord
	var priority, status, createdAt string
	var startedAt, finishedAt *string

	if err := row.Scan(&rec.ID, &rec.Name, &priority, &status, &rec.ProgressPercent,
		&rec.ProgressString, &rec.Error, &rec.Attempts, &rec.Duration,
		&createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	rec.Status = model.JobStatus(status)
	p, err := model.ParsePriority(priority)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", rec.ID, err)
	}
	rec.Priority = p
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.StartedAt = parseTime(startedAt)
	rec.FinishedAt = parseTime(finishedAt)
	return &rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
