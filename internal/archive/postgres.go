package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"doc-converter/internal/models"
)

// Store keeps one row per swept terminal job, so job history outlives the
// short-lived Redis records and their files.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS archived_jobs (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    filename      TEXT NOT NULL,
    from_format   TEXT NOT NULL,
    to_format     TEXT NOT NULL,
    engine        TEXT,
    produced_by   TEXT,
    client_id     TEXT,
    error         TEXT,
    is_retry      BOOLEAN NOT NULL DEFAULT FALSE,
    original_id   TEXT,
    file_count    INT NOT NULL DEFAULT 0,
    pages         INT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    downloaded_at TIMESTAMPTZ,
    archived_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS archived_jobs_client_idx ON archived_jobs (client_id, archived_at);
`

// RunMigrations applies the archive schema.
func (s *Store) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply archive schema: %w", err)
	}
	return nil
}

// ArchiveJob upserts the job row. The sweeper may retry a job whose file
// deletion failed after archiving, so the insert must be idempotent.
func (s *Store) ArchiveJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archived_jobs
			(id, status, filename, from_format, to_format, engine, produced_by,
			 client_id, error, is_retry, original_id, file_count, pages,
			 created_at, completed_at, downloaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Status, job.Filename, job.FromFormat, job.ToFormat,
		emptyToNil(job.Engine), emptyToNil(job.ProducedBy), emptyToNil(job.ClientID),
		emptyToNil(job.Error), job.IsRetry, emptyToNil(job.OriginalJobID),
		job.FileCount, job.Pages, job.CreatedAt, job.CompletedAt, job.DownloadedAt)
	if err != nil {
		return fmt.Errorf("insert archived job: %w", err)
	}
	return nil
}

// ArchivedJob is the read model for archive queries.
type ArchivedJob struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Filename    string     `json:"filename"`
	FromFormat  string     `json:"from_format"`
	ToFormat    string     `json:"to_format"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ArchivedAt  time.Time  `json:"archived_at"`
}

// GetJob fetches one archived job row.
func (s *Store) GetJob(ctx context.Context, id string) (ArchivedJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, filename, from_format, to_format, error, created_at, completed_at, archived_at
		FROM archived_jobs WHERE id = $1
	`, id)
	var job ArchivedJob
	var errText pgtype.Text
	var completed pgtype.Timestamptz
	err := row.Scan(&job.ID, &job.Status, &job.Filename, &job.FromFormat,
		&job.ToFormat, &errText, &job.CreatedAt, &completed, &job.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ArchivedJob{}, false, nil
	}
	if err != nil {
		return ArchivedJob{}, false, fmt.Errorf("scan archived job: %w", err)
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return job, true, nil
}

// ListClientJobs returns a client's archived jobs, newest first.
func (s *Store) ListClientJobs(ctx context.Context, clientID string, limit int) ([]ArchivedJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, filename, from_format, to_format, error, created_at, completed_at, archived_at
		FROM archived_jobs WHERE client_id = $1
		ORDER BY archived_at DESC LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ArchivedJob
	for rows.Next() {
		var job ArchivedJob
		var errText pgtype.Text
		var completed pgtype.Timestamptz
		if err := rows.Scan(&job.ID, &job.Status, &job.Filename, &job.FromFormat,
			&job.ToFormat, &errText, &job.CreatedAt, &completed, &job.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archived job: %w", err)
		}
		if errText.Valid {
			job.Error = &errText.String
		}
		if completed.Valid {
			job.CompletedAt = &completed.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
