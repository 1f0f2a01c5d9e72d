package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-cartoonizer/internal/process"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cartoon_jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	input        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT '',
	failed_stage TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	output_path  TEXT NOT NULL DEFAULT '',
	download_url TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps jobs in the cartoon_jobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and creates the table if needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create cartoon_jobs: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() { p.pool.Close() }

func (p *PostgresStore) Create(ctx context.Context, job *process.Job) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cartoon_jobs (id, kind, input, status, state, failed_stage, error, output_path, download_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Kind, job.Input, string(job.Status), job.State, job.FailedStage, job.Error,
		job.OutputPath, job.DownloadURL, job.CreatedAt, job.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*process.Job, error) {
	var j process.Job
	var status string
	err := p.pool.QueryRow(ctx, `
		SELECT id, kind, input, status, state, failed_stage, error, output_path, download_url, created_at, updated_at
		FROM cartoon_jobs WHERE id = $1`, id).Scan(
		&j.ID, &j.Kind, &j.Input, &status, &j.State, &j.FailedStage, &j.Error,
		&j.OutputPath, &j.DownloadURL, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	j.Status = process.JobStatus(status)
	return &j, nil
}

func (p *PostgresStore) Update(ctx context.Context, job *process.Job) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE cartoon_jobs
		SET status = $2, state = $3, failed_stage = $4, error = $5, output_path = $6, download_url = $7, updated_at = $8
		WHERE id = $1`,
		job.ID, string(job.Status), job.State, job.FailedStage, job.Error, job.OutputPath, job.DownloadURL, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	return nil
}
