package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, name, model, status, prompts, config, results, progress, error,
	created_at, started_at, completed_at, updated_at`

func (s *PostgresStore) PutJob(ctx context.Context, job *models.BatchJob) error {
	prompts, err := json.Marshal(job.Prompts)
	if err != nil {
		return fmt.Errorf("encode prompts: %w", err)
	}
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	results := job.Results
	if results == nil {
		results = []models.BatchJobResult{}
	}
	res, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   model = EXCLUDED.model,
		   status = EXCLUDED.status,
		   prompts = EXCLUDED.prompts,
		   config = EXCLUDED.config,
		   results = EXCLUDED.results,
		   progress = EXCLUDED.progress,
		   error = EXCLUDED.error,
		   started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at,
		   updated_at = EXCLUDED.updated_at`,
		job.ID, job.Name, job.Model, string(job.Status), prompts, cfg, res, job.Progress, job.Error,
		job.CreatedAt, job.StartedAt, job.CompletedAt, updatedAt)
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.BatchJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*models.BatchJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.BatchJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM batch_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if models.JobStatus(status) == models.JobStatusRunning {
			return ErrJobRunning
		}
		if _, err := tx.Exec(ctx, `DELETE FROM batch_jobs WHERE id = $1`, id); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if errors.Is(err, ErrJobRunning) {
		return false, ErrJobRunning
	}
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return deleted, nil
}

// scanJob reads one batch_jobs row selected with jobColumns.
func scanJob(row pgx.Row) (*models.BatchJob, error) {
	var (
		job                   models.BatchJob
		status                string
		prompts, cfg, results []byte
	)
	if err := row.Scan(&job.ID, &job.Name, &job.Model, &status, &prompts, &cfg, &results,
		&job.Progress, &job.Error, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(prompts, &job.Prompts); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	if err := json.Unmarshal(cfg, &job.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal(results, &job.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return &job, nil
}
