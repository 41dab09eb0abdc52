package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-engine/internal/models"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

const jobColumns = `id, job_type, user_id, payload, result, status, attempts, max_retries,
	timeout_seconds, worker_id, last_error, created_at, updated_at, started_at, finished_at`

// Store wraps pgxpool for Postgres persistence.
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

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID             string
	Type           string
	UserID         string
	Payload        map[string]any
	MaxRetries     int
	TimeoutSeconds int
}

// CreateJob inserts a new QUEUED job row. The caller supplies the id so the
// idempotency guard can reserve it before anything durable exists.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, user_id, payload, status, attempts, max_retries, timeout_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, p.ID, p.Type, p.UserID, payloadJSON, models.StatusQueued, p.MaxRetries, p.TimeoutSeconds, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:             p.ID,
		Type:           p.Type,
		UserID:         p.UserID,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		Attempts:       0,
		MaxRetries:     p.MaxRetries,
		TimeoutSeconds: p.TimeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// MarkRunning claims a job for a worker. The update only commits if the row
// still shows QUEUED or RETRYING, so a stale queue entry for an already
// dispatched job is a no-op. Returns false when the claim was lost.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, worker_id = $2, started_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6)
	`, id, workerID, models.StatusRunning, now.UTC(), models.StatusQueued, models.StatusRetrying)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted finishes a job successfully. Conditioned on the worker still
// owning the row; a job already timed out by the monitor is left alone.
func (s *Store) MarkCompleted(ctx context.Context, id, workerID string, result map[string]any, now time.Time) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, result = $4, worker_id = NULL, finished_at = $5, updated_at = $5
		WHERE id = $1 AND status = $6 AND worker_id = $2
	`, id, workerID, models.StatusCompleted, resultJSON, now.UTC(), models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// failSet is shared by the two failure transitions: attempts increments,
// last_error is recorded, the job moves to RETRYING while attempts stay
// within max_retries and to FAILED (with finished_at) once exhausted.
const failSet = `
	SET attempts = attempts + 1,
	    last_error = $2,
	    worker_id = NULL,
	    status = CASE WHEN attempts + 1 <= max_retries THEN '` + models.StatusRetrying + `' ELSE '` + models.StatusFailed + `' END,
	    finished_at = CASE WHEN attempts + 1 <= max_retries THEN finished_at ELSE $3 END,
	    updated_at = $3
`

// FailFromWorker applies the retry-or-fail transition after an executor
// error, conditioned on the reporting worker still owning the row.
// Returns the resulting status and attempt count.
func (s *Store) FailFromWorker(ctx context.Context, id, workerID, lastError string, now time.Time) (string, int, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs`+failSet+`
		WHERE id = $1 AND status = $4 AND worker_id = $5
		RETURNING status, attempts
	`, id, lastError, now.UTC(), models.StatusRunning, workerID)
	return scanFailOutcome(row, "fail from worker")
}

// FailFromMonitor applies the same transition for a timed-out job. It is
// conditioned on started_at matching what the monitor read, so a worker that
// finished (or a retry that restarted the episode) in the meantime wins.
func (s *Store) FailFromMonitor(ctx context.Context, id string, startedAt time.Time, lastError string, now time.Time) (string, int, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs`+failSet+`
		WHERE id = $1 AND status = $4 AND started_at = $5
		RETURNING status, attempts
	`, id, lastError, now.UTC(), models.StatusRunning, startedAt.UTC())
	return scanFailOutcome(row, "fail from monitor")
}

func scanFailOutcome(row pgx.Row, op string) (string, int, bool, error) {
	var status string
	var attempts int
	if err := row.Scan(&status, &attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return status, attempts, true, nil
}

// MarkDispatchFailed fails a job that was inserted but never made it onto
// the dispatch queue. Nothing will ever pop it, so leaving it QUEUED would
// strand it forever.
func (s *Store) MarkDispatchFailed(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = $3, finished_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, lastError, now.UTC(), models.StatusQueued)
	if err != nil {
		return fmt.Errorf("mark dispatch failed: %w", err)
	}
	return nil
}

// RecoverStale re-queues RUNNING jobs whose episode started before the
// cutoff. Attempts are not touched: the owning process died, the job did not
// fail. Returns the recovered ids for re-enqueueing.
func (s *Store) RecoverStale(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $1, worker_id = NULL, updated_at = $2
		WHERE status = $3 AND started_at < $4
		RETURNING id
	`, models.StatusQueued, now.UTC(), models.StatusRunning, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("recover stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recovered id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JobsByStatus returns all jobs in the given status, oldest first.
func (s *Store) JobsByStatus(ctx context.Context, status string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountsByStatus aggregates job counts per lifecycle state.
func (s *Store) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{
		models.StatusQueued:    0,
		models.StatusRunning:   0,
		models.StatusRetrying:  0,
		models.StatusCompleted: 0,
		models.StatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AvgExecutionSeconds returns the mean started-to-finished duration across
// finished episodes.
func (s *Store) AvgExecutionSeconds(ctx context.Context) (float64, error) {
	var avg pgtype.Float8
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (finished_at - started_at)))
		FROM jobs
		WHERE finished_at IS NOT NULL AND started_at IS NOT NULL
	`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("avg execution time: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// CompletedSince counts jobs that finished successfully inside the window.
func (s *Store) CompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND finished_at >= $2
	`, models.StatusCompleted, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var workerID, lastErr pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Type, &job.UserID, &payloadJSON, &resultJSON, &job.Status,
		&job.Attempts, &job.MaxRetries, &job.TimeoutSeconds, &workerID, &lastErr,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		return models.Job{}, err
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.WorkerID = textPtr(workerID)
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
