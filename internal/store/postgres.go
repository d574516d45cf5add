package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

// ErrNoJob is returned when a job row does not exist.
var ErrNoJob = errors.New("job not found")

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
	Queue       string
	Name        string
	Payload     json.RawMessage
	Metadata    models.JobMetadata
	Priority    models.Priority
	MaxAttempts int
	Backoff     models.BackoffPolicy
	RunAt       time.Time
}

// CreateJob inserts a job row in waiting (or delayed) state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == 0 {
		p.Priority = models.PriorityNormal
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	state := models.StateWaiting
	if p.RunAt.After(time.Now()) {
		state = models.StateDelayed
	}

	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}
	backoffJSON, err := json.Marshal(p.Backoff)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal backoff: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, name, payload, metadata, priority, state, attempts_made, max_attempts, backoff, progress, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, 0, $10, $11, $11)
	`, id, p.Queue, p.Name, p.Payload, metaJSON, int(p.Priority), state, p.MaxAttempts, backoffJSON, p.RunAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Queue:       p.Queue,
		Name:        p.Name,
		Payload:     p.Payload,
		Metadata:    p.Metadata,
		Priority:    p.Priority,
		State:       state,
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.Backoff,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `id, queue, name, payload, metadata, priority, state, attempts_made, max_attempts, backoff, progress, return_value, failed_reason, next_run_at, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var metaJSON, backoffJSON []byte
	var returnValue []byte
	var failedReason pgtype.Text
	var finishedAt pgtype.Timestamptz
	var priority int

	err := row.Scan(&job.ID, &job.Queue, &job.Name, &job.Payload, &metaJSON, &priority, &job.State,
		&job.AttemptsMade, &job.MaxAttempts, &backoffJSON, &job.Progress, &returnValue, &failedReason,
		&job.NextRunAt, &job.CreatedAt, &job.UpdatedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNoJob
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Priority = models.Priority(priority)
	if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(backoffJSON, &job.Backoff); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal backoff: %w", err)
	}
	if len(returnValue) > 0 {
		job.ReturnValue = returnValue
	}
	if failedReason.Valid {
		job.FailedReason = &failedReason.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// GetJob fetches a job by (queue, id).
func (s *Store) GetJob(ctx context.Context, queue, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND queue = $2`, id, queue)
	return scanJob(row)
}

// DeleteJob removes a job row. Returns false when the row no longer exists.
func (s *Store) DeleteJob(ctx context.Context, queue, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND queue = $2`, id, queue)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkActive transitions a job to active on worker pickup.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StateActive)
	return err
}

// MarkWaiting re-enters jobs into waiting, used when delayed jobs are
// promoted or a manual retry is requested.
func (s *Store) MarkWaiting(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW() WHERE id = ANY($1)
	`, ids, models.StateWaiting)
	return err
}

// MarkCompleted records a successful run and its return value.
func (s *Store) MarkCompleted(ctx context.Context, id string, returnValue json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, return_value = $3, progress = 100, failed_reason = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StateCompleted, returnValue)
	return err
}

// MarkDelayedRetry records a failed attempt that will retry after backoff.
func (s *Store) MarkDelayedRetry(ctx context.Context, id string, attempts int, nextRun time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, attempts_made = $3, next_run_at = $4, failed_reason = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StateDelayed, attempts, nextRun, reason)
	return err
}

// MarkFailed records a terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, attempts_made = $3, failed_reason = $4, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StateFailed, attempts, reason)
	return err
}

// SetProgress updates the 0-100 progress side channel.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1`, id, progress)
	return err
}

// AppendJobLog adds one log line to the append-only job log.
func (s *Store) AppendJobLog(ctx context.Context, id, line string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, line, ts) VALUES ($1, $2, NOW())
	`, id, line)
	return err
}

// JobLogs returns the job's log lines in append order.
func (s *Store) JobLogs(ctx context.Context, id string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT line FROM job_logs WHERE job_id = $1 ORDER BY ts, seq LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query job logs: %w", err)
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// CountByState returns per-state counts for one queue from a single
// statement, so the snapshot is consistent as of one point in time.
func (s *Store) CountByState(ctx context.Context, queue string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY state
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// PurgeFinished applies the retention policy to completed and failed jobs of
// one queue: rows older than keepAge go first, then rows beyond keepCount
// newest-first. Returns how many rows were removed.
func (s *Store) PurgeFinished(ctx context.Context, queue string, policy models.RetentionPolicy, now time.Time) (int64, error) {
	var total int64
	if policy.KeepAge > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM jobs
			WHERE queue = $1 AND state IN ($2, $3) AND finished_at < $4
		`, queue, models.StateCompleted, models.StateFailed, now.Add(-policy.KeepAge))
		if err != nil {
			return 0, fmt.Errorf("purge by age: %w", err)
		}
		total += tag.RowsAffected()
	}
	if policy.KeepCount > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM jobs WHERE id IN (
				SELECT id FROM jobs
				WHERE queue = $1 AND state IN ($2, $3)
				ORDER BY finished_at DESC
				OFFSET $4
			)
		`, queue, models.StateCompleted, models.StateFailed, policy.KeepCount)
		if err != nil {
			return 0, fmt.Errorf("purge by count: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// CountFinishedBefore reports finished jobs across all queues older than the
// cutoff. Used by the cleanup dry-run.
func (s *Store) CountFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state IN ($1, $2) AND finished_at < $3
	`, models.StateCompleted, models.StateFailed, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count finished jobs: %w", err)
	}
	return n, nil
}

// DeleteFinishedBefore removes finished jobs across all queues older than the
// cutoff, along with their logs.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE state IN ($1, $2) AND finished_at < $3
	`, models.StateCompleted, models.StateFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
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
