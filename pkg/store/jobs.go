package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const jobColumns = `id, job_type, scope, status, priority, payload_json, error, attempts, max_attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.Scope, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.Attempts, &job.MaxAttempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		return Job{}, err
	}
	job.Payload = decodeMap(payloadRaw)
	return job, nil
}

// EnqueueJob inserts job, filling defaults. Re-enqueueing an existing id
// resets it to the supplied state.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) (Job, error) {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(`+jobColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	attempts = excluded.attempts,
	max_attempts = excluded.max_attempts,
	run_after_ms = excluded.run_after_ms,
	lease_until_ms = excluded.lease_until_ms,
	updated_at_ms = excluded.updated_at_ms,
	completed_at_ms = excluded.completed_at_ms`,
		job.ID,
		job.JobType,
		job.Scope,
		job.Status,
		job.Priority,
		encodeMap(job.Payload),
		job.Error,
		job.Attempts,
		job.MaxAttempts,
		job.RunAfterMS,
		job.LeaseUntilMS,
		job.CreatedAtMS,
		job.UpdatedAtMS,
		job.CompletedAtMS,
	)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// ClaimNextJob leases the next due job and counts the attempt.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, run_after_ms ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, attempts = attempts + 1, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`, JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Attempts++
	job.Error = ""
	return job, true, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// RetryJob puts a claimed job back to pending, due at runAfterMS.
func (s *SQLiteStore) RetryJob(ctx context.Context, id, errMsg string, runAfterMS int64) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, error = ?, run_after_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobPending, errMsg, runAfterMS, now, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// HasOpenJob reports whether a pending or running job of jobType exists for scope.
// An empty jobType matches any type.
func (s *SQLiteStore) HasOpenJob(ctx context.Context, scope, jobType string) (bool, error) {
	var n int
	var err error
	if jobType == "" {
		err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE scope = ? AND status IN (?, ?)`, scope, JobPending, JobRunning).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE scope = ? AND job_type = ? AND status IN (?, ?)`, scope, jobType, JobPending, JobRunning).Scan(&n)
	}
	if err != nil {
		return false, fmt.Errorf("has open job: %w", err)
	}
	return n > 0, nil
}

// ListJobs returns jobs for scope (all scopes when empty), newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, scope, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	args := []any{}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// PurgeFinishedJobs deletes completed and failed jobs older than beforeMS.
func (s *SQLiteStore) PurgeFinishedJobs(ctx context.Context, beforeMS int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs WHERE status IN (?, ?) AND updated_at_ms < ?`, JobCompleted, JobFailed, beforeMS)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// SumMetric totals metric values recorded at or after sinceMS.
func (s *SQLiteStore) SumMetric(ctx context.Context, metric string, sinceMS int64) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT SUM(value) FROM metrics WHERE metric = ? AND created_at_ms >= ?`, metric, sinceMS).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum metric: %w", err)
	}
	return total.Float64, nil
}
