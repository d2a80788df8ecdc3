package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/id"
	"github.com/pressline/syndicate/job"
)

const jobColumns = `
	id, type, payload, priority, status, step, step_data, fingerprint,
	attempts, max_attempts, last_error, worker_id,
	started_at, completed_at, heartbeat_at, timeout, created_at, updated_at`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syndicate_jobs (
			id, type, payload, priority, status, step, step_data, fingerprint,
			attempts, max_attempts, last_error, worker_id,
			started_at, completed_at, heartbeat_at, timeout, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)`,
		j.ID.String(), j.Type, j.Payload, j.Priority, string(j.Status),
		j.Step, j.StepData, j.Fingerprint,
		j.Attempts, j.MaxAttempts, j.LastError, j.WorkerID.String(),
		j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		j.Timeout.Nanoseconds(), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return syndicate.ErrAlreadyExists
		}
		return fmt.Errorf("syndicate/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM syndicate_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, syndicate.ErrJobNotFound
		}
		return nil, fmt.Errorf("syndicate/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE syndicate_jobs SET
			type = $2, payload = $3, priority = $4, status = $5,
			step = $6, step_data = $7, fingerprint = $8,
			attempts = $9, max_attempts = $10, last_error = $11,
			worker_id = $12, started_at = $13, completed_at = $14,
			heartbeat_at = $15, timeout = $16, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Type, j.Payload, j.Priority, string(j.Status),
		j.Step, j.StepData, j.Fingerprint,
		j.Attempts, j.MaxAttempts, j.LastError,
		j.WorkerID.String(), j.StartedAt, j.CompletedAt,
		j.HeartbeatAt, j.Timeout.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("syndicate/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return syndicate.ErrJobNotFound
	}
	return nil
}

// ClaimJob atomically moves a pending job to running for a worker. The
// conditional UPDATE guarantees exactly one of two racing claimers
// succeeds; the loser gets ErrInvalidState.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE syndicate_jobs SET
			status = 'running', worker_id = $2,
			started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING`+jobColumns,
		jobID.String(), workerID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobStateConflict(ctx, jobID, "claim job")
		}
		return nil, fmt.Errorf("syndicate/postgres: claim job: %w", err)
	}
	return j, nil
}

// SwapJobStatus atomically transitions a job when its current status is
// one of from.
func (s *Store) SwapJobStatus(ctx context.Context, jobID id.JobID, from []job.Status, to job.Status) (*job.Job, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE syndicate_jobs SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING`+jobColumns,
		jobID.String(), fromStrs, string(to),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobStateConflict(ctx, jobID, "swap job status")
		}
		return nil, fmt.Errorf("syndicate/postgres: swap job status: %w", err)
	}
	return j, nil
}

// jobStateConflict distinguishes a missing job from one whose current
// status rejected a conditional transition.
func (s *Store) jobStateConflict(ctx context.Context, jobID id.JobID, op string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM syndicate_jobs WHERE id = $1`,
		jobID.String(),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return syndicate.ErrJobNotFound
		}
		return fmt.Errorf("syndicate/postgres: %s: %w", op, err)
	}
	return &syndicate.InvalidStateError{Op: op, Status: status}
}

// FindOpenJobByFingerprint returns the open job with the fingerprint.
func (s *Store) FindOpenJobByFingerprint(ctx context.Context, fingerprint string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM syndicate_jobs
		WHERE fingerprint = $1
		  AND status IN ('pending', 'running', 'step_complete')
		LIMIT 1`,
		fingerprint,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, syndicate.ErrJobNotFound
		}
		return nil, fmt.Errorf("syndicate/postgres: find job by fingerprint: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching opts, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + ` FROM syndicate_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, opts.Type)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("syndicate/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.ListOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM syndicate_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, opts.Type)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("syndicate/postgres: count jobs: %w", err)
	}
	return count, nil
}

// PendingJobs returns all pending jobs for queue recovery at startup.
func (s *Store) PendingJobs(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+jobColumns+` FROM syndicate_jobs
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("syndicate/postgres: pending jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// HeartbeatJob refreshes the heartbeat for a job the worker still holds.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE syndicate_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND worker_id = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("syndicate/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobStateConflict(ctx, jobID, "heartbeat")
	}
	return nil
}

// ReapStaleJobs resets running jobs with expired heartbeats to pending,
// preserving Step for resume, and returns them.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := s.pool.Query(ctx, `
		UPDATE syndicate_jobs SET
			status = 'pending', worker_id = '',
			started_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE status = 'running'
		  AND COALESCE(heartbeat_at, started_at) < $1
		RETURNING`+jobColumns,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("syndicate/postgres: reap stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		statusStr string
		workerStr string
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.Type, &j.Payload, &j.Priority, &statusStr,
		&j.Step, &j.StepData, &j.Fingerprint,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &workerStr,
		&j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
		&timeoutNs, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(statusStr)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("syndicate/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(workerStr); workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("syndicate/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syndicate/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
