package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
)

const jobColumns = `
	id, test_case_id, vendor_id, workflow_id, region, state, worker_id,
	retry_count, max_retries, last_error,
	started_at, completed_at, created_at, updated_at`

// CreateJob persists a new job in pending state.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eval_jobs (
			id, test_case_id, vendor_id, workflow_id, region, state, worker_id,
			retry_count, max_retries, last_error,
			started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14
		)`,
		j.ID, j.TestCaseID, j.VendorID, j.WorkflowID,
		string(j.Region), string(j.State), j.WorkerID,
		j.RetryCount, j.MaxRetries, j.LastError,
		j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return dispatch.ErrJobAlreadyExists
		}
		return fmt.Errorf("dispatch/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM eval_jobs WHERE id = $1`,
		jobID,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrJobNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get job: %w", err)
	}
	return j, nil
}

// ClaimJob atomically claims the oldest pending job in the region whose
// test case is enabled. FOR UPDATE SKIP LOCKED guarantees a single winner
// under concurrent claimants without lock waits.
func (s *Store) ClaimJob(ctx context.Context, region dispatch.Region, workerID id.WorkerID, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE eval_jobs
			SET state = 'running', worker_id = $2, started_at = $3, updated_at = $3
			WHERE id = (
				SELECT j.id FROM eval_jobs j
				JOIN eval_test_cases tc ON tc.id = j.test_case_id
				WHERE j.state = 'pending'
				  AND j.region = $1
				  AND tc.enabled
				ORDER BY j.created_at ASC, j.id ASC
				FOR UPDATE OF j SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed`,
		string(region), workerID, now,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatch/postgres: claim job: %w", err)
	}
	return j, nil
}

// FinalizeJob atomically transitions a running job held by workerID into a
// terminal state.
func (s *Store) FinalizeJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, terminal job.State, errText string, now time.Time) (*job.Job, error) {
	if !terminal.IsTerminal() {
		return nil, dispatch.ErrInvalidState
	}

	lastError := ""
	if terminal == job.StateFailed {
		lastError = errText
	}

	r := s.pool.QueryRow(ctx, `
		UPDATE eval_jobs
		SET state = $3, completed_at = $4, last_error = $5, updated_at = $4
		WHERE id = $1 AND state = 'running' AND worker_id = $2
		RETURNING `+jobColumns,
		jobID, workerID, string(terminal), now, lastError,
	)

	j, err := scanJob(r)
	if err != nil {
		if isNoRows(err) {
			return nil, s.leaseConflict(ctx, jobID)
		}
		return nil, fmt.Errorf("dispatch/postgres: finalize job: %w", err)
	}
	return j, nil
}

// RequeueJob atomically rewinds a running job held by workerID back to
// pending.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eval_jobs
		SET state = 'pending', worker_id = NULL, started_at = NULL,
		    retry_count = retry_count + 1, updated_at = $3
		WHERE id = $1 AND state = 'running' AND worker_id = $2`,
		jobID, workerID, now,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseConflict(ctx, jobID)
	}
	return nil
}

// leaseConflict distinguishes a missing job from a lease mismatch after a
// conditional transition matched no rows.
func (s *Store) leaseConflict(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM eval_jobs WHERE id = $1)`, jobID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: check job exists: %w", err)
	}
	if !exists {
		return dispatch.ErrJobNotFound
	}
	return dispatch.ErrLeaseMismatch
}

// ListExpiredLeases returns running jobs whose StartedAt precedes the cutoff.
func (s *Store) ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+`
		FROM eval_jobs
		WHERE state = 'running' AND started_at IS NOT NULL AND started_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list expired leases: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobs returns jobs matching opts, ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM eval_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Region != "" {
		query += fmt.Sprintf(" AND region = $%d", argIdx)
		args = append(args, string(opts.Region))
		argIdx++
	}
	if !opts.WorkflowID.IsNil() {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, opts.WorkflowID)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

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
		return nil, fmt.Errorf("dispatch/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM eval_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Region != "" {
		query += fmt.Sprintf(" AND region = $%d", argIdx)
		args = append(args, string(opts.Region))
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("dispatch/postgres: count jobs: %w", err)
	}
	return count, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		regionStr string
		stateStr  string
		lastError *string
	)
	err := row.Scan(
		&j.ID, &j.TestCaseID, &j.VendorID, &j.WorkflowID,
		&regionStr, &stateStr, &j.WorkerID,
		&j.RetryCount, &j.MaxRetries, &lastError,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Region = dispatch.Region(regionStr)
	j.State = job.State(stateStr)
	if lastError != nil {
		j.LastError = *lastError
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
