// Package reporter finalizes jobs from worker completion and failure
// reports. A report is honored only while the reporting worker still holds
// the job's lease; a stale report from a reaped or reassigned worker is
// rejected with dispatch.ErrLeaseMismatch and changes nothing — the job has
// moved on, so the stale result is moot.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
)

// Outcome is a worker's verdict on a finished job.
type Outcome string

const (
	// OutcomeCompleted means the evaluation finished successfully.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the evaluation failed; ErrText carries detail.
	OutcomeFailed Outcome = "failed"
)

// IsValid reports whether o is one of the closed set of outcomes.
func (o Outcome) IsValid() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

// Reporter accepts worker reports and writes terminal job state.
type Reporter struct {
	jobs    job.Store
	workers registry.Store
	logger  *slog.Logger
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the structured logger for the reporter.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// New creates a Reporter.
func New(jobs job.Store, workers registry.Store, opts ...Option) *Reporter {
	r := &Reporter{
		jobs:    jobs,
		workers: workers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report validates lease ownership and finalizes the job: the terminal
// state and CompletedAt are written atomically, conditional on the job
// being running and assigned to exactly this worker. On success the worker
// returns to online.
func (r *Reporter) Report(ctx context.Context, workerID id.WorkerID, jobID id.JobID, outcome Outcome, errText string) (*job.Job, error) {
	if !outcome.IsValid() {
		return nil, fmt.Errorf("reporter: unknown outcome %q", outcome)
	}

	terminal := job.StateCompleted
	if outcome == OutcomeFailed {
		terminal = job.StateFailed
	}

	j, err := r.jobs.FinalizeJob(ctx, jobID, workerID, terminal, errText, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if err := r.workers.SetWorkerHealth(ctx, workerID, registry.HealthOnline); err != nil {
		r.logger.Warn("failed to return worker to online",
			slog.String("worker_id", workerID.String()),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Info("job finalized",
		slog.String("job_id", jobID.String()),
		slog.String("worker_id", workerID.String()),
		slog.String("state", string(terminal)),
	)

	return j, nil
}
