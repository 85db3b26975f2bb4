// Package scheduler matches pending evaluation jobs to eligible workers.
// ClaimNext is the central contended operation of the whole engine: under
// any number of concurrent callers, at most one wins a given pending job.
// The single-winner guarantee lives in the store's atomic claim; this
// package enforces the preconditions around it — worker eligibility, region
// affinity, and claim throttling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/heartbeat"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
	"github.com/voxeval/dispatch/throttle"
)

// Scheduler implements the claim side of dispatch.
type Scheduler struct {
	jobs    job.Store
	workers registry.Store
	monitor *heartbeat.Monitor
	limiter *throttle.Limiter
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLimiter sets a per-region claim rate limiter. Without one, claims are
// admitted unconditionally.
func WithLimiter(l *throttle.Limiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithLogger sets the structured logger for the scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler.
func New(jobs job.Store, workers registry.Store, monitor *heartbeat.Monitor, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:    jobs,
		workers: workers,
		monitor: monitor,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClaimNext atomically claims the oldest pending job in the worker's region
// whose test case is enabled. On success the job is running with its lease
// held by workerID, and the worker is marked busy.
//
// A nil job with a nil error means no job is available; callers are expected
// to poll again after a backoff interval. Cross-region claims are rejected
// with dispatch.ErrRegionMismatch, ineligible workers with
// dispatch.ErrWorkerNotEligible, and unregistered identities with
// dispatch.ErrUnknownWorker.
func (s *Scheduler) ClaimNext(ctx context.Context, workerID id.WorkerID, region dispatch.Region) (*job.Job, error) {
	now := time.Now().UTC()

	w, err := s.workers.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, dispatch.ErrWorkerNotFound) {
			return nil, dispatch.ErrUnknownWorker
		}
		return nil, fmt.Errorf("scheduler: look up worker: %w", err)
	}

	if region != w.Region {
		return nil, dispatch.ErrRegionMismatch
	}

	eligible, err := s.monitor.IsEligible(ctx, workerID, now)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, dispatch.ErrWorkerNotEligible
	}

	// A denied claim looks like an empty poll; the worker backs off.
	if s.limiter != nil && !s.limiter.Allow(region) {
		return nil, nil
	}

	j, err := s.jobs.ClaimJob(ctx, region, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("scheduler: claim job: %w", err)
	}
	if j == nil {
		return nil, nil
	}

	if err := s.workers.SetWorkerHealth(ctx, workerID, registry.HealthBusy); err != nil {
		// The claim already won; a failed busy-mark only costs this
		// worker its idle bookkeeping until the next transition.
		s.logger.Warn("failed to mark worker busy",
			slog.String("worker_id", workerID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("job claimed",
		slog.String("job_id", j.ID.String()),
		slog.String("worker_id", workerID.String()),
		slog.String("region", region.String()),
	)

	return j, nil
}
