// Package reaper recovers jobs abandoned by failed workers. It runs on a
// fixed interval, independent of any request path: running jobs whose lease
// has expired without a terminal report, and whose worker is no longer
// eligible, are rewound to pending for another worker to claim. A job that
// keeps expiring is eventually failed terminally rather than requeued
// forever.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/heartbeat"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/observability"
)

// Reaper reclaims expired job leases.
type Reaper struct {
	jobs    job.Store
	monitor *heartbeat.Monitor
	lease   time.Duration
	every   time.Duration
	retries int
	logger  *slog.Logger
	metrics *observability.Metrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLeaseTimeout sets how long a claimed job may run without a report
// before its lease is considered expired.
func WithLeaseTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.lease = d }
}

// WithInterval sets how often the reaper scans for expired leases.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.every = d }
}

// WithMaxRetries sets the default retry ceiling for jobs whose own
// MaxRetries is unset.
func WithMaxRetries(n int) Option {
	return func(r *Reaper) { r.retries = n }
}

// WithLogger sets the structured logger for the reaper.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithMetrics sets the instrument set used to count reap outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// New creates a Reaper over the given job store and heartbeat monitor.
func New(jobs job.Store, monitor *heartbeat.Monitor, opts ...Option) *Reaper {
	def := dispatch.DefaultConfig()
	r := &Reaper{
		jobs:    jobs,
		monitor: monitor,
		lease:   def.LeaseTimeout,
		every:   def.ReapInterval,
		retries: def.MaxRetries,
		logger:  slog.Default(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the reap loop. It returns immediately.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	r.wg.Add(1)
	go r.loop()

	return nil
}

// Stop signals the reap loop to stop and waits for it to finish, or until
// ctx is done when a sweep is stuck on a slow store.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ReapExpired(context.Background())
		}
	}
}

// ReapExpired performs one sweep. Exported so the engine can trigger a
// sweep deterministically in tests and at startup after a crash.
//
// A sweep failure is logged and retried on the next tick; a missed sweep
// only delays recovery, it never corrupts state. Requeue and fail are both
// conditional transitions keyed on the job's current lease, so a stale
// candidate list (the job reported in between) is harmless.
func (r *Reaper) ReapExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.lease)

	expired, err := r.jobs.ListExpiredLeases(ctx, cutoff)
	if err != nil {
		r.logger.Error("lease scan failed", slog.String("error", err.Error()))
		return
	}

	for _, j := range expired {
		// A worker that is still eligible may just be slow; its lease
		// is honored until the heartbeat lapses too. Never reassign on
		// lease expiry alone, to tolerate transient network blips.
		eligible, eligErr := r.monitor.IsEligible(ctx, j.WorkerID, time.Now().UTC())
		if eligErr != nil && !errors.Is(eligErr, dispatch.ErrUnknownWorker) {
			r.logger.Error("eligibility check failed",
				slog.String("worker_id", j.WorkerID.String()),
				slog.String("error", eligErr.Error()),
			)
			continue
		}
		if eligible {
			continue
		}

		maxRetries := j.MaxRetries
		if maxRetries <= 0 {
			maxRetries = r.retries
		}

		if j.RetryCount >= maxRetries {
			r.failExhausted(ctx, j, maxRetries)
			continue
		}

		if err := r.jobs.RequeueJob(ctx, j.ID, j.WorkerID, time.Now().UTC()); err != nil {
			if errors.Is(err, dispatch.ErrLeaseMismatch) {
				// Finalized or reassigned since the scan; nothing to do.
				continue
			}
			r.logger.Error("requeue failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		if r.metrics != nil {
			r.metrics.RecordReap(ctx, string(j.Region), "requeued")
		}
		r.logger.Info("reaped expired lease",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", j.WorkerID.String()),
			slog.Int("retry_count", j.RetryCount+1),
		)
	}
}

func (r *Reaper) failExhausted(ctx context.Context, j *job.Job, maxRetries int) {
	errText := dispatch.ErrRetriesExhausted.Error()

	_, err := r.jobs.FinalizeJob(ctx, j.ID, j.WorkerID, job.StateFailed, errText, time.Now().UTC())
	if err != nil {
		if errors.Is(err, dispatch.ErrLeaseMismatch) {
			return
		}
		r.logger.Error("failed to terminate exhausted job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if r.metrics != nil {
		r.metrics.RecordReap(ctx, string(j.Region), "exhausted")
	}
	r.logger.Warn("job failed after exhausting lease retries",
		slog.String("job_id", j.ID.String()),
		slog.Int("max_retries", maxRetries),
	)
}
