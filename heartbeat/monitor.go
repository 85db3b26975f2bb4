// Package heartbeat tracks worker liveness. The Monitor consumes periodic
// heartbeats, answers eligibility queries for the scheduler, and runs the
// background sweep that demotes lapsed workers to offline. It is the sole
// source of truth for "is this worker eligible to receive work".
//
// The sweep never touches jobs: reclaiming a dead worker's job is the lease
// reaper's responsibility, keeping worker-health bookkeeping decoupled from
// job-recovery bookkeeping.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/registry"
)

// Monitor tracks worker liveness against a configurable timeout.
type Monitor struct {
	store   registry.Store
	timeout time.Duration
	sweep   time.Duration
	logger  *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout sets the heartbeat timeout after which a worker stops being
// eligible for new work.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithSweepInterval sets how often the offline-demotion sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) { m.sweep = d }
}

// WithLogger sets the structured logger for the monitor.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a Monitor over the given registry store.
func NewMonitor(store registry.Store, opts ...Option) *Monitor {
	def := dispatch.DefaultConfig()
	m := &Monitor{
		store:   store,
		timeout: def.HeartbeatTimeout,
		sweep:   def.SweepInterval,
		logger:  slog.Default(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout returns the configured heartbeat timeout.
func (m *Monitor) Timeout() time.Duration { return m.timeout }

// Beat records a liveness signal: LastHeartbeat=now, and an offline worker
// transitions back to online without any job being touched. Returns
// dispatch.ErrUnknownWorker for an identity the registry has no record of,
// so the worker knows to re-register.
func (m *Monitor) Beat(ctx context.Context, workerID id.WorkerID) error {
	err := m.store.TouchWorker(ctx, workerID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, dispatch.ErrWorkerNotFound) {
			return dispatch.ErrUnknownWorker
		}
		return err
	}
	return nil
}

// IsEligible reports whether a worker may receive new work at the given
// instant: health is not offline and the last heartbeat is within the
// timeout window.
func (m *Monitor) IsEligible(ctx context.Context, workerID id.WorkerID, now time.Time) (bool, error) {
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, dispatch.ErrWorkerNotFound) {
			return false, dispatch.ErrUnknownWorker
		}
		return false, err
	}
	return m.eligible(w, now), nil
}

func (m *Monitor) eligible(w *registry.Worker, now time.Time) bool {
	if w.Health == registry.HealthOffline {
		return false
	}
	return now.Sub(w.LastHeartbeat) <= m.timeout
}

// Start launches the offline-demotion sweep. It returns immediately.
func (m *Monitor) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true

	m.wg.Add(1)
	go m.sweepLoop()

	return nil
}

// Stop signals the sweep to stop and waits for it to finish, or until ctx
// is done when a sweep is stuck on a slow store.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepLoop runs the demotion sweep on a fixed interval. A failed sweep is
// logged and retried on the next tick; a missed sweep only delays demotion,
// it never corrupts state.
func (m *Monitor) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.demoteLapsed(context.Background())
		}
	}
}

// demoteLapsed transitions every worker whose heartbeat has lapsed beyond
// the timeout to offline, busy workers included. Jobs are left alone.
func (m *Monitor) demoteLapsed(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.timeout)

	lapsed, err := m.store.ListLapsedWorkers(ctx, cutoff)
	if err != nil {
		m.logger.Error("heartbeat sweep failed", slog.String("error", err.Error()))
		return
	}

	for _, w := range lapsed {
		if err := m.store.SetWorkerHealth(ctx, w.ID, registry.HealthOffline); err != nil {
			m.logger.Error("failed to demote lapsed worker",
				slog.String("worker_id", w.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("worker demoted to offline",
			slog.String("worker_id", w.ID.String()),
			slog.Time("last_heartbeat", w.LastHeartbeat),
		)
	}
}
