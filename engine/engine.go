// Package engine wires all dispatch subsystems together: the store, the
// worker registry, the heartbeat monitor, the assignment scheduler, the
// lease reaper, and the result reporter. It owns the lifecycle of the
// background sweeps and is the entry point external triggers use to create
// jobs from the evaluation catalog.
//
// This package exists to break the import cycle: the root dispatch package
// defines Entity and Region (imported by job, registry, etc.) and so cannot
// import those packages back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/catalog"
	"github.com/voxeval/dispatch/heartbeat"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/observability"
	"github.com/voxeval/dispatch/reaper"
	"github.com/voxeval/dispatch/registry"
	"github.com/voxeval/dispatch/reporter"
	"github.com/voxeval/dispatch/scheduler"
	"github.com/voxeval/dispatch/store"
	"github.com/voxeval/dispatch/throttle"
)

// meterName is the instrumentation scope used for engine metrics.
const meterName = "github.com/voxeval/dispatch"

// Engine wires the dispatch subsystems over a single store.
type Engine struct {
	cfg     dispatch.Config
	st      store.Store
	cat     catalog.Catalog
	reg     *registry.Registry
	monitor *heartbeat.Monitor
	sched   *scheduler.Scheduler
	reap    *reaper.Reaper
	report  *reporter.Reporter
	limiter *throttle.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger

	// Optional OTel MeterProvider; nil means use the global one.
	meterProvider metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine's timing and retry policy. Zero fields are
// filled with defaults.
func WithConfig(cfg dispatch.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the structured logger shared by all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithLimiter sets per-region claim throttling. Without one, claims are
// not rate limited.
func WithLimiter(l *throttle.Limiter) Option {
	return func(eng *Engine) { eng.limiter = l }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine's
// metrics. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New creates an Engine over the given store and catalog. The catalog may
// be nil, in which case every test case is treated as enabled and
// CreateJob/CreateWorkflowJobs are unavailable.
func New(st store.Store, cat catalog.Catalog, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, dispatch.ErrNoStore
	}

	eng := &Engine{
		cfg:    dispatch.DefaultConfig(),
		st:     st,
		cat:    cat,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.cfg = eng.cfg.Normalize()

	if eng.meterProvider != nil {
		eng.metrics = observability.NewMetricsWithMeter(eng.meterProvider.Meter(meterName))
	} else {
		eng.metrics = observability.NewMetrics()
	}

	eng.reg = registry.New(st, registry.WithLogger(eng.logger))

	eng.monitor = heartbeat.NewMonitor(st,
		heartbeat.WithTimeout(eng.cfg.HeartbeatTimeout),
		heartbeat.WithSweepInterval(eng.cfg.SweepInterval),
		heartbeat.WithLogger(eng.logger),
	)

	schedOpts := []scheduler.Option{scheduler.WithLogger(eng.logger)}
	if eng.limiter != nil {
		schedOpts = append(schedOpts, scheduler.WithLimiter(eng.limiter))
	}
	eng.sched = scheduler.New(st, st, eng.monitor, schedOpts...)

	eng.reap = reaper.New(st, eng.monitor,
		reaper.WithLeaseTimeout(eng.cfg.LeaseTimeout),
		reaper.WithInterval(eng.cfg.ReapInterval),
		reaper.WithMaxRetries(eng.cfg.MaxRetries),
		reaper.WithLogger(eng.logger),
		reaper.WithMetrics(eng.metrics),
	)

	eng.report = reporter.New(st, st, reporter.WithLogger(eng.logger))

	return eng, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches the background sweeps. An immediate reap pass recovers
// leases left expired by a previous crash before the first tick.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.monitor.Start(ctx); err != nil {
		return err
	}
	if err := eng.reap.Start(ctx); err != nil {
		return err
	}

	eng.reap.ReapExpired(ctx)

	eng.logger.Info("dispatch engine started",
		slog.Duration("heartbeat_timeout", eng.cfg.HeartbeatTimeout),
		slog.Duration("lease_timeout", eng.cfg.LeaseTimeout),
	)
	return nil
}

// Stop shuts down the background sweeps, waiting up to ShutdownTimeout.
func (eng *Engine) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
	defer cancel()

	if err := eng.monitor.Stop(ctx); err != nil {
		eng.logger.Error("heartbeat monitor stop error", slog.String("error", err.Error()))
	}
	if err := eng.reap.Stop(ctx); err != nil {
		eng.logger.Error("lease reaper stop error", slog.String("error", err.Error()))
	}

	eng.logger.Info("dispatch engine stopped")
	return nil
}

// ──────────────────────────────────────────────────
// Worker lifecycle
// ──────────────────────────────────────────────────

// RegisterWorker authenticates the raw token and creates or reactivates the
// worker bound to it.
func (eng *Engine) RegisterWorker(ctx context.Context, rawToken, name string, metadata map[string]string) (*registry.Worker, error) {
	return eng.reg.Register(ctx, rawToken, name, metadata)
}

// Heartbeat records a worker liveness signal.
func (eng *Engine) Heartbeat(ctx context.Context, workerID id.WorkerID) error {
	if err := eng.monitor.Beat(ctx, workerID); err != nil {
		return err
	}
	eng.metrics.RecordHeartbeat(ctx)
	return nil
}

// MintToken creates a worker token for a named pool in a region. The raw
// secret is returned once and never recoverable afterwards.
func (eng *Engine) MintToken(ctx context.Context, name string, region dispatch.Region) (*registry.WorkerToken, string, error) {
	return eng.reg.MintToken(ctx, name, region)
}

// RevokeToken revokes a worker token. In-flight jobs held by its worker are
// left to the lease reaper.
func (eng *Engine) RevokeToken(ctx context.Context, tokenID id.TokenID) error {
	return eng.reg.Revoke(ctx, tokenID)
}

// ──────────────────────────────────────────────────
// Job flow
// ──────────────────────────────────────────────────

// ClaimJob assigns the oldest eligible pending job in the worker's region.
// (nil, nil) means no job is available.
func (eng *Engine) ClaimJob(ctx context.Context, workerID id.WorkerID, region dispatch.Region) (*job.Job, error) {
	j, err := eng.sched.ClaimNext(ctx, workerID, region)
	if err != nil {
		return nil, err
	}
	if j != nil {
		eng.metrics.RecordClaim(ctx, string(j.Region))
	}
	return j, nil
}

// ReportResult finalizes a job from a worker's terminal report.
func (eng *Engine) ReportResult(ctx context.Context, workerID id.WorkerID, jobID id.JobID, outcome reporter.Outcome, errText string) (*job.Job, error) {
	j, err := eng.report.Report(ctx, workerID, jobID, outcome, errText)
	if err != nil {
		return nil, err
	}

	var elapsed time.Duration
	if j.StartedAt != nil && j.CompletedAt != nil {
		elapsed = j.CompletedAt.Sub(*j.StartedAt)
	}
	eng.metrics.RecordReport(ctx, string(j.Region), string(outcome), elapsed)

	return j, nil
}

// CreateJob creates a pending job for a single test case. The job inherits
// the test case's region and the engine's retry ceiling.
func (eng *Engine) CreateJob(ctx context.Context, testCaseID id.TestCaseID) (*job.Job, error) {
	if eng.cat == nil {
		return nil, dispatch.ErrTestCaseNotFound
	}

	tc, err := eng.cat.GetTestCase(ctx, testCaseID)
	if err != nil {
		return nil, err
	}
	if !tc.Enabled {
		return nil, dispatch.ErrTestCaseDisabled
	}

	return eng.createFromTestCase(ctx, tc)
}

// CreateWorkflowJobs creates one pending job per enabled test case in a
// workflow. Disabled test cases are skipped silently; a disabled workflow
// produces no jobs.
func (eng *Engine) CreateWorkflowJobs(ctx context.Context, workflowID id.WorkflowID) ([]*job.Job, error) {
	if eng.cat == nil {
		return nil, dispatch.ErrWorkflowNotFound
	}

	wf, err := eng.cat.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Enabled {
		eng.logger.Info("workflow disabled, no jobs created",
			slog.String("workflow_id", workflowID.String()),
		)
		return nil, nil
	}

	cases, err := eng.cat.ListTestCases(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var jobs []*job.Job
	for _, tc := range cases {
		if !tc.Enabled {
			continue
		}
		j, createErr := eng.createFromTestCase(ctx, tc)
		if createErr != nil {
			return jobs, createErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (eng *Engine) createFromTestCase(ctx context.Context, tc *catalog.TestCase) (*job.Job, error) {
	j := &job.Job{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewJobID(),
		TestCaseID: tc.ID,
		VendorID:   tc.VendorID,
		WorkflowID: tc.WorkflowID,
		Region:     tc.Region,
		State:      job.StatePending,
		MaxRetries: eng.cfg.MaxRetries,
	}

	if err := eng.st.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	eng.logger.Info("job created",
		slog.String("job_id", j.ID.String()),
		slog.String("test_case_id", tc.ID.String()),
		slog.String("region", string(j.Region)),
	)
	return j, nil
}

// ──────────────────────────────────────────────────
// Console projection
// ──────────────────────────────────────────────────

// GetJob retrieves a job by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.st.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching opts.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return eng.st.ListJobs(ctx, opts)
}

// ListWorkers returns workers matching opts.
func (eng *Engine) ListWorkers(ctx context.Context, opts registry.ListWorkersOpts) ([]*registry.Worker, error) {
	return eng.reg.ListWorkers(ctx, opts)
}

// ListTokens returns all worker tokens.
func (eng *Engine) ListTokens(ctx context.Context) ([]*registry.WorkerToken, error) {
	return eng.reg.ListTokens(ctx)
}

// Stats summarizes the dispatch plane for the console.
type Stats struct {
	Jobs    map[string]int64 `json:"jobs"`
	Workers map[string]int   `json:"workers"`
}

// Stats returns job counts per state and worker counts per health state.
func (eng *Engine) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Jobs:    make(map[string]int64, 4),
		Workers: make(map[string]int, 3),
	}

	for _, state := range []job.State{job.StatePending, job.StateRunning, job.StateCompleted, job.StateFailed} {
		n, err := eng.st.CountJobs(ctx, job.CountOpts{State: state})
		if err != nil {
			return nil, err
		}
		st.Jobs[string(state)] = n
	}

	workers, err := eng.reg.ListWorkers(ctx, registry.ListWorkersOpts{})
	if err != nil {
		return nil, err
	}
	for _, h := range []registry.Health{registry.HealthOnline, registry.HealthBusy, registry.HealthOffline} {
		st.Workers[string(h)] = 0
	}
	for _, w := range workers {
		st.Workers[string(w.Health)]++
	}

	return st, nil
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Store returns the underlying store.
func (eng *Engine) Store() store.Store { return eng.st }

// Catalog returns the catalog, or nil if none was provided.
func (eng *Engine) Catalog() catalog.Catalog { return eng.cat }

// Registry returns the worker registry service.
func (eng *Engine) Registry() *registry.Registry { return eng.reg }

// Monitor returns the heartbeat monitor.
func (eng *Engine) Monitor() *heartbeat.Monitor { return eng.monitor }

// Scheduler returns the assignment scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.sched }

// Reaper returns the lease reaper.
func (eng *Engine) Reaper() *reaper.Reaper { return eng.reap }

// Config returns the engine's normalized configuration.
func (eng *Engine) Config() dispatch.Config { return eng.cfg }
