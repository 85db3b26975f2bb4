package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/catalog"
	"github.com/voxeval/dispatch/engine"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
	"github.com/voxeval/dispatch/reporter"
	"github.com/voxeval/dispatch/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	engine  *engine.Engine
	catalog *catalog.Memory

	workflow *catalog.Workflow
	vendor   *catalog.Vendor
	enabled  *catalog.TestCase
	disabled *catalog.TestCase
}

// newFixture stands up an engine over a memory store and a seeded catalog:
// one workflow with one enabled and one disabled test case.
func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()

	cat := catalog.NewMemory()
	vendor := &catalog.Vendor{ID: id.NewVendorID(), Name: "acme", Enabled: true}
	wf := &catalog.Workflow{ID: id.NewWorkflowID(), Name: "regression", Enabled: true}
	enabled := &catalog.TestCase{
		ID: id.NewTestCaseID(), WorkflowID: wf.ID, VendorID: vendor.ID,
		Name: "greeting", Region: dispatch.RegionNA, Enabled: true,
	}
	disabled := &catalog.TestCase{
		ID: id.NewTestCaseID(), WorkflowID: wf.ID, VendorID: vendor.ID,
		Name: "dtmf", Region: dispatch.RegionNA, Enabled: false,
	}
	cat.PutVendor(vendor)
	cat.PutWorkflow(wf)
	cat.PutTestCase(enabled)
	cat.PutTestCase(disabled)

	st := memory.New(memory.WithCatalog(cat))
	opts = append(opts, engine.WithLogger(discard()))
	eng, err := engine.New(st, cat, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	return &fixture{
		engine:   eng,
		catalog:  cat,
		workflow: wf,
		vendor:   vendor,
		enabled:  enabled,
		disabled: disabled,
	}
}

// registerWorker mints a token and registers a worker through the engine.
func (f *fixture) registerWorker(t *testing.T, region dispatch.Region) id.WorkerID {
	t.Helper()
	ctx := context.Background()
	_, secret, err := f.engine.MintToken(ctx, "pool", region)
	if err != nil {
		t.Fatal(err)
	}
	w, err := f.engine.RegisterWorker(ctx, secret, "w", nil)
	if err != nil {
		t.Fatal(err)
	}
	return w.ID
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := engine.New(nil, nil)
	if !errors.Is(err, dispatch.ErrNoStore) {
		t.Fatalf("got error %v, want ErrNoStore", err)
	}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.engine.CreateJob(ctx, f.enabled.ID)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.State != job.StatePending {
		t.Fatalf("state = %q, want %q", j.State, job.StatePending)
	}
	if j.Region != dispatch.RegionNA {
		t.Fatalf("region = %q, want inherited %q", j.Region, dispatch.RegionNA)
	}
	if j.VendorID.String() != f.vendor.ID.String() {
		t.Fatalf("vendor = %q, want %q", j.VendorID, f.vendor.ID)
	}
	if j.MaxRetries != f.engine.Config().MaxRetries {
		t.Fatalf("max retries = %d, want engine default %d", j.MaxRetries, f.engine.Config().MaxRetries)
	}

	tests := []struct {
		name    string
		tcID    id.TestCaseID
		wantErr error
	}{
		{"disabled test case", f.disabled.ID, dispatch.ErrTestCaseDisabled},
		{"unknown test case", id.NewTestCaseID(), dispatch.ErrTestCaseNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateJob(ctx, tt.tcID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateWorkflowJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	jobs, err := f.engine.CreateWorkflowJobs(ctx, f.workflow.ID)
	if err != nil {
		t.Fatalf("CreateWorkflowJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1 (disabled test case skipped)", len(jobs))
	}
	if jobs[0].TestCaseID.String() != f.enabled.ID.String() {
		t.Fatalf("job test case = %q, want %q", jobs[0].TestCaseID, f.enabled.ID)
	}

	if _, err := f.engine.CreateWorkflowJobs(ctx, id.NewWorkflowID()); !errors.Is(err, dispatch.ErrWorkflowNotFound) {
		t.Fatalf("got error %v, want ErrWorkflowNotFound", err)
	}

	// A disabled workflow produces nothing, without error.
	f.workflow.Enabled = false
	f.catalog.PutWorkflow(f.workflow)
	jobs, err = f.engine.CreateWorkflowJobs(ctx, f.workflow.ID)
	if err != nil {
		t.Fatalf("CreateWorkflowJobs on disabled workflow: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("got %d jobs from a disabled workflow, want 0", len(jobs))
	}
}

func TestClaimAndReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	workerID := f.registerWorker(t, dispatch.RegionNA)
	created, err := f.engine.CreateJob(ctx, f.enabled.ID)
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := f.engine.ClaimJob(ctx, workerID, dispatch.RegionNA)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed == nil || claimed.ID.String() != created.ID.String() {
		t.Fatalf("claimed %v, want %s", claimed, created.ID)
	}

	done, err := f.engine.ReportResult(ctx, workerID, claimed.ID, reporter.OutcomeCompleted, "")
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if done.State != job.StateCompleted {
		t.Fatalf("state = %q, want %q", done.State, job.StateCompleted)
	}

	// Nothing left to claim.
	again, err := f.engine.ClaimJob(ctx, workerID, dispatch.RegionNA)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("expected empty queue, claimed %s", again.ID)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	workerID := f.registerWorker(t, dispatch.RegionEU)
	if err := f.engine.Heartbeat(ctx, workerID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := f.engine.Heartbeat(ctx, id.NewWorkerID()); !errors.Is(err, dispatch.ErrUnknownWorker) {
		t.Fatalf("got error %v, want ErrUnknownWorker", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	workerID := f.registerWorker(t, dispatch.RegionNA)
	created, err := f.engine.CreateJob(ctx, f.enabled.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.CreateJob(ctx, f.enabled.ID); err != nil {
		t.Fatal(err)
	}

	claimed, err := f.engine.ClaimJob(ctx, workerID, dispatch.RegionNA)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimJob: %v %v", claimed, err)
	}
	if claimed.ID.String() != created.ID.String() {
		t.Fatalf("claim order: got %s, want oldest %s", claimed.ID, created.ID)
	}

	stats, err := f.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Jobs["pending"] != 1 || stats.Jobs["running"] != 1 {
		t.Fatalf("job stats = %v, want 1 pending and 1 running", stats.Jobs)
	}
	if stats.Workers["busy"] != 1 {
		t.Fatalf("worker stats = %v, want 1 busy", stats.Workers)
	}
	if _, ok := stats.Workers["offline"]; !ok {
		t.Fatal("worker stats missing zero-valued offline bucket")
	}
}

func TestStartRecoversExpiredLeases(t *testing.T) {
	t.Parallel()

	cfg := dispatch.DefaultConfig()
	cfg.LeaseTimeout = time.Minute
	f := newFixture(t, engine.WithConfig(cfg))
	ctx := context.Background()

	workerID := f.registerWorker(t, dispatch.RegionNA)
	created, err := f.engine.CreateJob(ctx, f.enabled.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Claim directly against the store with a lease that predates the
	// timeout, as a crashed previous process would have left it.
	st := f.engine.Store()
	claimed, err := st.ClaimJob(ctx, dispatch.RegionNA, workerID, time.Now().UTC().Add(-10*time.Minute))
	if err != nil || claimed == nil {
		t.Fatalf("claim setup failed: %v %v", claimed, err)
	}
	// The worker is gone too.
	if err := st.SetWorkerHealth(ctx, workerID, registry.HealthOffline); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := f.engine.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	got, err := f.engine.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StatePending {
		t.Fatalf("state = %q, want %q after startup reap", got.State, job.StatePending)
	}
}
