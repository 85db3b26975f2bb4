package reporter_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voxeval/dispatch"
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
	store    *memory.Store
	reporter *reporter.Reporter
	worker   *registry.Worker
	job      *job.Job
}

// newFixture stands up a store with one busy worker holding one running job.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	w := &registry.Worker{
		Entity:        dispatch.NewEntity(),
		ID:            id.NewWorkerID(),
		TokenID:       id.NewTokenID(),
		Name:          "w",
		Region:        dispatch.RegionNA,
		Health:        registry.HealthBusy,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := s.SaveWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	j := &job.Job{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewJobID(),
		TestCaseID: id.NewTestCaseID(),
		Region:     dispatch.RegionNA,
		State:      job.StatePending,
		MaxRetries: 3,
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimJob(ctx, dispatch.RegionNA, w.ID, time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("claim setup failed: %v %v", claimed, err)
	}

	return &fixture{
		store:    s,
		reporter: reporter.New(s, s, reporter.WithLogger(discard())),
		worker:   w,
		job:      claimed,
	}
}

func TestReportCompleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.reporter.Report(ctx, f.worker.ID, f.job.ID, reporter.OutcomeCompleted, "")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("state = %q, want %q", got.State, job.StateCompleted)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}

	// The worker is idle again.
	w, err := f.store.GetWorker(ctx, f.worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.Health != registry.HealthOnline {
		t.Fatalf("worker health = %q, want %q", w.Health, registry.HealthOnline)
	}
}

func TestReportFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.reporter.Report(ctx, f.worker.ID, f.job.ID, reporter.OutcomeFailed, "vendor hung up mid-call")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("state = %q, want %q", got.State, job.StateFailed)
	}
	if got.LastError != "vendor hung up mid-call" {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestReportInvalidOutcome(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.reporter.Report(context.Background(), f.worker.ID, f.job.ID, reporter.Outcome("crashed"), "")
	if err == nil {
		t.Fatal("expected error for unknown outcome")
	}

	// The job is untouched.
	got, _ := f.store.GetJob(context.Background(), f.job.ID)
	if got.State != job.StateRunning {
		t.Fatalf("state = %q, want %q", got.State, job.StateRunning)
	}
}

func TestReportLeaseMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		workerID id.WorkerID
		jobID    id.JobID
		wantErr  error
	}{
		{"wrong worker", id.NewWorkerID(), f.job.ID, dispatch.ErrLeaseMismatch},
		{"unknown job", f.worker.ID, id.NewJobID(), dispatch.ErrJobNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reporter.Report(ctx, tt.workerID, tt.jobID, reporter.OutcomeCompleted, "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	// A rejected report leaves the lease intact.
	got, err := f.store.GetJob(ctx, f.job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateRunning || got.WorkerID.String() != f.worker.ID.String() {
		t.Fatalf("lease disturbed by rejected report: state=%q worker=%q", got.State, got.WorkerID)
	}
}

func TestReportAfterReapIsMoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Simulate the reaper rewinding the job before the report lands.
	if err := f.store.RequeueJob(ctx, f.job.ID, f.worker.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	_, err := f.reporter.Report(ctx, f.worker.ID, f.job.ID, reporter.OutcomeCompleted, "")
	if !errors.Is(err, dispatch.ErrLeaseMismatch) {
		t.Fatalf("got error %v, want ErrLeaseMismatch", err)
	}

	got, _ := f.store.GetJob(ctx, f.job.ID)
	if got.State != job.StatePending {
		t.Fatalf("state = %q, want %q untouched by the stale report", got.State, job.StatePending)
	}
}
