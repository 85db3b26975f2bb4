package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/heartbeat"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
	"github.com/voxeval/dispatch/scheduler"
	"github.com/voxeval/dispatch/store/memory"
	"github.com/voxeval/dispatch/throttle"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *memory.Store
	monitor *heartbeat.Monitor
}

func newFixture() *fixture {
	s := memory.New()
	return &fixture{
		store:   s,
		monitor: heartbeat.NewMonitor(s, heartbeat.WithTimeout(45*time.Second), heartbeat.WithLogger(discard())),
	}
}

func (f *fixture) scheduler(opts ...scheduler.Option) *scheduler.Scheduler {
	opts = append(opts, scheduler.WithLogger(discard()))
	return scheduler.New(f.store, f.store, f.monitor, opts...)
}

func (f *fixture) addWorker(t *testing.T, region dispatch.Region, health registry.Health, beat time.Time) *registry.Worker {
	t.Helper()
	w := &registry.Worker{
		Entity:        dispatch.NewEntity(),
		ID:            id.NewWorkerID(),
		TokenID:       id.NewTokenID(),
		Name:          "w",
		Region:        region,
		Health:        health,
		LastHeartbeat: beat,
	}
	if err := f.store.SaveWorker(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	return w
}

func (f *fixture) addJob(t *testing.T, region dispatch.Region) *job.Job {
	t.Helper()
	j := &job.Job{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewJobID(),
		TestCaseID: id.NewTestCaseID(),
		Region:     region,
		State:      job.StatePending,
		MaxRetries: 3,
	}
	if err := f.store.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestClaimNext(t *testing.T) {
	t.Parallel()
	f := newFixture()
	sched := f.scheduler()
	ctx := context.Background()
	now := time.Now().UTC()

	w := f.addWorker(t, dispatch.RegionNA, registry.HealthOnline, now)
	j := f.addJob(t, dispatch.RegionNA)

	got, err := sched.ClaimNext(ctx, w.ID, dispatch.RegionNA)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got == nil || got.ID.String() != j.ID.String() {
		t.Fatalf("claimed %v, want %s", got, j.ID)
	}
	if got.State != job.StateRunning {
		t.Fatalf("state = %q, want %q", got.State, job.StateRunning)
	}

	// The winning worker is marked busy.
	stored, err := f.store.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Health != registry.HealthBusy {
		t.Fatalf("worker health = %q, want %q", stored.Health, registry.HealthBusy)
	}

	// Empty queue: nil job, nil error.
	got, err = sched.ClaimNext(ctx, w.ID, dispatch.RegionNA)
	if err != nil {
		t.Fatalf("ClaimNext on empty queue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no job, got %s", got.ID)
	}
}

func TestClaimNextPreconditions(t *testing.T) {
	t.Parallel()
	f := newFixture()
	sched := f.scheduler()
	ctx := context.Background()
	now := time.Now().UTC()

	naWorker := f.addWorker(t, dispatch.RegionNA, registry.HealthOnline, now)
	lapsed := f.addWorker(t, dispatch.RegionNA, registry.HealthOnline, now.Add(-5*time.Minute))
	offline := f.addWorker(t, dispatch.RegionNA, registry.HealthOffline, now)
	f.addJob(t, dispatch.RegionNA)

	tests := []struct {
		name     string
		workerID id.WorkerID
		region   dispatch.Region
		wantErr  error
	}{
		{"unregistered worker", id.NewWorkerID(), dispatch.RegionNA, dispatch.ErrUnknownWorker},
		{"cross-region claim", naWorker.ID, dispatch.RegionEU, dispatch.ErrRegionMismatch},
		{"lapsed heartbeat", lapsed.ID, dispatch.RegionNA, dispatch.ErrWorkerNotEligible},
		{"offline worker", offline.ID, dispatch.RegionNA, dispatch.ErrWorkerNotEligible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sched.ClaimNext(ctx, tt.workerID, tt.region)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Preconditions failed, so the job is still up for grabs.
	j, err := sched.ClaimNext(ctx, naWorker.ID, dispatch.RegionNA)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j == nil {
		t.Fatal("expected the job to still be claimable")
	}
}

func TestClaimNextThrottled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()

	// One claim per minute, burst of one: the first claim drains the bucket.
	limiter := throttle.NewLimiter(throttle.Config{
		Region: dispatch.RegionNA, ClaimRate: 1.0 / 60.0, ClaimBurst: 1,
	})
	sched := f.scheduler(scheduler.WithLimiter(limiter))

	w := f.addWorker(t, dispatch.RegionNA, registry.HealthOnline, now)
	f.addJob(t, dispatch.RegionNA)
	f.addJob(t, dispatch.RegionNA)

	first, err := sched.ClaimNext(ctx, w.ID, dispatch.RegionNA)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first == nil {
		t.Fatal("first claim should be admitted")
	}

	// Throttled claim reads as an empty poll, not an error.
	second, err := sched.ClaimNext(ctx, w.ID, dispatch.RegionNA)
	if err != nil {
		t.Fatalf("throttled ClaimNext: %v", err)
	}
	if second != nil {
		t.Fatalf("expected throttled claim to return no job, got %s", second.ID)
	}
}
