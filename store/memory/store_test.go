package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/catalog"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(region dispatch.Region, createdAt time.Time) *job.Job {
	j := &job.Job{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewJobID(),
		TestCaseID: id.NewTestCaseID(),
		Region:     region,
		State:      job.StatePending,
		MaxRetries: 3,
	}
	j.CreatedAt = createdAt
	j.UpdatedAt = createdAt
	return j
}

func TestJobCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob(dispatch.RegionNA, time.Now().UTC())

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "create new job",
			fn:      func() error { return s.CreateJob(ctx, j) },
			wantErr: nil,
		},
		{
			name:    "create duplicate job",
			fn:      func() error { return s.CreateJob(ctx, j) },
			wantErr: dispatch.ErrJobAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.TestCaseID.String() != j.TestCaseID.String() {
		t.Fatalf("got test case %q, want %q", got.TestCaseID, j.TestCaseID)
	}

	// Get non-existent.
	_, err = s.GetJob(ctx, id.NewJobID())
	if !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestClaimOrderingAndRegion(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	oldNA := newJob(dispatch.RegionNA, base)
	newNA := newJob(dispatch.RegionNA, base.Add(10*time.Second))
	onlyEU := newJob(dispatch.RegionEU, base.Add(-10*time.Second))

	for _, j := range []*job.Job{newNA, oldNA, onlyEU} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	worker := id.NewWorkerID()
	now := time.Now().UTC()

	// Oldest NA job wins first; the older EU job is invisible to NA claims.
	got, err := s.ClaimJob(ctx, dispatch.RegionNA, worker, now)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got == nil || got.ID.String() != oldNA.ID.String() {
		t.Fatalf("claimed %v, want oldest NA job %s", got, oldNA.ID)
	}
	if got.State != job.StateRunning {
		t.Fatalf("claimed state = %q, want %q", got.State, job.StateRunning)
	}
	if got.WorkerID.String() != worker.String() {
		t.Fatalf("claimed worker = %q, want %q", got.WorkerID, worker)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(now) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, now)
	}

	got, err = s.ClaimJob(ctx, dispatch.RegionNA, worker, now)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got == nil || got.ID.String() != newNA.ID.String() {
		t.Fatalf("claimed %v, want remaining NA job %s", got, newNA.ID)
	}

	// NA queue drained: no error, no job.
	got, err = s.ClaimJob(ctx, dispatch.RegionNA, worker, now)
	if err != nil {
		t.Fatalf("ClaimJob on empty region: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil job for drained region, got %s", got.ID)
	}
}

func TestClaimSkipsDisabledTestCases(t *testing.T) {
	t.Parallel()
	cat := catalog.NewMemory()
	s := New(WithCatalog(cat))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	disabled := newJob(dispatch.RegionNA, base)
	enabled := newJob(dispatch.RegionNA, base.Add(time.Second))

	cat.PutTestCase(&catalog.TestCase{ID: disabled.TestCaseID, Name: "off", Region: dispatch.RegionNA, Enabled: false})
	cat.PutTestCase(&catalog.TestCase{ID: enabled.TestCaseID, Name: "on", Region: dispatch.RegionNA, Enabled: true})

	for _, j := range []*job.Job{disabled, enabled} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ClaimJob(ctx, dispatch.RegionNA, id.NewWorkerID(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got == nil || got.ID.String() != enabled.ID.String() {
		t.Fatalf("claimed %v, want the enabled job %s", got, enabled.ID)
	}

	// The disabled job stays pending for a later re-enable.
	stale, err := s.GetJob(ctx, disabled.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stale.State != job.StatePending {
		t.Fatalf("disabled job state = %q, want %q", stale.State, job.StatePending)
	}
}

func TestClaimSingleWinner(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	const claimants = 32
	j := newJob(dispatch.RegionNA, time.Now().UTC())
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	var won atomic.Int64
	var wg sync.WaitGroup
	wg.Add(claimants)
	for i := 0; i < claimants; i++ {
		go func() {
			defer wg.Done()
			got, err := s.ClaimJob(ctx, dispatch.RegionNA, id.NewWorkerID(), time.Now().UTC())
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			if got != nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("%d claimants won a single job, want exactly 1", won.Load())
	}
}

func TestFinalizeJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	worker := id.NewWorkerID()
	now := time.Now().UTC()

	j := newJob(dispatch.RegionNA, now.Add(-time.Minute))
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimJob(ctx, dispatch.RegionNA, worker, now); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		jobID    id.JobID
		workerID id.WorkerID
		terminal job.State
		wantErr  error
	}{
		{"non-terminal state rejected", j.ID, worker, job.StateRunning, dispatch.ErrInvalidState},
		{"unknown job", id.NewJobID(), worker, job.StateCompleted, dispatch.ErrJobNotFound},
		{"wrong worker", j.ID, id.NewWorkerID(), job.StateCompleted, dispatch.ErrLeaseMismatch},
		{"holder finalizes", j.ID, worker, job.StateFailed, nil},
		{"already terminal", j.ID, worker, job.StateCompleted, dispatch.ErrLeaseMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.FinalizeJob(ctx, tt.jobID, tt.workerID, tt.terminal, "vendor timeout", time.Now().UTC())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("state = %q, want %q", got.State, job.StateFailed)
	}
	if got.LastError != "vendor timeout" {
		t.Fatalf("last error = %q, want %q", got.LastError, "vendor timeout")
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set on terminal transition")
	}
}

func TestRequeueJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	worker := id.NewWorkerID()
	now := time.Now().UTC()

	j := newJob(dispatch.RegionNA, now.Add(-time.Minute))
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimJob(ctx, dispatch.RegionNA, worker, now); err != nil {
		t.Fatal(err)
	}

	// Lease held by a different worker: no-op with mismatch.
	if err := s.RequeueJob(ctx, j.ID, id.NewWorkerID(), now); !errors.Is(err, dispatch.ErrLeaseMismatch) {
		t.Fatalf("expected ErrLeaseMismatch, got %v", err)
	}

	if err := s.RequeueJob(ctx, j.ID, worker, now); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StatePending {
		t.Fatalf("state = %q, want %q", got.State, job.StatePending)
	}
	if !got.WorkerID.IsNil() {
		t.Fatalf("worker ID = %q, want cleared", got.WorkerID)
	}
	if got.StartedAt != nil {
		t.Fatalf("StartedAt = %v, want cleared", got.StartedAt)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}

	// Requeue of a pending job is a lease mismatch, not a repeat rewind.
	if err := s.RequeueJob(ctx, j.ID, worker, now); !errors.Is(err, dispatch.ErrLeaseMismatch) {
		t.Fatalf("expected ErrLeaseMismatch on pending job, got %v", err)
	}
}

func TestListExpiredLeases(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	worker := id.NewWorkerID()
	now := time.Now().UTC()

	expired := newJob(dispatch.RegionNA, now.Add(-time.Hour))
	fresh := newJob(dispatch.RegionNA, now.Add(-time.Hour))
	for _, j := range []*job.Job{expired, fresh} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.ClaimJob(ctx, dispatch.RegionNA, worker, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimJob(ctx, dispatch.RegionNA, worker, now); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListExpiredLeases(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ListExpiredLeases: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d expired leases, want 1", len(got))
	}
	if got[0].ID.String() != expired.ID.String() {
		t.Fatalf("expired lease = %s, want %s", got[0].ID, expired.ID)
	}
}

func TestListAndCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	wfID := id.NewWorkflowID()

	j1 := newJob(dispatch.RegionNA, base)
	j1.WorkflowID = wfID
	j2 := newJob(dispatch.RegionNA, base.Add(time.Second))
	j3 := newJob(dispatch.RegionEU, base.Add(2*time.Second))

	for _, j := range []*job.Job{j1, j2, j3} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		opts      job.ListOpts
		wantCount int
	}{
		{"all", job.ListOpts{}, 3},
		{"by region", job.ListOpts{Region: dispatch.RegionNA}, 2},
		{"by state", job.ListOpts{State: job.StatePending}, 3},
		{"by workflow", job.ListOpts{WorkflowID: wfID}, 1},
		{"with limit", job.ListOpts{Limit: 2}, 2},
		{"with offset", job.ListOpts{Offset: 2}, 1},
		{"offset past end", job.ListOpts{Offset: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ListJobs(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != tt.wantCount {
				t.Fatalf("got %d, want %d", len(jobs), tt.wantCount)
			}
		})
	}

	count, err := s.CountJobs(ctx, job.CountOpts{Region: dispatch.RegionNA, State: job.StatePending})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

// ──────────────────────────────────────────────────
// Registry Store tests — tokens
// ──────────────────────────────────────────────────

func newToken(region dispatch.Region, hash string) *registry.WorkerToken {
	return &registry.WorkerToken{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewTokenID(),
		Name:       "pool",
		SecretHash: hash,
		Region:     region,
	}
}

func TestTokenLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tok := newToken(dispatch.RegionEU, "abc123")
	if err := s.CreateToken(ctx, tok); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := s.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Region != dispatch.RegionEU {
		t.Fatalf("region = %q, want %q", got.Region, dispatch.RegionEU)
	}

	byHash, err := s.GetTokenByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetTokenByHash: %v", err)
	}
	if byHash.ID.String() != tok.ID.String() {
		t.Fatalf("token by hash = %s, want %s", byHash.ID, tok.ID)
	}
	if _, err := s.GetTokenByHash(ctx, "nope"); !errors.Is(err, dispatch.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	used := time.Now().UTC()
	if err := s.TouchToken(ctx, tok.ID, used); err != nil {
		t.Fatalf("TouchToken: %v", err)
	}
	got, _ = s.GetToken(ctx, tok.ID)
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Fatalf("LastUsedAt = %v, want %v", got.LastUsedAt, used)
	}

	if err := s.RevokeToken(ctx, tok.ID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	got, _ = s.GetToken(ctx, tok.ID)
	if !got.Revoked {
		t.Fatal("token not marked revoked")
	}

	if err := s.RevokeToken(ctx, id.NewTokenID()); !errors.Is(err, dispatch.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	tokens, err := s.ListTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 {
		t.Fatalf("got %d tokens, want 1", len(tokens))
	}
}

// ──────────────────────────────────────────────────
// Registry Store tests — workers
// ──────────────────────────────────────────────────

func newWorker(region dispatch.Region, heartbeat time.Time) *registry.Worker {
	return &registry.Worker{
		Entity:        dispatch.NewEntity(),
		ID:            id.NewWorkerID(),
		TokenID:       id.NewTokenID(),
		Name:          "w",
		Region:        region,
		Health:        registry.HealthOnline,
		LastHeartbeat: heartbeat,
	}
}

func TestWorkerLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	w := newWorker(dispatch.RegionNA, time.Now().UTC())
	if err := s.SaveWorker(ctx, w); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}

	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if got.Health != registry.HealthOnline {
		t.Fatalf("health = %q, want %q", got.Health, registry.HealthOnline)
	}

	byToken, err := s.GetWorkerByToken(ctx, w.TokenID)
	if err != nil {
		t.Fatalf("GetWorkerByToken: %v", err)
	}
	if byToken.ID.String() != w.ID.String() {
		t.Fatalf("worker by token = %s, want %s", byToken.ID, w.ID)
	}
	if _, err := s.GetWorkerByToken(ctx, id.NewTokenID()); !errors.Is(err, dispatch.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}

	if err := s.SetWorkerHealth(ctx, w.ID, registry.HealthOffline); err != nil {
		t.Fatalf("SetWorkerHealth: %v", err)
	}

	// A heartbeat revives an offline worker.
	beat := time.Now().UTC()
	if err := s.TouchWorker(ctx, w.ID, beat); err != nil {
		t.Fatalf("TouchWorker: %v", err)
	}
	got, _ = s.GetWorker(ctx, w.ID)
	if got.Health != registry.HealthOnline {
		t.Fatalf("health after heartbeat = %q, want %q", got.Health, registry.HealthOnline)
	}
	if !got.LastHeartbeat.Equal(beat) {
		t.Fatalf("LastHeartbeat = %v, want %v", got.LastHeartbeat, beat)
	}

	// A heartbeat must not demote a busy worker to online.
	if err := s.SetWorkerHealth(ctx, w.ID, registry.HealthBusy); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchWorker(ctx, w.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetWorker(ctx, w.ID)
	if got.Health != registry.HealthBusy {
		t.Fatalf("health = %q, want %q preserved", got.Health, registry.HealthBusy)
	}

	if err := s.TouchWorker(ctx, id.NewWorkerID(), time.Now().UTC()); !errors.Is(err, dispatch.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestListWorkers(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	naOnline := newWorker(dispatch.RegionNA, now)
	naBusy := newWorker(dispatch.RegionNA, now)
	naBusy.Health = registry.HealthBusy
	eu := newWorker(dispatch.RegionEU, now)

	for _, w := range []*registry.Worker{naOnline, naBusy, eu} {
		if err := s.SaveWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		opts      registry.ListWorkersOpts
		wantCount int
	}{
		{"all", registry.ListWorkersOpts{}, 3},
		{"by region", registry.ListWorkersOpts{Region: dispatch.RegionNA}, 2},
		{"by health", registry.ListWorkersOpts{Health: registry.HealthBusy}, 1},
		{"region and health", registry.ListWorkersOpts{Region: dispatch.RegionEU, Health: registry.HealthBusy}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workers, err := s.ListWorkers(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(workers) != tt.wantCount {
				t.Fatalf("got %d, want %d", len(workers), tt.wantCount)
			}
		})
	}
}

func TestListLapsedWorkers(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	lapsed := newWorker(dispatch.RegionNA, now.Add(-2*time.Minute))
	fresh := newWorker(dispatch.RegionNA, now)
	offline := newWorker(dispatch.RegionNA, now.Add(-time.Hour))
	offline.Health = registry.HealthOffline

	for _, w := range []*registry.Worker{lapsed, fresh, offline} {
		if err := s.SaveWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListLapsedWorkers(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListLapsedWorkers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d lapsed workers, want 1 (offline workers excluded)", len(got))
	}
	if got[0].ID.String() != lapsed.ID.String() {
		t.Fatalf("lapsed = %s, want %s", got[0].ID, lapsed.ID)
	}
}
