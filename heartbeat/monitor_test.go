package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/registry"
	"github.com/voxeval/dispatch/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func saveWorker(t *testing.T, s *memory.Store, health registry.Health, beat time.Time) *registry.Worker {
	t.Helper()
	w := &registry.Worker{
		Entity:        dispatch.NewEntity(),
		ID:            id.NewWorkerID(),
		TokenID:       id.NewTokenID(),
		Name:          "w",
		Region:        dispatch.RegionNA,
		Health:        health,
		LastHeartbeat: beat,
	}
	if err := s.SaveWorker(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestBeat(t *testing.T) {
	t.Parallel()
	s := memory.New()
	m := NewMonitor(s, WithLogger(discard()))
	ctx := context.Background()

	w := saveWorker(t, s, registry.HealthOffline, time.Now().UTC().Add(-time.Hour))

	if err := m.Beat(ctx, w.ID); err != nil {
		t.Fatalf("Beat: %v", err)
	}

	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Health != registry.HealthOnline {
		t.Fatalf("health = %q, want %q after heartbeat revival", got.Health, registry.HealthOnline)
	}
	if time.Since(got.LastHeartbeat) > time.Minute {
		t.Fatalf("LastHeartbeat not refreshed: %v", got.LastHeartbeat)
	}

	// Unknown identity tells the worker to re-register.
	if err := m.Beat(ctx, id.NewWorkerID()); !errors.Is(err, dispatch.ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestIsEligible(t *testing.T) {
	t.Parallel()
	s := memory.New()
	m := NewMonitor(s, WithTimeout(45*time.Second), WithLogger(discard()))
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := saveWorker(t, s, registry.HealthOnline, now.Add(-10*time.Second))
	busy := saveWorker(t, s, registry.HealthBusy, now.Add(-10*time.Second))
	lapsed := saveWorker(t, s, registry.HealthOnline, now.Add(-2*time.Minute))
	offline := saveWorker(t, s, registry.HealthOffline, now)

	tests := []struct {
		name     string
		workerID id.WorkerID
		want     bool
	}{
		{"fresh online worker", fresh.ID, true},
		{"busy worker still eligible", busy.ID, true},
		{"lapsed heartbeat", lapsed.ID, false},
		{"offline worker", offline.ID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.IsEligible(ctx, tt.workerID, now)
			if err != nil {
				t.Fatalf("IsEligible: %v", err)
			}
			if got != tt.want {
				t.Fatalf("eligible = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := m.IsEligible(ctx, id.NewWorkerID(), now); !errors.Is(err, dispatch.ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestDemoteLapsed(t *testing.T) {
	t.Parallel()
	s := memory.New()
	m := NewMonitor(s, WithTimeout(45*time.Second), WithLogger(discard()))
	ctx := context.Background()
	now := time.Now().UTC()

	lapsed := saveWorker(t, s, registry.HealthOnline, now.Add(-2*time.Minute))
	lapsedBusy := saveWorker(t, s, registry.HealthBusy, now.Add(-2*time.Minute))
	fresh := saveWorker(t, s, registry.HealthOnline, now)

	m.demoteLapsed(ctx)

	for _, tt := range []struct {
		name     string
		workerID id.WorkerID
		want     registry.Health
	}{
		{"lapsed online demoted", lapsed.ID, registry.HealthOffline},
		{"lapsed busy demoted too", lapsedBusy.ID, registry.HealthOffline},
		{"fresh untouched", fresh.ID, registry.HealthOnline},
	} {
		t.Run(tt.name, func(t *testing.T) {
			w, err := s.GetWorker(ctx, tt.workerID)
			if err != nil {
				t.Fatal(err)
			}
			if w.Health != tt.want {
				t.Fatalf("health = %q, want %q", w.Health, tt.want)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := memory.New()
	m := NewMonitor(s,
		WithTimeout(20*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
		WithLogger(discard()),
	)
	ctx := context.Background()

	w := saveWorker(t, s, registry.HealthOnline, time.Now().UTC().Add(-time.Second))

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Double start is a no-op.
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := s.GetWorker(ctx, w.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Health == registry.HealthOffline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep never demoted the lapsed worker")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Double stop is a no-op.
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

// stallStore blocks the lapsed-worker scan until released, simulating a
// store that has stopped responding mid-sweep.
type stallStore struct {
	registry.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallStore) ListLapsedWorkers(ctx context.Context, cutoff time.Time) ([]*registry.Worker, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.ListLapsedWorkers(ctx, cutoff)
}

func TestStopBoundedByContext(t *testing.T) {
	t.Parallel()
	s := &stallStore{
		Store:   memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(s.release)

	m := NewMonitor(s,
		WithSweepInterval(5*time.Millisecond),
		WithLogger(discard()),
	)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never reached the store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop with stuck sweep = %v, want deadline exceeded", err)
	}
}
