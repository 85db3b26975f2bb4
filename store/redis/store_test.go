//go:build integration

package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupClient starts a Redis container and returns a connected client.
func setupClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := redismodule.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse connection string: %v", err)
	}

	client := goredis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func newPendingJob(region dispatch.Region, createdAt time.Time) *job.Job {
	return &job.Job{
		Entity:     dispatch.Entity{CreatedAt: createdAt, UpdatedAt: createdAt},
		ID:         id.NewJobID(),
		TestCaseID: id.NewTestCaseID(),
		Region:     region,
		State:      job.StatePending,
		MaxRetries: 3,
	}
}

// A candidate popped off the pending queue must be put back when the claim
// aborts on an error, or the job is stranded pending but unqueued.
func TestClaimRestoresCandidateOnError(t *testing.T) {
	client := setupClient(t)
	s := New(client, WithLogger(discard()))
	ctx := context.Background()
	now := time.Now().UTC()

	j1 := newPendingJob(dispatch.RegionNA, now.Add(-2*time.Minute))
	j2 := newPendingJob(dispatch.RegionNA, now.Add(-time.Minute))
	for _, j := range []*job.Job{j1, j2} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	// Corrupt the older job's hash so the post-pop read fails with
	// WRONGTYPE while its queue entry is already consumed.
	if err := client.Del(ctx, jobKey(j1.ID.String())).Err(); err != nil {
		t.Fatal(err)
	}
	if err := client.Set(ctx, jobKey(j1.ID.String()), "corrupt", 0).Err(); err != nil {
		t.Fatal(err)
	}

	workerID := id.NewWorkerID()
	if _, err := s.ClaimJob(ctx, dispatch.RegionNA, workerID, now); err == nil {
		t.Fatal("ClaimJob over a corrupt hash succeeded, want error")
	}

	score, err := client.ZScore(ctx, pendingKey(string(dispatch.RegionNA)), j1.ID.String()).Result()
	if err != nil {
		t.Fatalf("candidate was not restored to the pending queue: %v", err)
	}
	if got, want := int64(score), j1.CreatedAt.UnixMilli(); got != want {
		t.Errorf("restored score = %d, want original %d", got, want)
	}

	// With the corrupt entry cleared, the claim proceeds to the next job.
	if err := client.Del(ctx, jobKey(j1.ID.String())).Err(); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimJob(ctx, dispatch.RegionNA, workerID, now)
	if err != nil {
		t.Fatalf("ClaimJob after cleanup: %v", err)
	}
	if claimed == nil || claimed.ID.String() != j2.ID.String() {
		t.Fatalf("claimed %v, want %s", claimed, j2.ID)
	}
	if claimed.State != job.StateRunning {
		t.Errorf("claimed state = %s, want running", claimed.State)
	}
}
