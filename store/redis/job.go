package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/catalog"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
)

// finalizeScript transitions a running job held by the given worker into a
// terminal state and drops it from the running lease set.
//
// KEYS[1] = job hash, KEYS[2] = running zset
// ARGV[1] = worker id, ARGV[2] = terminal state, ARGV[3] = timestamp,
// ARGV[4] = last error, ARGV[5] = job id
var finalizeScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'running' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
  return 'mismatch'
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'completed_at', ARGV[3], 'last_error', ARGV[4], 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[5])
return 'ok'
`)

// requeueScript rewinds a running job held by the given worker back to
// pending, counting the retry and restoring its FIFO position.
//
// KEYS[1] = job hash, KEYS[2] = running zset, KEYS[3] = region pending zset
// ARGV[1] = worker id, ARGV[2] = timestamp, ARGV[3] = job id
var requeueScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'running' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
  return 'mismatch'
end
redis.call('HSET', KEYS[1], 'state', 'pending', 'worker_id', '', 'started_at', '', 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'retry_count', 1)
redis.call('ZREM', KEYS[2], ARGV[3])
local score = redis.call('HGET', KEYS[1], 'created_at_ms')
redis.call('ZADD', KEYS[3], tonumber(score), ARGV[3])
return 'ok'
`)

// CreateJob stores the job as a Hash and adds it to its region's pending
// Sorted Set.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("dispatch/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return dispatch.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, pendingKey(string(j.Region)), goredis.Z{
		Score:  float64(j.CreatedAt.UnixMilli()),
		Member: jID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// ClaimJob pops the oldest pending job in the region whose test case is
// enabled. ZPOPMIN removes each candidate from the queue atomically, so
// concurrent claimants never see the same ID; candidates that turn out to
// be disabled are put back with their original score once the loop ends.
func (s *Store) ClaimJob(ctx context.Context, region dispatch.Region, workerID id.WorkerID, now time.Time) (*job.Job, error) {
	pk := pendingKey(string(region))

	var skipped []goredis.Z
	defer func() {
		if len(skipped) > 0 {
			if err := s.client.ZAdd(ctx, pk, skipped...).Err(); err != nil {
				s.logger.Warn("failed to restore skipped pending jobs", "error", err)
			}
		}
	}()

	for {
		members, err := s.client.ZPopMin(ctx, pk, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: claim zpopmin: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		jID, ok := members[0].Member.(string)
		if !ok {
			continue
		}

		j, err := s.getJobByKey(ctx, jobKey(jID))
		if err != nil {
			if errors.Is(err, dispatch.ErrJobNotFound) {
				// Orphaned queue entry; drop it.
				continue
			}
			skipped = append(skipped, members[0])
			return nil, err
		}
		if j.State != job.StatePending {
			continue
		}

		if s.cat != nil {
			dispatchable, err := catalog.IsDispatchable(ctx, s.cat, j.TestCaseID)
			if err != nil {
				skipped = append(skipped, members[0])
				return nil, err
			}
			if !dispatchable {
				skipped = append(skipped, members[0])
				continue
			}
		}

		ts := now.UTC().Format(time.RFC3339Nano)
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID),
			"state", string(job.StateRunning),
			"worker_id", workerID.String(),
			"started_at", ts,
			"updated_at", ts,
		)
		pipe.ZAdd(ctx, runningKey, goredis.Z{
			Score:  float64(now.UnixMilli()),
			Member: jID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			// MULTI/EXEC either applies fully or not at all, so the
			// job is still pending and belongs back in the queue.
			skipped = append(skipped, members[0])
			return nil, fmt.Errorf("dispatch/redis: claim update: %w", err)
		}

		started := now
		j.State = job.StateRunning
		j.WorkerID = workerID
		j.StartedAt = &started
		j.UpdatedAt = now
		return j, nil
	}
}

// FinalizeJob atomically transitions a running job held by workerID into a
// terminal state.
func (s *Store) FinalizeJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, terminal job.State, errText string, now time.Time) (*job.Job, error) {
	if !terminal.IsTerminal() {
		return nil, dispatch.ErrInvalidState
	}

	lastError := ""
	if terminal == job.StateFailed {
		lastError = errText
	}

	jID := jobID.String()
	res, err := finalizeScript.Run(ctx, s.client,
		[]string{jobKey(jID), runningKey},
		workerID.String(), string(terminal), now.UTC().Format(time.RFC3339Nano), lastError, jID,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: finalize job: %w", err)
	}

	switch res {
	case "missing":
		return nil, dispatch.ErrJobNotFound
	case "mismatch":
		return nil, dispatch.ErrLeaseMismatch
	}

	return s.getJobByKey(ctx, jobKey(jID))
}

// RequeueJob atomically rewinds a running job held by workerID back to
// pending.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, now time.Time) error {
	jID := jobID.String()

	// Region never changes after creation, so reading it outside the
	// script is safe.
	region, err := s.client.HGet(ctx, jobKey(jID), "region").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return dispatch.ErrJobNotFound
		}
		return fmt.Errorf("dispatch/redis: requeue get region: %w", err)
	}

	res, err := requeueScript.Run(ctx, s.client,
		[]string{jobKey(jID), runningKey, pendingKey(region)},
		workerID.String(), now.UTC().Format(time.RFC3339Nano), jID,
	).Text()
	if err != nil {
		return fmt.Errorf("dispatch/redis: requeue job: %w", err)
	}

	switch res {
	case "missing":
		return dispatch.ErrJobNotFound
	case "mismatch":
		return dispatch.ErrLeaseMismatch
	}
	return nil
}

// ListExpiredLeases returns running jobs whose lease started before the
// cutoff, straight off the running Sorted Set.
func (s *Store) ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, runningKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli()-1, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: list expired zrange: %w", err)
	}

	var expired []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.State != job.StateRunning {
			continue
		}
		expired = append(expired, j)
	}
	return expired, nil
}

// ListJobs returns jobs matching opts, ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Region != "" && j.Region != opts.Region {
			continue
		}
		if !opts.WorkflowID.IsNil() && j.WorkflowID.String() != opts.WorkflowID.String() {
			continue
		}
		jobs = append(jobs, j)
	}

	sortJobsByCreation(jobs)

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Region != "" && j.Region != opts.Region {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

func sortJobsByCreation(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":            j.ID.String(),
		"test_case_id":  j.TestCaseID.String(),
		"vendor_id":     j.VendorID.String(),
		"workflow_id":   j.WorkflowID.String(),
		"region":        string(j.Region),
		"state":         string(j.State),
		"worker_id":     j.WorkerID.String(),
		"retry_count":   strconv.Itoa(j.RetryCount),
		"max_retries":   strconv.Itoa(j.MaxRetries),
		"last_error":    j.LastError,
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
		"created_at_ms": strconv.FormatInt(j.CreatedAt.UnixMilli(), 10),
		"updated_at":    j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.WorkerID.IsNil() {
		m["worker_id"] = ""
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, dispatch.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: parse job id: %w", err)
	}

	retryCount, _ := strconv.Atoi(m["retry_count"]) //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"]) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: dispatch.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         jID,
		Region:     dispatch.Region(m["region"]),
		State:      job.State(m["state"]),
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		LastError:  m["last_error"],
	}

	j.TestCaseID, _ = id.ParseTestCaseID(m["test_case_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
	j.VendorID, _ = id.ParseVendorID(m["vendor_id"])        //nolint:errcheck // best-effort parse from trusted Redis data
	j.WorkflowID, _ = id.ParseWorkflowID(m["workflow_id"])  //nolint:errcheck // best-effort parse from trusted Redis data

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}
