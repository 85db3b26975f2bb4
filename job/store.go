package job

import (
	"context"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
)

// ListOpts controls filtering and pagination for the console job listing.
// Zero values mean "no filter".
type ListOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// Region filters by region. Empty means all regions.
	Region dispatch.Region
	// WorkflowID filters by the workflow the job's test case belongs to.
	WorkflowID id.WorkflowID
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// Region filters by region. Empty means all regions.
	Region dispatch.Region
}

// Store defines the persistence contract for jobs. It is the only component
// permitted to mutate job status; every mutation below is a single atomic
// conditional transition keyed by the job's current state and assigned
// worker, never a read-then-write spanning round trips.
type Store interface {
	// CreateJob persists a new job in pending state.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimJob atomically claims the oldest pending job in the given
	// region whose test case is enabled: the job transitions to running
	// with WorkerID set and StartedAt=now, such that no two concurrent
	// callers can claim the same job. Ordering is strict FIFO by creation
	// time. Returns (nil, nil) when no pending job matches.
	ClaimJob(ctx context.Context, region dispatch.Region, workerID id.WorkerID, now time.Time) (*Job, error)

	// FinalizeJob atomically transitions a job from running to the given
	// terminal state, setting CompletedAt=now and LastError=errText for
	// failures. The transition is conditional on the job being running
	// AND assigned to exactly workerID; any mismatch returns
	// dispatch.ErrLeaseMismatch and changes nothing.
	FinalizeJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, terminal State, errText string, now time.Time) (*Job, error)

	// RequeueJob atomically rewinds a running job back to pending: clears
	// WorkerID and StartedAt and increments RetryCount. Conditional on the
	// job being running AND assigned to workerID; a mismatch returns
	// dispatch.ErrLeaseMismatch (the job has already moved on).
	RequeueJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, now time.Time) error

	// ListExpiredLeases returns running jobs whose StartedAt precedes the
	// cutoff. The reaper decides per job whether to requeue or fail; the
	// store only reports candidates.
	ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]*Job, error)

	// ListJobs returns jobs matching opts, ordered by creation time.
	// Pure read projection for the console; performs no transitions.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
