// Package job defines the unit of dispatchable work and its persistence
// contract. A job is produced from a (test case, region) pair when an
// evaluation is triggered, claimed by exactly one worker in the matching
// region, and finalized by that worker's report (or reclaimed by the lease
// reaper if the report never arrives).
package job

import (
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
)

// State represents the lifecycle state of a job.
//
// Valid transitions:
//
//	pending → running    (atomic claim)
//	running → completed  (report success)
//	running → failed     (report failure, or retry exhaustion)
//	running → pending    (lease expiry without a report)
//
// completed and failed are terminal; no further status writes ever occur.
type State string

const (
	// StatePending means the job is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateRunning means a worker holds the lease and is executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed terminally.
	StateFailed State = "failed"
)

// IsTerminal reports whether s permits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job represents one evaluation of a test case against the vendor under
// test, dispatched to a single worker in the test case's region.
//
// Invariants maintained by the store operations:
//   - WorkerID is non-nil iff State ∈ {running, completed, failed}.
//   - StartedAt is set exactly once, at the pending→running transition
//     (cleared only by a reaper requeue, which rewinds the job to pending).
//   - CompletedAt is set exactly once, at transition into a terminal state.
//   - Region never changes after creation.
type Job struct {
	dispatch.Entity

	ID         id.JobID        `json:"id"`
	TestCaseID id.TestCaseID   `json:"test_case_id"`
	VendorID   id.VendorID     `json:"vendor_id,omitempty"`
	WorkflowID id.WorkflowID   `json:"workflow_id,omitempty"`
	Region     dispatch.Region `json:"region"`
	State      State           `json:"state"`
	WorkerID   id.WorkerID     `json:"worker_id,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
