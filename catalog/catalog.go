// Package catalog exposes read-only lookups of the evaluation catalog:
// test cases, vendors, and workflows. These entities are owned by the
// platform's CRUD layer; the dispatch core only ever reads them, keyed by
// identifier, to resolve a test case's region and enablement before
// dispatching.
package catalog

import (
	"context"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
)

// TestCase is a single evaluation scenario bound to one region.
// Disabled test cases never produce dispatchable jobs.
type TestCase struct {
	ID         id.TestCaseID   `json:"id"`
	WorkflowID id.WorkflowID   `json:"workflow_id"`
	VendorID   id.VendorID     `json:"vendor_id"`
	Name       string          `json:"name"`
	Region     dispatch.Region `json:"region"`
	Enabled    bool            `json:"enabled"`
}

// Vendor is a voice-AI vendor configuration under evaluation.
type Vendor struct {
	ID      id.VendorID       `json:"id"`
	Name    string            `json:"name"`
	Config  map[string]string `json:"config,omitempty"`
	Enabled bool              `json:"enabled"`
}

// Workflow groups test cases into a runnable evaluation suite.
type Workflow struct {
	ID      id.WorkflowID `json:"id"`
	Name    string        `json:"name"`
	Enabled bool          `json:"enabled"`
}

// Catalog is the narrow read interface the dispatch core consumes.
// Implementations are expected to be cheap lookups (the claim path calls
// IsDispatchable under contention).
type Catalog interface {
	// GetTestCase returns a test case by ID, or dispatch.ErrTestCaseNotFound.
	GetTestCase(ctx context.Context, tcID id.TestCaseID) (*TestCase, error)

	// GetVendor returns a vendor by ID, or dispatch.ErrVendorNotFound.
	GetVendor(ctx context.Context, vID id.VendorID) (*Vendor, error)

	// GetWorkflow returns a workflow by ID, or dispatch.ErrWorkflowNotFound.
	GetWorkflow(ctx context.Context, wfID id.WorkflowID) (*Workflow, error)

	// ListTestCases returns the test cases belonging to a workflow.
	ListTestCases(ctx context.Context, wfID id.WorkflowID) ([]*TestCase, error)
}

// IsDispatchable reports whether a test case may produce or satisfy a job:
// the test case must exist and be enabled. Lookup errors other than
// not-found propagate so a transient catalog failure does not silently
// park a job.
func IsDispatchable(ctx context.Context, c Catalog, tcID id.TestCaseID) (bool, error) {
	tc, err := c.GetTestCase(ctx, tcID)
	if err != nil {
		return false, err
	}
	return tc.Enabled, nil
}
