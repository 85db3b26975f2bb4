package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/catalog"
	"github.com/voxeval/dispatch/id"
)

// GetTestCase returns a test case by ID.
func (s *Store) GetTestCase(ctx context.Context, tcID id.TestCaseID) (*catalog.TestCase, error) {
	var (
		tc        catalog.TestCase
		regionStr string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, vendor_id, name, region, enabled
		FROM eval_test_cases WHERE id = $1`,
		tcID,
	).Scan(&tc.ID, &tc.WorkflowID, &tc.VendorID, &tc.Name, &regionStr, &tc.Enabled)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrTestCaseNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get test case: %w", err)
	}
	tc.Region = dispatch.Region(regionStr)
	return &tc, nil
}

// GetVendor returns a vendor by ID.
func (s *Store) GetVendor(ctx context.Context, vID id.VendorID) (*catalog.Vendor, error) {
	var (
		v      catalog.Vendor
		config []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, config, enabled
		FROM eval_vendors WHERE id = $1`,
		vID,
	).Scan(&v.ID, &v.Name, &config, &v.Enabled)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrVendorNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get vendor: %w", err)
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &v.Config); err != nil {
			return nil, fmt.Errorf("dispatch/postgres: unmarshal vendor config: %w", err)
		}
	}
	return &v, nil
}

// GetWorkflow returns a workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, wfID id.WorkflowID) (*catalog.Workflow, error) {
	var wf catalog.Workflow
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, enabled
		FROM eval_workflows WHERE id = $1`,
		wfID,
	).Scan(&wf.ID, &wf.Name, &wf.Enabled)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get workflow: %w", err)
	}
	return &wf, nil
}

// ListTestCases returns the test cases belonging to a workflow.
func (s *Store) ListTestCases(ctx context.Context, wfID id.WorkflowID) ([]*catalog.TestCase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, vendor_id, name, region, enabled
		FROM eval_test_cases WHERE workflow_id = $1
		ORDER BY name ASC`,
		wfID,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list test cases: %w", err)
	}
	defer rows.Close()

	var cases []*catalog.TestCase
	for rows.Next() {
		var (
			tc        catalog.TestCase
			regionStr string
		)
		if err := rows.Scan(&tc.ID, &tc.WorkflowID, &tc.VendorID, &tc.Name, &regionStr, &tc.Enabled); err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan test case row: %w", err)
		}
		tc.Region = dispatch.Region(regionStr)
		cases = append(cases, &tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate test case rows: %w", err)
	}
	return cases, nil
}
