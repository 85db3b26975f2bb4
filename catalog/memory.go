package catalog

import (
	"context"
	"sync"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
)

// Ensure Memory implements Catalog at compile time.
var _ Catalog = (*Memory)(nil)

// Memory is an in-memory read model of the catalog, seeded by whatever
// owns the canonical records. Safe for concurrent access. Intended for
// unit testing, development, and deployments where the CRUD layer pushes
// catalog snapshots into the dispatcher.
type Memory struct {
	mu        sync.RWMutex
	testCases map[string]*TestCase
	vendors   map[string]*Vendor
	workflows map[string]*Workflow
}

// NewMemory returns a new empty Memory catalog.
func NewMemory() *Memory {
	return &Memory{
		testCases: make(map[string]*TestCase),
		vendors:   make(map[string]*Vendor),
		workflows: make(map[string]*Workflow),
	}
}

// PutTestCase inserts or replaces a test case in the read model.
func (m *Memory) PutTestCase(tc *TestCase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tc
	m.testCases[tc.ID.String()] = &cp
}

// PutVendor inserts or replaces a vendor in the read model.
func (m *Memory) PutVendor(v *Vendor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.vendors[v.ID.String()] = &cp
}

// PutWorkflow inserts or replaces a workflow in the read model.
func (m *Memory) PutWorkflow(wf *Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID.String()] = &cp
}

// GetTestCase returns a test case by ID.
func (m *Memory) GetTestCase(_ context.Context, tcID id.TestCaseID) (*TestCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tc, ok := m.testCases[tcID.String()]
	if !ok {
		return nil, dispatch.ErrTestCaseNotFound
	}
	cp := *tc
	return &cp, nil
}

// GetVendor returns a vendor by ID.
func (m *Memory) GetVendor(_ context.Context, vID id.VendorID) (*Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.vendors[vID.String()]
	if !ok {
		return nil, dispatch.ErrVendorNotFound
	}
	cp := *v
	return &cp, nil
}

// GetWorkflow returns a workflow by ID.
func (m *Memory) GetWorkflow(_ context.Context, wfID id.WorkflowID) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[wfID.String()]
	if !ok {
		return nil, dispatch.ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}

// ListTestCases returns the test cases belonging to a workflow.
func (m *Memory) ListTestCases(_ context.Context, wfID id.WorkflowID) ([]*TestCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TestCase
	for _, tc := range m.testCases {
		if tc.WorkflowID.String() == wfID.String() {
			cp := *tc
			result = append(result, &cp)
		}
	}
	return result, nil
}
