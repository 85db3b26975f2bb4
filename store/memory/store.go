// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development; the claim
// and finalize transitions hold the store mutex for their full duration,
// which gives the same single-winner semantics the SQL backends get from
// row locking.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/catalog"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
)

// Ensure Store implements the subsystem interfaces at compile time.
var (
	_ job.Store      = (*Store)(nil)
	_ registry.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs    map[string]*job.Job
	workers map[string]*registry.Worker
	tokens  map[string]*registry.WorkerToken

	// cat answers the claim-time "is this test case enabled" check.
	// A nil catalog treats every test case as enabled.
	cat catalog.Catalog
}

// Option configures the Store.
type Option func(*Store)

// WithCatalog sets the catalog consulted by ClaimJob for test-case
// enablement. Without one, all test cases are considered dispatchable.
func WithCatalog(c catalog.Catalog) Option {
	return func(s *Store) { s.cat = c }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:    make(map[string]*job.Job),
		workers: make(map[string]*registry.Worker),
		tokens:  make(map[string]*registry.WorkerToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job in pending state.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return dispatch.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ClaimJob atomically claims the oldest pending job in the region whose
// test case is enabled. The store mutex is held across candidate selection
// and the transition, so concurrent claimants serialize and exactly one
// wins any given job.
func (m *Store) ClaimJob(ctx context.Context, region dispatch.Region, workerID id.WorkerID, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Collect pending candidates in the region.
	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != job.StatePending || j.Region != region {
			continue
		}
		candidates = append(candidates, j)
	}

	// Strict FIFO: oldest creation first; K-sortable ID breaks ties.
	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		}
		return candidates[i].ID.String() < candidates[k].ID.String()
	})

	for _, j := range candidates {
		if m.cat != nil {
			ok, err := catalog.IsDispatchable(ctx, m.cat, j.TestCaseID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		j.State = job.StateRunning
		j.WorkerID = workerID
		started := now
		j.StartedAt = &started
		j.UpdatedAt = now

		cp := *j
		return &cp, nil
	}

	return nil, nil
}

// FinalizeJob atomically transitions a running job held by workerID into a
// terminal state.
func (m *Store) FinalizeJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, terminal job.State, errText string, now time.Time) (*job.Job, error) {
	if !terminal.IsTerminal() {
		return nil, dispatch.ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.WorkerID.String() != workerID.String() {
		return nil, dispatch.ErrLeaseMismatch
	}

	j.State = terminal
	completed := now
	j.CompletedAt = &completed
	j.UpdatedAt = now
	if terminal == job.StateFailed {
		j.LastError = errText
	}

	cp := *j
	return &cp, nil
}

// RequeueJob atomically rewinds a running job held by workerID back to
// pending, clearing the lease and counting the retry.
func (m *Store) RequeueJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return dispatch.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.WorkerID.String() != workerID.String() {
		return dispatch.ErrLeaseMismatch
	}

	j.State = job.StatePending
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.RetryCount++
	j.UpdatedAt = now
	return nil
}

// ListExpiredLeases returns running jobs whose StartedAt precedes the cutoff.
func (m *Store) ListExpiredLeases(_ context.Context, cutoff time.Time) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		if j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			cp := *j
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

// ListJobs returns jobs matching opts, ordered by creation time.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Region != "" && j.Region != opts.Region {
			continue
		}
		if !opts.WorkflowID.IsNil() && j.WorkflowID.String() != opts.WorkflowID.String() {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
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

// ──────────────────────────────────────────────────
// Registry Store — tokens
// ──────────────────────────────────────────────────

// CreateToken persists a freshly minted worker token.
func (m *Store) CreateToken(_ context.Context, t *registry.WorkerToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tokens[t.ID.String()] = &cp
	return nil
}

// GetToken retrieves a token by ID.
func (m *Store) GetToken(_ context.Context, tokenID id.TokenID) (*registry.WorkerToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[tokenID.String()]
	if !ok {
		return nil, dispatch.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

// GetTokenByHash retrieves a token by its secret hash.
func (m *Store) GetTokenByHash(_ context.Context, hash string) (*registry.WorkerToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tokens {
		if t.SecretHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, dispatch.ErrTokenNotFound
}

// RevokeToken sets revoked=true.
func (m *Store) RevokeToken(_ context.Context, tokenID id.TokenID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tokenID.String()]
	if !ok {
		return dispatch.ErrTokenNotFound
	}
	t.Revoked = true
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// TouchToken stamps the token's last-used timestamp.
func (m *Store) TouchToken(_ context.Context, tokenID id.TokenID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tokenID.String()]
	if !ok {
		return dispatch.ErrTokenNotFound
	}
	used := at
	t.LastUsedAt = &used
	return nil
}

// ListTokens returns all tokens, newest first.
func (m *Store) ListTokens(_ context.Context) ([]*registry.WorkerToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*registry.WorkerToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return result, nil
}

// ──────────────────────────────────────────────────
// Registry Store — workers
// ──────────────────────────────────────────────────

// SaveWorker inserts or replaces a worker row keyed by ID.
func (m *Store) SaveWorker(_ context.Context, w *registry.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	m.workers[w.ID.String()] = &cp
	return nil
}

// GetWorker retrieves a worker by ID.
func (m *Store) GetWorker(_ context.Context, workerID id.WorkerID) (*registry.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return nil, dispatch.ErrWorkerNotFound
	}
	cp := *w
	return &cp, nil
}

// GetWorkerByToken retrieves the worker bound to a token, if any.
func (m *Store) GetWorkerByToken(_ context.Context, tokenID id.TokenID) (*registry.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.workers {
		if w.TokenID.String() == tokenID.String() {
			cp := *w
			return &cp, nil
		}
	}
	return nil, dispatch.ErrWorkerNotFound
}

// TouchWorker records a heartbeat: LastHeartbeat=at, offline→online.
func (m *Store) TouchWorker(_ context.Context, workerID id.WorkerID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return dispatch.ErrWorkerNotFound
	}
	w.LastHeartbeat = at
	if w.Health == registry.HealthOffline {
		w.Health = registry.HealthOnline
	}
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// SetWorkerHealth sets the worker's health state.
func (m *Store) SetWorkerHealth(_ context.Context, workerID id.WorkerID, h registry.Health) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return dispatch.ErrWorkerNotFound
	}
	w.Health = h
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// ListWorkers returns workers matching opts, ordered by creation time.
func (m *Store) ListWorkers(_ context.Context, opts registry.ListWorkersOpts) ([]*registry.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*registry.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if opts.Region != "" && w.Region != opts.Region {
			continue
		}
		if opts.Health != "" && w.Health != opts.Health {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// ListLapsedWorkers returns non-offline workers whose last heartbeat
// precedes the cutoff.
func (m *Store) ListLapsedWorkers(_ context.Context, cutoff time.Time) ([]*registry.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lapsed []*registry.Worker
	for _, w := range m.workers {
		if w.Health == registry.HealthOffline {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			cp := *w
			lapsed = append(lapsed, &cp)
		}
	}
	return lapsed, nil
}
