package registry

import (
	"context"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
)

// ListWorkersOpts controls filtering for worker list queries.
type ListWorkersOpts struct {
	// Region filters by region. Empty means all regions.
	Region dispatch.Region
	// Health filters by health state. Empty means all states.
	Health Health
}

// Store defines the persistence contract for worker identity: tokens and
// worker rows. The dispatch core exclusively owns both for writes.
type Store interface {
	// CreateToken persists a freshly minted worker token.
	CreateToken(ctx context.Context, t *WorkerToken) error

	// GetToken retrieves a token by ID, revoked or not.
	GetToken(ctx context.Context, tokenID id.TokenID) (*WorkerToken, error)

	// GetTokenByHash retrieves a token by its secret hash, revoked or not.
	// Returns dispatch.ErrTokenNotFound when no token carries the hash.
	GetTokenByHash(ctx context.Context, hash string) (*WorkerToken, error)

	// RevokeToken sets revoked=true. Irreversible.
	RevokeToken(ctx context.Context, tokenID id.TokenID) error

	// TouchToken stamps the token's last-used timestamp.
	TouchToken(ctx context.Context, tokenID id.TokenID, at time.Time) error

	// ListTokens returns all tokens, newest first.
	ListTokens(ctx context.Context) ([]*WorkerToken, error)

	// SaveWorker inserts or replaces a worker row keyed by ID. Used only
	// by registration, which is idempotent per token.
	SaveWorker(ctx context.Context, w *Worker) error

	// GetWorker retrieves a worker by ID.
	GetWorker(ctx context.Context, workerID id.WorkerID) (*Worker, error)

	// GetWorkerByToken retrieves the worker bound to a token, if any.
	// Returns dispatch.ErrWorkerNotFound when the token has never
	// registered a worker.
	GetWorkerByToken(ctx context.Context, tokenID id.TokenID) (*Worker, error)

	// TouchWorker records a heartbeat: LastHeartbeat=at, and an offline
	// worker transitions back to online. Busy workers stay busy. Returns
	// dispatch.ErrWorkerNotFound for an unregistered identity.
	TouchWorker(ctx context.Context, workerID id.WorkerID, at time.Time) error

	// SetWorkerHealth sets the worker's health state.
	SetWorkerHealth(ctx context.Context, workerID id.WorkerID, h Health) error

	// ListWorkers returns workers matching opts, ordered by creation time.
	ListWorkers(ctx context.Context, opts ListWorkersOpts) ([]*Worker, error)

	// ListLapsedWorkers returns workers whose health is not offline and
	// whose last heartbeat precedes the cutoff. Input to the offline
	// demotion sweep; the listing itself changes nothing.
	ListLapsedWorkers(ctx context.Context, cutoff time.Time) ([]*Worker, error)
}
