package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
)

// secretPrefix marks raw worker secrets so they are recognizable in
// worker-side config files and never mistaken for token IDs.
const secretPrefix = "vxw_"

// Registry issues and validates worker identities.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger for the registry.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry backed by the given store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HashSecret returns the one-way hash under which a raw secret is stored.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MintToken creates a new worker token for a named pool in the given region
// and returns the raw secret exactly once. Only the hash is persisted.
func (r *Registry) MintToken(ctx context.Context, name string, region dispatch.Region) (*WorkerToken, string, error) {
	if !region.IsValid() {
		return nil, "", fmt.Errorf("registry: mint token: unknown region %q", region)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("registry: generate secret: %w", err)
	}
	raw := secretPrefix + hex.EncodeToString(buf)

	t := &WorkerToken{
		Entity:     dispatch.NewEntity(),
		ID:         id.NewTokenID(),
		Name:       name,
		SecretHash: HashSecret(raw),
		Region:     region,
	}
	if err := r.store.CreateToken(ctx, t); err != nil {
		return nil, "", fmt.Errorf("registry: persist token: %w", err)
	}

	r.logger.Info("worker token minted",
		slog.String("token_id", t.ID.String()),
		slog.String("name", name),
		slog.String("region", region.String()),
	)

	return t, raw, nil
}

// Register authenticates a raw token and creates or reactivates the worker
// bound to it. Registration is idempotent: repeated calls with the same
// token update the worker's name, metadata, and heartbeat but never create
// a duplicate. The worker's region is fixed from the token and immutable
// thereafter.
//
// Returns dispatch.ErrInvalidCredential for an unknown or revoked token.
func (r *Registry) Register(ctx context.Context, rawToken, name string, metadata map[string]string) (*Worker, error) {
	t, err := r.store.GetTokenByHash(ctx, HashSecret(rawToken))
	if err != nil {
		if errors.Is(err, dispatch.ErrTokenNotFound) {
			return nil, dispatch.ErrInvalidCredential
		}
		return nil, fmt.Errorf("registry: look up token: %w", err)
	}
	if t.Revoked {
		return nil, dispatch.ErrInvalidCredential
	}

	now := time.Now().UTC()

	w, err := r.store.GetWorkerByToken(ctx, t.ID)
	switch {
	case err == nil:
		// Reactivation path. Region stays what it was at first
		// registration even if the token row were ever repointed.
		w.Name = name
		w.Metadata = metadata
		w.Health = HealthOnline
		w.LastHeartbeat = now
	case errors.Is(err, dispatch.ErrWorkerNotFound):
		w = &Worker{
			Entity:        dispatch.NewEntity(),
			ID:            id.NewWorkerID(),
			TokenID:       t.ID,
			Name:          name,
			Region:        t.Region,
			Health:        HealthOnline,
			LastHeartbeat: now,
			Metadata:      metadata,
		}
	default:
		return nil, fmt.Errorf("registry: look up worker: %w", err)
	}

	if err := r.store.SaveWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("registry: save worker: %w", err)
	}
	if err := r.store.TouchToken(ctx, t.ID, now); err != nil {
		r.logger.Warn("failed to stamp token last-used",
			slog.String("token_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Info("worker registered",
		slog.String("worker_id", w.ID.String()),
		slog.String("name", w.Name),
		slog.String("region", w.Region.String()),
	)

	return w, nil
}

// Revoke marks a token revoked. It does not retroactively affect a worker's
// in-flight job; the lease reaper reclaims it once the heartbeat lapses.
func (r *Registry) Revoke(ctx context.Context, tokenID id.TokenID) error {
	if err := r.store.RevokeToken(ctx, tokenID); err != nil {
		return fmt.Errorf("registry: revoke token: %w", err)
	}

	r.logger.Info("worker token revoked", slog.String("token_id", tokenID.String()))
	return nil
}

// GetWorker returns a worker by ID.
func (r *Registry) GetWorker(ctx context.Context, workerID id.WorkerID) (*Worker, error) {
	return r.store.GetWorker(ctx, workerID)
}

// ListWorkers returns workers matching opts.
func (r *Registry) ListWorkers(ctx context.Context, opts ListWorkersOpts) ([]*Worker, error) {
	return r.store.ListWorkers(ctx, opts)
}

// ListTokens returns all minted tokens.
func (r *Registry) ListTokens(ctx context.Context) ([]*WorkerToken, error) {
	return r.store.ListTokens(ctx)
}
