package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/registry"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tokens
// ─────────────────────────────────────────────────────────────────────────────

// CreateToken persists a freshly minted worker token.
func (s *Store) CreateToken(ctx context.Context, t *registry.WorkerToken) error {
	tID := t.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, tokenKey(tID), tokenToMap(t))
	pipe.SAdd(ctx, tokenIDsKey, tID)
	pipe.HSet(ctx, tokenHashesKey, t.SecretHash, tID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/redis: create token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by ID, revoked or not.
func (s *Store) GetToken(ctx context.Context, tokenID id.TokenID) (*registry.WorkerToken, error) {
	return s.getTokenByKey(ctx, tokenKey(tokenID.String()))
}

// GetTokenByHash retrieves a token by its secret hash, revoked or not.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*registry.WorkerToken, error) {
	tID, err := s.client.HGet(ctx, tokenHashesKey, hash).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, dispatch.ErrTokenNotFound
		}
		return nil, fmt.Errorf("dispatch/redis: get token by hash: %w", err)
	}
	return s.getTokenByKey(ctx, tokenKey(tID))
}

// RevokeToken sets revoked=true. Irreversible.
func (s *Store) RevokeToken(ctx context.Context, tokenID id.TokenID) error {
	key := tokenKey(tokenID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("dispatch/redis: revoke token exists: %w", err)
	}
	if exists == 0 {
		return dispatch.ErrTokenNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, "revoked", "true", "updated_at", now).Err(); err != nil {
		return fmt.Errorf("dispatch/redis: revoke token: %w", err)
	}
	return nil
}

// TouchToken stamps the token's last-used timestamp.
func (s *Store) TouchToken(ctx context.Context, tokenID id.TokenID, at time.Time) error {
	key := tokenKey(tokenID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("dispatch/redis: touch token exists: %w", err)
	}
	if exists == 0 {
		return dispatch.ErrTokenNotFound
	}

	if err := s.client.HSet(ctx, key, "last_used_at", at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("dispatch/redis: touch token: %w", err)
	}
	return nil
}

// ListTokens returns all tokens, newest first.
func (s *Store) ListTokens(ctx context.Context) ([]*registry.WorkerToken, error) {
	ids, err := s.client.SMembers(ctx, tokenIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: list tokens smembers: %w", err)
	}

	tokens := make([]*registry.WorkerToken, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTokenByKey(ctx, tokenKey(tID))
		if getErr != nil {
			continue // skip missing
		}
		tokens = append(tokens, t)
	}

	sort.Slice(tokens, func(i, k int) bool {
		return tokens[i].CreatedAt.After(tokens[k].CreatedAt)
	})
	return tokens, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Workers
// ─────────────────────────────────────────────────────────────────────────────

// SaveWorker inserts or replaces a worker entity keyed by ID.
func (s *Store) SaveWorker(ctx context.Context, w *registry.Worker) error {
	wID := w.ID.String()

	fields, err := workerToMap(w)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workerKey(wID), fields)
	pipe.SAdd(ctx, workerIDsKey, wID)
	pipe.HSet(ctx, workerByTokenKey, w.TokenID.String(), wID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch/redis: save worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*registry.Worker, error) {
	return s.getWorkerByKey(ctx, workerKey(workerID.String()))
}

// GetWorkerByToken retrieves the worker bound to a token, if any.
func (s *Store) GetWorkerByToken(ctx context.Context, tokenID id.TokenID) (*registry.Worker, error) {
	wID, err := s.client.HGet(ctx, workerByTokenKey, tokenID.String()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, dispatch.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("dispatch/redis: get worker by token: %w", err)
	}
	return s.getWorkerByKey(ctx, workerKey(wID))
}

// TouchWorker records a heartbeat. Offline workers come back online; busy
// workers stay busy.
func (s *Store) TouchWorker(ctx context.Context, workerID id.WorkerID, at time.Time) error {
	key := workerKey(workerID.String())

	health, err := s.client.HGet(ctx, key, "health").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return dispatch.ErrWorkerNotFound
		}
		return fmt.Errorf("dispatch/redis: touch worker get health: %w", err)
	}

	ts := at.UTC().Format(time.RFC3339Nano)
	fields := []interface{}{"last_heartbeat", ts, "updated_at", ts}
	if health == string(registry.HealthOffline) {
		fields = append(fields, "health", string(registry.HealthOnline))
	}

	if err := s.client.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("dispatch/redis: touch worker: %w", err)
	}
	return nil
}

// SetWorkerHealth sets the worker's health state.
func (s *Store) SetWorkerHealth(ctx context.Context, workerID id.WorkerID, h registry.Health) error {
	key := workerKey(workerID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("dispatch/redis: set health exists: %w", err)
	}
	if exists == 0 {
		return dispatch.ErrWorkerNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, "health", string(h), "updated_at", now).Err(); err != nil {
		return fmt.Errorf("dispatch/redis: set worker health: %w", err)
	}
	return nil
}

// ListWorkers returns workers matching opts, ordered by creation time.
func (s *Store) ListWorkers(ctx context.Context, opts registry.ListWorkersOpts) ([]*registry.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: list workers smembers: %w", err)
	}

	workers := make([]*registry.Worker, 0, len(ids))
	for _, wID := range ids {
		w, getErr := s.getWorkerByKey(ctx, workerKey(wID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Region != "" && w.Region != opts.Region {
			continue
		}
		if opts.Health != "" && w.Health != opts.Health {
			continue
		}
		workers = append(workers, w)
	}

	sort.Slice(workers, func(i, k int) bool {
		return workers[i].CreatedAt.Before(workers[k].CreatedAt)
	})
	return workers, nil
}

// ListLapsedWorkers returns non-offline workers whose last heartbeat
// precedes the cutoff.
func (s *Store) ListLapsedWorkers(ctx context.Context, cutoff time.Time) ([]*registry.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: list lapsed smembers: %w", err)
	}

	var lapsed []*registry.Worker
	for _, wID := range ids {
		w, getErr := s.getWorkerByKey(ctx, workerKey(wID))
		if getErr != nil {
			continue
		}
		if w.Health == registry.HealthOffline {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			lapsed = append(lapsed, w)
		}
	}
	return lapsed, nil
}

// ── helpers ──

func tokenToMap(t *registry.WorkerToken) map[string]interface{} {
	m := map[string]interface{}{
		"id":          t.ID.String(),
		"name":        t.Name,
		"secret_hash": t.SecretHash,
		"region":      string(t.Region),
		"revoked":     fmt.Sprintf("%t", t.Revoked),
		"created_at":  t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if t.LastUsedAt != nil {
		m["last_used_at"] = t.LastUsedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getTokenByKey(ctx context.Context, key string) (*registry.WorkerToken, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: get token: %w", err)
	}
	if len(vals) == 0 {
		return nil, dispatch.ErrTokenNotFound
	}
	return mapToToken(vals)
}

func mapToToken(m map[string]string) (*registry.WorkerToken, error) {
	tID, err := id.ParseTokenID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: parse token id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	t := &registry.WorkerToken{
		Entity: dispatch.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         tID,
		Name:       m["name"],
		SecretHash: m["secret_hash"],
		Region:     dispatch.Region(m["region"]),
		Revoked:    m["revoked"] == "true",
	}

	if v := m["last_used_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.LastUsedAt = &ts
	}
	return t, nil
}

func workerToMap(w *registry.Worker) (map[string]interface{}, error) {
	metadata, err := json.Marshal(w.Metadata)
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: marshal worker metadata: %w", err)
	}

	return map[string]interface{}{
		"id":             w.ID.String(),
		"token_id":       w.TokenID.String(),
		"name":           w.Name,
		"region":         string(w.Region),
		"health":         string(w.Health),
		"last_heartbeat": w.LastHeartbeat.Format(time.RFC3339Nano),
		"metadata":       string(metadata),
		"created_at":     w.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     w.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func (s *Store) getWorkerByKey(ctx context.Context, key string) (*registry.Worker, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: get worker: %w", err)
	}
	if len(vals) == 0 {
		return nil, dispatch.ErrWorkerNotFound
	}
	return mapToWorker(vals)
}

func mapToWorker(m map[string]string) (*registry.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: parse worker id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	lastHeartbeat, _ := time.Parse(time.RFC3339Nano, m["last_heartbeat"]) //nolint:errcheck // best-effort parse from trusted Redis data

	w := &registry.Worker{
		Entity: dispatch.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:            wID,
		Name:          m["name"],
		Region:        dispatch.Region(m["region"]),
		Health:        registry.Health(m["health"]),
		LastHeartbeat: lastHeartbeat,
	}

	w.TokenID, _ = id.ParseTokenID(m["token_id"]) //nolint:errcheck // best-effort parse from trusted Redis data

	if v := m["metadata"]; v != "" && v != "null" {
		meta := make(map[string]string)
		_ = json.Unmarshal([]byte(v), &meta) //nolint:errcheck // best-effort parse from trusted Redis data
		w.Metadata = meta
	}
	return w, nil
}
