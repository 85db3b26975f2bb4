package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/registry"
)

const tokenColumns = `id, name, secret_hash, region, revoked, last_used_at, created_at, updated_at`

const workerColumns = `id, token_id, name, region, health, last_heartbeat, metadata, created_at, updated_at`

// ─────────────────────────────────────────────────────────────────────────────
// Tokens
// ─────────────────────────────────────────────────────────────────────────────

// CreateToken persists a freshly minted worker token.
func (s *Store) CreateToken(ctx context.Context, t *registry.WorkerToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eval_worker_tokens (
			id, name, secret_hash, region, revoked, last_used_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.SecretHash, string(t.Region), t.Revoked, t.LastUsedAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: create token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by ID, revoked or not.
func (s *Store) GetToken(ctx context.Context, tokenID id.TokenID) (*registry.WorkerToken, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM eval_worker_tokens WHERE id = $1`,
		tokenID,
	)

	t, err := scanToken(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrTokenNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get token: %w", err)
	}
	return t, nil
}

// GetTokenByHash retrieves a token by its secret hash, revoked or not.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*registry.WorkerToken, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM eval_worker_tokens WHERE secret_hash = $1`,
		hash,
	)

	t, err := scanToken(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrTokenNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get token by hash: %w", err)
	}
	return t, nil
}

// RevokeToken sets revoked=true. Irreversible.
func (s *Store) RevokeToken(ctx context.Context, tokenID id.TokenID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE eval_worker_tokens SET revoked = TRUE, updated_at = NOW() WHERE id = $1`,
		tokenID,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrTokenNotFound
	}
	return nil
}

// TouchToken stamps the token's last-used timestamp.
func (s *Store) TouchToken(ctx context.Context, tokenID id.TokenID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE eval_worker_tokens SET last_used_at = $2, updated_at = $2 WHERE id = $1`,
		tokenID, at,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: touch token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrTokenNotFound
	}
	return nil
}

// ListTokens returns all tokens, newest first.
func (s *Store) ListTokens(ctx context.Context) ([]*registry.WorkerToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM eval_worker_tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*registry.WorkerToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate token rows: %w", err)
	}
	return tokens, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Workers
// ─────────────────────────────────────────────────────────────────────────────

// SaveWorker inserts or replaces a worker row keyed by ID.
func (s *Store) SaveWorker(ctx context.Context, w *registry.Worker) error {
	metadata, err := json.Marshal(w.Metadata)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: marshal worker metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO eval_workers (
			id, token_id, name, region, health, last_heartbeat, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			health = EXCLUDED.health,
			last_heartbeat = EXCLUDED.last_heartbeat,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		w.ID, w.TokenID, w.Name, string(w.Region), string(w.Health),
		w.LastHeartbeat, metadata, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: save worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*registry.Worker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM eval_workers WHERE id = $1`,
		workerID,
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get worker: %w", err)
	}
	return w, nil
}

// GetWorkerByToken retrieves the worker bound to a token, if any.
func (s *Store) GetWorkerByToken(ctx context.Context, tokenID id.TokenID) (*registry.Worker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM eval_workers WHERE token_id = $1`,
		tokenID,
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, dispatch.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("dispatch/postgres: get worker by token: %w", err)
	}
	return w, nil
}

// TouchWorker records a heartbeat. Offline workers come back online; busy
// workers stay busy.
func (s *Store) TouchWorker(ctx context.Context, workerID id.WorkerID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eval_workers
		SET last_heartbeat = $2,
		    health = CASE WHEN health = 'offline' THEN 'online' ELSE health END,
		    updated_at = $2
		WHERE id = $1`,
		workerID, at,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: touch worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrWorkerNotFound
	}
	return nil
}

// SetWorkerHealth sets the worker's health state.
func (s *Store) SetWorkerHealth(ctx context.Context, workerID id.WorkerID, h registry.Health) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE eval_workers SET health = $2, updated_at = NOW() WHERE id = $1`,
		workerID, string(h),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: set worker health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns workers matching opts, ordered by creation time.
func (s *Store) ListWorkers(ctx context.Context, opts registry.ListWorkersOpts) ([]*registry.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM eval_workers WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Region != "" {
		query += fmt.Sprintf(" AND region = $%d", argIdx)
		args = append(args, string(opts.Region))
		argIdx++
	}
	if opts.Health != "" {
		query += fmt.Sprintf(" AND health = $%d", argIdx)
		args = append(args, string(opts.Health))
	}

	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// ListLapsedWorkers returns non-offline workers whose last heartbeat
// precedes the cutoff.
func (s *Store) ListLapsedWorkers(ctx context.Context, cutoff time.Time) ([]*registry.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+`
		FROM eval_workers
		WHERE health <> 'offline' AND last_heartbeat < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list lapsed workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// scanToken scans a single token row.
func scanToken(row pgx.Row) (*registry.WorkerToken, error) {
	var (
		t         registry.WorkerToken
		regionStr string
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.SecretHash, &regionStr, &t.Revoked, &t.LastUsedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Region = dispatch.Region(regionStr)
	return &t, nil
}

// scanWorker scans a single worker row.
func scanWorker(row pgx.Row) (*registry.Worker, error) {
	var (
		w         registry.Worker
		regionStr string
		healthStr string
		metadata  []byte
	)
	err := row.Scan(
		&w.ID, &w.TokenID, &w.Name, &regionStr, &healthStr,
		&w.LastHeartbeat, &metadata, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Region = dispatch.Region(regionStr)
	w.Health = registry.Health(healthStr)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &w.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal worker metadata: %w", err)
		}
	}

	return &w, nil
}

// collectWorkers collects all workers from query rows.
func collectWorkers(rows pgx.Rows) ([]*registry.Worker, error) {
	var workers []*registry.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}
