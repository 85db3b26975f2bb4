// Package registry owns worker identity: it mints and validates worker
// tokens, creates worker records at registration, and tracks each worker's
// declared region and health state.
package registry

import (
	"time"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
)

// Health represents the lifecycle state of a worker.
type Health string

const (
	// HealthOnline means the worker is heartbeating and idle.
	HealthOnline Health = "online"
	// HealthBusy means the worker currently holds a job lease.
	HealthBusy Health = "busy"
	// HealthOffline means the worker's heartbeat has lapsed. Offline
	// workers receive no new work until they heartbeat again.
	HealthOffline Health = "offline"
)

// Worker represents a running worker process, identified by the token it
// registered with. Region is inherited from the token at registration and
// never changes afterwards; re-registering with a different token creates a
// logically distinct worker. Workers are never hard-deleted, only marked
// offline indefinitely.
type Worker struct {
	dispatch.Entity

	ID            id.WorkerID       `json:"id"`
	TokenID       id.TokenID        `json:"token_id"`
	Name          string            `json:"name"`
	Region        dispatch.Region   `json:"region"`
	Health        Health            `json:"health"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// WorkerToken is a credential minted by an administrator for a named worker
// pool, bound to one region. Only the one-way hash of the secret is stored;
// the raw value is shown once at mint time and never recoverable. Revocation
// is immediate and irreversible for that token value.
type WorkerToken struct {
	dispatch.Entity

	ID         id.TokenID      `json:"id"`
	Name       string          `json:"name"`
	SecretHash string          `json:"-"`
	Region     dispatch.Region `json:"region"`
	Revoked    bool            `json:"revoked"`
	LastUsedAt *time.Time      `json:"last_used_at,omitempty"`
}
