// Package store defines the aggregate persistence interface. Each subsystem
// (job, registry) defines its own store interface; the composite Store
// composes them all. Backends: Postgres, Redis, and Memory.
package store

import (
	"context"

	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
)

// Store is the aggregate persistence interface. A single backend implements
// every subsystem store plus lifecycle operations.
type Store interface {
	job.Store
	registry.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
