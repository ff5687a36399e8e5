// Package store defines the aggregate persistence interface. Each subsystem
// (queue, config, cluster) defines its own store interface. The composite
// Store composes them all. Backends: Postgres, Bun, Redis, and Memory.
package store

import (
	"context"

	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/config"
	"github.com/xraph/sluice/queue"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, bun, redis, memory) implements all of them.
type Store interface {
	queue.Store
	config.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
