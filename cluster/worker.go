package cluster

import (
	"time"

	"github.com/xraph/sluice/id"
)

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	// WorkerActive means the worker is healthy and processing entries.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the worker is finishing in-flight entries
	// but not claiming new ones (graceful shutdown).
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the worker has stopped heartbeating; entries it
	// held are returned to the queue by the timeout reaper.
	WorkerDead WorkerState = "dead"
)

// Worker represents a Sluice worker process in a shared-store deployment.
type Worker struct {
	ID          id.WorkerID       `json:"id"`
	Hostname    string            `json:"hostname"`
	PoolSize    int               `json:"pool_size"`
	State       WorkerState       `json:"state"`
	IsLeader    bool              `json:"is_leader"`
	LeaderUntil *time.Time        `json:"leader_until,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
