package sluice

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("sluice: no store configured")
	ErrStoreClosed     = errors.New("sluice: store closed")
	ErrMigrationFailed = errors.New("sluice: migration failed")

	// Not found errors.
	ErrEntryNotFound  = errors.New("sluice: queue entry not found")
	ErrWorkerNotFound = errors.New("sluice: worker not found")
	ErrConfigNotFound = errors.New("sluice: config key not found")

	// Admission errors.
	ErrQueueFull        = errors.New("sluice: queue full")
	ErrAlreadyQueued    = errors.New("sluice: task already queued")
	ErrCapacityExceeded = errors.New("sluice: capacity exceeded")

	// State errors.
	ErrEntryNotQueued     = errors.New("sluice: entry not in queued state")
	ErrEntryNotProcessing = errors.New("sluice: entry not in processing state")
	ErrOwnershipMismatch  = errors.New("sluice: worker does not own entry")

	// Cluster errors.
	ErrLeadershipLost = errors.New("sluice: leadership lost")
	ErrNotLeader      = errors.New("sluice: not the leader")
)
