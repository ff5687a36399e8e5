package queue

import (
	"context"
	"time"

	"github.com/xraph/sluice/id"
)

// Stats is a point-in-time summary of the queue.
type Stats struct {
	// CountsByStatus holds the number of entries per lifecycle state.
	CountsByStatus map[Status]int `json:"counts_by_status"`

	// InFlightByTenant holds the processing count per tenant.
	InFlightByTenant map[string]int `json:"in_flight_by_tenant"`

	// AvgWaitSeconds is the mean age of currently queued entries.
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`

	// BacklogSeconds sums the estimated durations of queued entries.
	BacklogSeconds float64 `json:"backlog_seconds"`
}

// Store defines the persistence contract for queue entries.
type Store interface {
	// CreateEntry persists a new queued entry. Returns
	// sluice.ErrAlreadyQueued if a non-terminal entry for the same task
	// already exists; the duplicate check and the insert are one atomic
	// operation.
	CreateEntry(ctx context.Context, e *Entry) error

	// GetEntry retrieves an entry by ID.
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)

	// GetEntryByTask retrieves the live (non-terminal) entry for a task.
	GetEntryByTask(ctx context.Context, taskID string) (*Entry, error)

	// UpdateEntry persists changes to an existing entry.
	UpdateEntry(ctx context.Context, e *Entry) error

	// ListQueued returns up to limit queued entries ordered by priority
	// (descending) then QueuedAt (ascending). Zero limit means no limit.
	ListQueued(ctx context.Context, limit int) ([]*Entry, error)

	// ListProcessing returns all entries currently owned by a worker.
	ListProcessing(ctx context.Context) ([]*Entry, error)

	// ListExpiredProcessing returns processing entries whose StartedAt is
	// before the cutoff.
	ListExpiredProcessing(ctx context.Context, cutoff time.Time) ([]*Entry, error)

	// ListBoostEligible returns queued entries below maxPriority whose
	// boost reference time (LastBoostAt, else QueuedAt) is before the
	// cutoff.
	ListBoostEligible(ctx context.Context, cutoff time.Time, maxPriority int) ([]*Entry, error)

	// CountActive returns the number of queued plus processing entries.
	CountActive(ctx context.Context) (int, error)

	// CountProcessing returns the number of processing entries.
	CountProcessing(ctx context.Context) (int, error)

	// CountProcessingByTenant returns the tenant's processing count.
	CountProcessingByTenant(ctx context.Context, tenantID string) (int, error)

	// ProcessingCountsByTenant returns processing counts for every tenant
	// with at least one entry in flight.
	ProcessingCountsByTenant(ctx context.Context) (map[string]int, error)

	// ClaimEntry atomically transitions a queued entry to processing,
	// setting the owning worker and StartedAt and incrementing Attempts.
	// The write is conditioned on the entry still being queued; a lost
	// race returns sluice.ErrEntryNotQueued.
	ClaimEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID) (*Entry, error)

	// CompleteEntry finishes a processing entry on behalf of workerID.
	// Returns sluice.ErrOwnershipMismatch when workerID does not own the
	// entry. On success=true the entry becomes completed; on success=false
	// it is requeued while attempts remain, otherwise failed. errMsg is
	// recorded as the entry's error message.
	CompleteEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID, success bool, errMsg string) (*Entry, error)

	// RequeueEntry returns a processing entry to the queue, clearing the
	// owning worker and StartedAt and recording errMsg. Returns
	// sluice.ErrEntryNotProcessing if the entry is not processing.
	RequeueEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*Entry, error)

	// FailEntry terminally fails a processing entry, recording errMsg and
	// setting CompletedAt. Returns sluice.ErrEntryNotProcessing if the
	// entry is not processing.
	FailEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*Entry, error)

	// CancelEntry cancels the queued entry for taskID owned by tenantID,
	// setting CompletedAt. Returns sluice.ErrEntryNotQueued if the entry
	// is in any other state and sluice.ErrEntryNotFound if no live entry
	// for the task/tenant pair exists.
	CancelEntry(ctx context.Context, taskID, tenantID string) (*Entry, error)

	// BoostEntry raises a queued entry's priority by one, capped at
	// maxPriority, and stamps LastBoostAt.
	BoostEntry(ctx context.Context, entryID id.EntryID, maxPriority int) (*Entry, error)

	// Stats returns a point-in-time queue summary.
	Stats(ctx context.Context) (*Stats, error)
}
