package queue

import (
	"time"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/id"
)

// Status represents the lifecycle state of a queue entry.
type Status string

const (
	// StatusQueued means the entry is waiting to be claimed by a worker.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker currently owns the entry.
	StatusProcessing Status = "processing"
	// StatusCompleted means the execution finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the execution failed and will not be retried.
	StatusFailed Status = "failed"
	// StatusCancelled means the entry was cancelled before being claimed.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state. Terminal entries do
// not count against the one-live-entry-per-task rule.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority bounds and entry defaults.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	DefaultMaxAttempts       = 3
	DefaultEstimatedDuration = 5 * time.Minute
)

// ClampPriority forces p into the [MinPriority, MaxPriority] range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}

	return p
}

// Entry represents one pending or in-flight execution of an external task.
type Entry struct {
	sluice.Entity

	ID                id.EntryID    `json:"id"`
	TaskID            string        `json:"task_id"`
	TenantID          string        `json:"tenant_id"`
	Priority          int           `json:"priority"`
	Status            Status        `json:"status"`
	QueuedAt          time.Time     `json:"queued_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	WorkerID          id.WorkerID   `json:"worker_id,omitempty"`
	Attempts          int           `json:"attempts"`
	MaxAttempts       int           `json:"max_attempts"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	LastBoostAt       *time.Time    `json:"last_boost_at,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

// NewEntry builds a queued entry for the given task and tenant, applying
// option defaults and clamping priority into range.
func NewEntry(taskID, tenantID string, opts ...Option) *Entry {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Entry{
		Entity:            sluice.NewEntity(),
		ID:                id.NewEntryID(),
		TaskID:            taskID,
		TenantID:          tenantID,
		Priority:          ClampPriority(o.Priority),
		Status:            StatusQueued,
		QueuedAt:          time.Now().UTC(),
		MaxAttempts:       o.MaxAttempts,
		EstimatedDuration: o.EstimatedDuration,
	}
}

// BoostReference returns the timestamp aging eligibility is measured from:
// LastBoostAt when the entry has been boosted before, otherwise QueuedAt.
func (e *Entry) BoostReference() time.Time {
	if e.LastBoostAt != nil {
		return *e.LastBoostAt
	}

	return e.QueuedAt
}
