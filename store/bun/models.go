package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
)

// ── Entry model ───────────────────────────────────────────────────

type entryModel struct {
	bun.BaseModel `bun:"table:sluice_entries"`

	ID                string     `bun:"id,pk"`
	TaskID            string     `bun:"task_id,notnull"`
	TenantID          string     `bun:"tenant_id,notnull"`
	Priority          int        `bun:"priority,notnull,default:5"`
	Status            string     `bun:"status,notnull,default:'queued'"`
	QueuedAt          time.Time  `bun:"queued_at,notnull,default:current_timestamp"`
	StartedAt         *time.Time `bun:"started_at"`
	CompletedAt       *time.Time `bun:"completed_at"`
	WorkerID          string     `bun:"worker_id,notnull,default:''"`
	Attempts          int        `bun:"attempts,notnull,default:0"`
	MaxAttempts       int        `bun:"max_attempts,notnull,default:3"`
	EstimatedDuration int64      `bun:"estimated_duration,notnull,default:0"`
	LastBoostAt       *time.Time `bun:"last_boost_at"`
	ErrorMessage      string     `bun:"error_message,notnull,default:''"`
	CreatedAt         time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toEntryModel(e *queue.Entry) *entryModel {
	return &entryModel{
		ID:                e.ID.String(),
		TaskID:            e.TaskID,
		TenantID:          e.TenantID,
		Priority:          e.Priority,
		Status:            string(e.Status),
		QueuedAt:          e.QueuedAt,
		StartedAt:         e.StartedAt,
		CompletedAt:       e.CompletedAt,
		WorkerID:          e.WorkerID.String(),
		Attempts:          e.Attempts,
		MaxAttempts:       e.MaxAttempts,
		EstimatedDuration: e.EstimatedDuration.Nanoseconds(),
		LastBoostAt:       e.LastBoostAt,
		ErrorMessage:      e.ErrorMessage,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func fromEntryModel(m *entryModel) (*queue.Entry, error) {
	parsedID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: parse entry id %q: %w", m.ID, err)
	}

	e := &queue.Entry{
		Entity: sluice.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                parsedID,
		TaskID:            m.TaskID,
		TenantID:          m.TenantID,
		Priority:          m.Priority,
		Status:            queue.Status(m.Status),
		QueuedAt:          m.QueuedAt,
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		EstimatedDuration: time.Duration(m.EstimatedDuration),
		LastBoostAt:       m.LastBoostAt,
		ErrorMessage:      m.ErrorMessage,
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			e.WorkerID = parsedWorker
		}
	}

	return e, nil
}

// ── Config model ──────────────────────────────────────────────────

type configModel struct {
	bun.BaseModel `bun:"table:sluice_config"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	bun.BaseModel `bun:"table:sluice_workers"`

	ID          string            `bun:"id,pk"`
	Hostname    string            `bun:"hostname,notnull"`
	PoolSize    int               `bun:"pool_size,notnull,default:20"`
	State       string            `bun:"state,notnull,default:'active'"`
	IsLeader    bool              `bun:"is_leader,notnull,default:false"`
	LeaderUntil *time.Time        `bun:"leader_until"`
	LastSeen    time.Time         `bun:"last_seen,notnull,default:current_timestamp"`
	Metadata    map[string]string `bun:"metadata,type:jsonb"`
	CreatedAt   time.Time         `bun:"created_at,notnull,default:current_timestamp"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:          w.ID.String(),
		Hostname:    w.Hostname,
		PoolSize:    w.PoolSize,
		State:       string(w.State),
		IsLeader:    w.IsLeader,
		LeaderUntil: w.LeaderUntil,
		LastSeen:    w.LastSeen,
		Metadata:    w.Metadata,
		CreatedAt:   w.CreatedAt,
	}
}

func fromWorkerModel(m *workerModel) (*cluster.Worker, error) {
	parsedID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: parse worker id %q: %w", m.ID, err)
	}

	return &cluster.Worker{
		ID:          parsedID,
		Hostname:    m.Hostname,
		PoolSize:    m.PoolSize,
		State:       cluster.WorkerState(m.State),
		IsLeader:    m.IsLeader,
		LeaderUntil: m.LeaderUntil,
		LastSeen:    m.LastSeen,
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// ── Leadership lease model ────────────────────────────────────────

// leadershipModel is the single-row lease behind leader election. The
// lease lives outside sluice_workers so it can be held before the worker
// registers itself.
type leadershipModel struct {
	bun.BaseModel `bun:"table:sluice_leadership"`

	Singleton   bool      `bun:"singleton,pk"`
	WorkerID    string    `bun:"worker_id,notnull"`
	LeaderUntil time.Time `bun:"leader_until,notnull"`
}
