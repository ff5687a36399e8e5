package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/config"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
)

// Compile-time checks that Store satisfies each subsystem contract.
var (
	_ queue.Store   = (*Store)(nil)
	_ config.Store  = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	entries map[string]*queue.Entry
	configs map[string]string
	workers map[string]*cluster.Worker

	// leader tracks the current cluster leader worker ID string.
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]*queue.Entry),
		configs: make(map[string]string),
		workers: make(map[string]*cluster.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Queue Store
// ──────────────────────────────────────────────────

// CreateEntry persists a new queued entry. The duplicate-task check and
// the insert happen under one lock, so racing submissions for the same
// task cannot both succeed.
func (m *Store) CreateEntry(_ context.Context, e *queue.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.entries {
		if existing.TaskID == e.TaskID && !existing.Status.Terminal() {
			return sluice.ErrAlreadyQueued
		}
	}

	cp := *e
	m.entries[e.ID.String()] = &cp
	return nil
}

// GetEntry retrieves an entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.EntryID) (*queue.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, sluice.ErrEntryNotFound
	}
	// Return a copy so callers can mutate without racing with the store.
	cp := *e
	return &cp, nil
}

// GetEntryByTask retrieves the live (non-terminal) entry for a task.
func (m *Store) GetEntryByTask(_ context.Context, taskID string) (*queue.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.TaskID == taskID && !e.Status.Terminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, sluice.ErrEntryNotFound
}

// UpdateEntry persists changes to an existing entry.
func (m *Store) UpdateEntry(_ context.Context, e *queue.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	if _, ok := m.entries[key]; !ok {
		return sluice.ErrEntryNotFound
	}
	cp := *e
	cp.UpdatedAt = time.Now().UTC()
	m.entries[key] = &cp
	return nil
}

// ListQueued returns up to limit queued entries in dispatch order:
// priority descending, then QueuedAt ascending.
func (m *Store) ListQueued(_ context.Context, limit int) ([]*queue.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]*queue.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Status == queue.StatusQueued {
			candidates = append(candidates, e)
		}
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].QueuedAt.Before(candidates[k].QueuedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*queue.Entry, len(candidates))
	for i, e := range candidates {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

// ListProcessing returns all entries currently owned by a worker.
func (m *Store) ListProcessing(_ context.Context) ([]*queue.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*queue.Entry
	for _, e := range m.entries {
		if e.Status == queue.StatusProcessing {
			cp := *e
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].StartedAt.Before(*result[k].StartedAt)
	})

	return result, nil
}

// ListExpiredProcessing returns processing entries whose StartedAt is
// before the cutoff.
func (m *Store) ListExpiredProcessing(_ context.Context, cutoff time.Time) ([]*queue.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*queue.Entry
	for _, e := range m.entries {
		if e.Status != queue.StatusProcessing {
			continue
		}
		if e.StartedAt != nil && e.StartedAt.Before(cutoff) {
			cp := *e
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].StartedAt.Before(*result[k].StartedAt)
	})

	return result, nil
}

// ListBoostEligible returns queued entries below maxPriority whose boost
// reference time is before the cutoff.
func (m *Store) ListBoostEligible(_ context.Context, cutoff time.Time, maxPriority int) ([]*queue.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*queue.Entry
	for _, e := range m.entries {
		if e.Status != queue.StatusQueued {
			continue
		}
		if e.Priority >= maxPriority {
			continue
		}
		if e.BoostReference().Before(cutoff) {
			cp := *e
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].QueuedAt.Before(result[k].QueuedAt)
	})

	return result, nil
}

// CountActive returns the number of queued plus processing entries.
func (m *Store) CountActive(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.entries {
		if e.Status == queue.StatusQueued || e.Status == queue.StatusProcessing {
			count++
		}
	}
	return count, nil
}

// CountProcessing returns the number of processing entries.
func (m *Store) CountProcessing(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.entries {
		if e.Status == queue.StatusProcessing {
			count++
		}
	}
	return count, nil
}

// CountProcessingByTenant returns the tenant's processing count.
func (m *Store) CountProcessingByTenant(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.entries {
		if e.Status == queue.StatusProcessing && e.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

// ProcessingCountsByTenant returns processing counts for every tenant
// with at least one entry in flight.
func (m *Store) ProcessingCountsByTenant(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range m.entries {
		if e.Status == queue.StatusProcessing {
			counts[e.TenantID]++
		}
	}
	return counts, nil
}

// ClaimEntry atomically transitions a queued entry to processing. The
// status check and the write happen under one lock, so two workers racing
// for the same entry cannot both win; the loser gets ErrEntryNotQueued.
func (m *Store) ClaimEntry(_ context.Context, entryID id.EntryID, workerID id.WorkerID) (*queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, sluice.ErrEntryNotFound
	}
	if e.Status != queue.StatusQueued {
		return nil, sluice.ErrEntryNotQueued
	}

	now := time.Now().UTC()
	n := now
	e.Status = queue.StatusProcessing
	e.WorkerID = workerID
	e.StartedAt = &n
	e.Attempts++
	e.UpdatedAt = now

	cp := *e
	return &cp, nil
}

// CompleteEntry finishes a processing entry on behalf of workerID.
func (m *Store) CompleteEntry(_ context.Context, entryID id.EntryID, workerID id.WorkerID, success bool, errMsg string) (*queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, sluice.ErrEntryNotFound
	}
	if e.Status != queue.StatusProcessing {
		return nil, sluice.ErrEntryNotProcessing
	}
	if e.WorkerID.String() != workerID.String() {
		return nil, sluice.ErrOwnershipMismatch
	}

	now := time.Now().UTC()
	n := now
	switch {
	case success:
		e.Status = queue.StatusCompleted
		e.CompletedAt = &n
		e.WorkerID = id.Nil
		e.ErrorMessage = errMsg
	case e.Attempts < e.MaxAttempts:
		e.Status = queue.StatusQueued
		e.WorkerID = id.Nil
		e.StartedAt = nil
		e.ErrorMessage = errMsg
	default:
		e.Status = queue.StatusFailed
		e.CompletedAt = &n
		e.WorkerID = id.Nil
		e.ErrorMessage = errMsg
	}
	e.UpdatedAt = now

	cp := *e
	return &cp, nil
}

// RequeueEntry returns a processing entry to the queue. QueuedAt keeps
// its original value, so the entry retains its wait seniority.
func (m *Store) RequeueEntry(_ context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, sluice.ErrEntryNotFound
	}
	if e.Status != queue.StatusProcessing {
		return nil, sluice.ErrEntryNotProcessing
	}

	e.Status = queue.StatusQueued
	e.WorkerID = id.Nil
	e.StartedAt = nil
	e.ErrorMessage = errMsg
	e.UpdatedAt = time.Now().UTC()

	cp := *e
	return &cp, nil
}

// FailEntry terminally fails a processing entry.
func (m *Store) FailEntry(_ context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, sluice.ErrEntryNotFound
	}
	if e.Status != queue.StatusProcessing {
		return nil, sluice.ErrEntryNotProcessing
	}

	now := time.Now().UTC()
	n := now
	e.Status = queue.StatusFailed
	e.CompletedAt = &n
	e.WorkerID = id.Nil
	e.ErrorMessage = errMsg
	e.UpdatedAt = now

	cp := *e
	return &cp, nil
}

// CancelEntry cancels the queued entry for taskID owned by tenantID.
func (m *Store) CancelEntry(_ context.Context, taskID, tenantID string) (*queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var live *queue.Entry
	for _, e := range m.entries {
		if e.TaskID == taskID && e.TenantID == tenantID && !e.Status.Terminal() {
			live = e
			break
		}
	}
	if live == nil {
		return nil, sluice.ErrEntryNotFound
	}
	if live.Status != queue.StatusQueued {
		return nil, sluice.ErrEntryNotQueued
	}

	now := time.Now().UTC()
	n := now
	live.Status = queue.StatusCancelled
	live.CompletedAt = &n
	live.UpdatedAt = now

	cp := *live
	return &cp, nil
}

// BoostEntry raises a queued entry's priority by one, capped at
// maxPriority, and stamps LastBoostAt.
func (m *Store) BoostEntry(_ context.Context, entryID id.EntryID, maxPriority int) (*queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, sluice.ErrEntryNotFound
	}
	if e.Status != queue.StatusQueued {
		return nil, sluice.ErrEntryNotQueued
	}

	if e.Priority < maxPriority {
		e.Priority++
	}
	now := time.Now().UTC()
	n := now
	e.LastBoostAt = &n
	e.UpdatedAt = now

	cp := *e
	return &cp, nil
}

// Stats returns a point-in-time queue summary.
func (m *Store) Stats(_ context.Context) (*queue.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	counts := make(map[queue.Status]int)
	inFlight := make(map[string]int)
	var waitSum, backlog float64
	queued := 0

	for _, e := range m.entries {
		counts[e.Status]++
		switch e.Status {
		case queue.StatusProcessing:
			inFlight[e.TenantID]++
		case queue.StatusQueued:
			waitSum += now.Sub(e.QueuedAt).Seconds()
			backlog += e.EstimatedDuration.Seconds()
			queued++
		}
	}

	avgWait := 0.0
	if queued > 0 {
		avgWait = waitSum / float64(queued)
	}

	return &queue.Stats{
		CountsByStatus:   counts,
		InFlightByTenant: inFlight,
		AvgWaitSeconds:   avgWait,
		BacklogSeconds:   backlog,
	}, nil
}

// ──────────────────────────────────────────────────
// Config Store
// ──────────────────────────────────────────────────

// GetConfigValues returns all persisted configuration values.
func (m *Store) GetConfigValues(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := make(map[string]string, len(m.configs))
	for k, v := range m.configs {
		values[k] = v
	}
	return values, nil
}

// SetConfigValue persists a single configuration value.
func (m *Store) SetConfigValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[key] = value
	return nil
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterWorker adds a new worker to the cluster registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return sluice.ErrWorkerNotFound
	}
	delete(m.workers, key)
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return sluice.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// ReapDeadWorkers marks workers whose last-seen timestamp is older than
// the threshold as dead and returns them.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Worker
	for _, w := range m.workers {
		if w.State == cluster.WorkerDead {
			continue
		}
		if w.LastSeen.Before(cutoff) {
			w.State = cluster.WorkerDead
			cp := *w
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	wKey := workerID.String()

	// If there's already a leader whose TTL hasn't expired and it's not us, fail.
	if m.leader != "" && m.leaderUntil.After(now) && m.leader != wKey {
		return false, nil
	}

	// Acquire (or re-acquire) leadership.
	m.leader = wKey
	m.leaderUntil = now.Add(ttl)

	// Update worker record.
	if w, ok := m.workers[wKey]; ok {
		w.IsLeader = true
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wKey := workerID.String()
	if m.leader != wKey {
		return false, nil
	}

	m.leaderUntil = time.Now().UTC().Add(ttl)

	if w, ok := m.workers[wKey]; ok {
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}

	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}
