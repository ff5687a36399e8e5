package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
)

// CreateEntry persists a new queued entry. The per-task lock is taken with
// SET NX, so the one-live-entry-per-task check and the reservation are a
// single atomic step.
func (s *Store) CreateEntry(ctx context.Context, e *queue.Entry) error {
	eID := e.ID.String()
	tKey := taskKey(e.TaskID)

	ok, err := s.client.SetNX(ctx, tKey, eID, 0).Result()
	if err != nil {
		return fmt.Errorf("sluice/redis: create entry lock: %w", err)
	}
	if !ok {
		return sluice.ErrAlreadyQueued
	}

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	pipe.SAdd(ctx, entryIDsKey, eID)
	pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: entryScore(e.Priority, e.QueuedAt), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the task lock so a retry can insert.
		s.client.Del(ctx, tKey)
		return fmt.Errorf("sluice/redis: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves an entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*queue.Entry, error) {
	return s.getEntryByKey(ctx, entryKey(entryID.String()))
}

// GetEntryByTask retrieves the live entry for a task via the task lock.
func (s *Store) GetEntryByTask(ctx context.Context, taskID string) (*queue.Entry, error) {
	eID, err := s.client.Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sluice.ErrEntryNotFound
		}
		return nil, fmt.Errorf("sluice/redis: get entry by task: %w", err)
	}
	return s.getEntryByKey(ctx, entryKey(eID))
}

// UpdateEntry persists the full entry state and reconciles the queued set,
// the processing set, and the task lock with the entry's status.
func (s *Store) UpdateEntry(ctx context.Context, e *queue.Entry) error {
	eID := e.ID.String()

	exists, err := s.client.Exists(ctx, entryKey(eID)).Result()
	if err != nil {
		return fmt.Errorf("sluice/redis: update exists: %w", err)
	}
	if exists == 0 {
		return sluice.ErrEntryNotFound
	}

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	switch e.Status {
	case queue.StatusQueued:
		pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: entryScore(e.Priority, e.QueuedAt), Member: eID})
		pipe.SRem(ctx, processingKey, eID)
		pipe.Set(ctx, taskKey(e.TaskID), eID, 0)
	case queue.StatusProcessing:
		pipe.ZRem(ctx, queuedKey, eID)
		pipe.SAdd(ctx, processingKey, eID)
		pipe.Set(ctx, taskKey(e.TaskID), eID, 0)
	default:
		pipe.ZRem(ctx, queuedKey, eID)
		pipe.SRem(ctx, processingKey, eID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sluice/redis: update entry: %w", err)
	}

	if e.Status.Terminal() {
		s.releaseTaskLock(ctx, e.TaskID, eID)
	}
	return nil
}

// ListQueued returns up to limit queued entries. The sorted-set score
// already encodes dispatch order, so the range read needs no re-sort.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]*queue.Entry, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}

	ids, err := s.client.ZRange(ctx, queuedKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: list queued: %w", err)
	}

	entries := make([]*queue.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil || e.Status != queue.StatusQueued {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListProcessing returns all entries currently owned by a worker.
func (s *Store) ListProcessing(ctx context.Context) ([]*queue.Entry, error) {
	entries, err := s.scanProcessing(ctx)
	if err != nil {
		return nil, err
	}
	sortByStartedAt(entries)
	return entries, nil
}

// ListExpiredProcessing returns processing entries whose StartedAt is
// before the cutoff.
func (s *Store) ListExpiredProcessing(ctx context.Context, cutoff time.Time) ([]*queue.Entry, error) {
	all, err := s.scanProcessing(ctx)
	if err != nil {
		return nil, err
	}

	expired := make([]*queue.Entry, 0, len(all))
	for _, e := range all {
		if e.StartedAt != nil && e.StartedAt.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	sortByStartedAt(expired)
	return expired, nil
}

// ListBoostEligible returns queued entries below maxPriority whose boost
// reference time is before the cutoff, oldest first.
func (s *Store) ListBoostEligible(ctx context.Context, cutoff time.Time, maxPriority int) ([]*queue.Entry, error) {
	ids, err := s.client.ZRange(ctx, queuedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: boost eligible zrange: %w", err)
	}

	eligible := make([]*queue.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil || e.Status != queue.StatusQueued {
			continue
		}
		if e.Priority >= maxPriority {
			continue
		}
		if e.BoostReference().Before(cutoff) {
			eligible = append(eligible, e)
		}
	}

	sort.Slice(eligible, func(i, k int) bool {
		return eligible[i].QueuedAt.Before(eligible[k].QueuedAt)
	})
	return eligible, nil
}

// CountActive returns the number of queued plus processing entries.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	queued, err := s.client.ZCard(ctx, queuedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sluice/redis: count queued: %w", err)
	}
	processing, err := s.client.SCard(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sluice/redis: count processing: %w", err)
	}
	return int(queued + processing), nil
}

// CountProcessing returns the number of processing entries.
func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sluice/redis: count processing: %w", err)
	}
	return int(n), nil
}

// CountProcessingByTenant returns the tenant's processing count.
func (s *Store) CountProcessingByTenant(ctx context.Context, tenantID string) (int, error) {
	counts, err := s.ProcessingCountsByTenant(ctx)
	if err != nil {
		return 0, err
	}
	return counts[tenantID], nil
}

// ProcessingCountsByTenant returns processing counts for every tenant with
// at least one entry in flight.
func (s *Store) ProcessingCountsByTenant(ctx context.Context) (map[string]int, error) {
	entries, err := s.scanProcessing(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.TenantID]++
	}
	return counts, nil
}

// ClaimEntry transitions a queued entry to processing. The removal from the
// queued sorted set is the race decider: ZREM returns 1 for exactly one
// caller, so two workers claiming the same entry cannot both win.
func (s *Store) ClaimEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID) (*queue.Entry, error) {
	eID := entryID.String()

	removed, err := s.client.ZRem(ctx, queuedKey, eID).Result()
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: claim zrem: %w", err)
	}
	if removed == 0 {
		return nil, s.entryMissReason(ctx, eID, sluice.ErrEntryNotQueued)
	}

	e, err := s.getEntryByKey(ctx, entryKey(eID))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	started := now
	e.Status = queue.StatusProcessing
	e.WorkerID = workerID
	e.StartedAt = &started
	e.Attempts++
	e.UpdatedAt = now

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	pipe.SAdd(ctx, processingKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sluice/redis: claim entry: %w", err)
	}
	return e, nil
}

// CompleteEntry finishes a processing entry on behalf of workerID. On
// failure the retry branch rides on Attempts, which ClaimEntry already
// incremented: remaining attempts requeue, exhausted attempts fail.
func (s *Store) CompleteEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID, success bool, errMsg string) (*queue.Entry, error) {
	eID := entryID.String()

	e, err := s.getEntryByKey(ctx, entryKey(eID))
	if err != nil {
		return nil, err
	}
	if e.Status != queue.StatusProcessing {
		return nil, sluice.ErrEntryNotProcessing
	}
	if e.WorkerID.String() != workerID.String() {
		return nil, sluice.ErrOwnershipMismatch
	}

	now := time.Now().UTC()
	done := now
	requeued := false
	switch {
	case success:
		e.Status = queue.StatusCompleted
		e.CompletedAt = &done
	case e.Attempts < e.MaxAttempts:
		e.Status = queue.StatusQueued
		e.StartedAt = nil
		requeued = true
	default:
		e.Status = queue.StatusFailed
		e.CompletedAt = &done
	}
	e.WorkerID = id.Nil
	e.ErrorMessage = errMsg
	e.UpdatedAt = now

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	pipe.SRem(ctx, processingKey, eID)
	if requeued {
		pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: entryScore(e.Priority, e.QueuedAt), Member: eID})
	} else {
		pipe.Del(ctx, taskKey(e.TaskID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sluice/redis: complete entry: %w", err)
	}
	return e, nil
}

// RequeueEntry returns a processing entry to the queue. QueuedAt keeps its
// original value, so the entry retains its wait seniority.
func (s *Store) RequeueEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	eID := entryID.String()

	e, err := s.getEntryByKey(ctx, entryKey(eID))
	if err != nil {
		return nil, err
	}
	if e.Status != queue.StatusProcessing {
		return nil, sluice.ErrEntryNotProcessing
	}

	e.Status = queue.StatusQueued
	e.WorkerID = id.Nil
	e.StartedAt = nil
	e.ErrorMessage = errMsg
	e.UpdatedAt = time.Now().UTC()

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	pipe.SRem(ctx, processingKey, eID)
	pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: entryScore(e.Priority, e.QueuedAt), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sluice/redis: requeue entry: %w", err)
	}
	return e, nil
}

// FailEntry terminally fails a processing entry and releases the task lock.
func (s *Store) FailEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	eID := entryID.String()

	e, err := s.getEntryByKey(ctx, entryKey(eID))
	if err != nil {
		return nil, err
	}
	if e.Status != queue.StatusProcessing {
		return nil, sluice.ErrEntryNotProcessing
	}

	now := time.Now().UTC()
	done := now
	e.Status = queue.StatusFailed
	e.CompletedAt = &done
	e.WorkerID = id.Nil
	e.ErrorMessage = errMsg
	e.UpdatedAt = now

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	pipe.SRem(ctx, processingKey, eID)
	pipe.Del(ctx, taskKey(e.TaskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sluice/redis: fail entry: %w", err)
	}
	return e, nil
}

// CancelEntry cancels the queued entry for taskID owned by tenantID.
func (s *Store) CancelEntry(ctx context.Context, taskID, tenantID string) (*queue.Entry, error) {
	eID, err := s.client.Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sluice.ErrEntryNotFound
		}
		return nil, fmt.Errorf("sluice/redis: cancel lookup: %w", err)
	}

	e, err := s.getEntryByKey(ctx, entryKey(eID))
	if err != nil {
		return nil, err
	}
	if e.TenantID != tenantID {
		return nil, sluice.ErrEntryNotFound
	}
	if e.Status != queue.StatusQueued {
		return nil, sluice.ErrEntryNotQueued
	}

	now := time.Now().UTC()
	done := now
	e.Status = queue.StatusCancelled
	e.CompletedAt = &done
	e.UpdatedAt = now

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	pipe.ZRem(ctx, queuedKey, eID)
	pipe.Del(ctx, taskKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sluice/redis: cancel entry: %w", err)
	}
	return e, nil
}

// BoostEntry raises a queued entry's priority by one, capped at
// maxPriority, and stamps LastBoostAt. The sorted-set score is rewritten so
// the new priority takes effect in dispatch order immediately.
func (s *Store) BoostEntry(ctx context.Context, entryID id.EntryID, maxPriority int) (*queue.Entry, error) {
	eID := entryID.String()

	e, err := s.getEntryByKey(ctx, entryKey(eID))
	if err != nil {
		return nil, err
	}
	if e.Status != queue.StatusQueued {
		return nil, sluice.ErrEntryNotQueued
	}

	if e.Priority < maxPriority {
		e.Priority++
	}
	now := time.Now().UTC()
	boosted := now
	e.LastBoostAt = &boosted
	e.UpdatedAt = now

	pipe := s.client.TxPipeline()
	writeEntry(ctx, pipe, e)
	pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: entryScore(e.Priority, e.QueuedAt), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sluice/redis: boost entry: %w", err)
	}
	return e, nil
}

// Stats returns a point-in-time queue summary. Terminal entries stay in the
// entry-IDs set, so the scan covers every lifecycle state.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: stats smembers: %w", err)
	}

	now := time.Now().UTC()
	counts := make(map[queue.Status]int)
	inFlight := make(map[string]int)
	var waitSum, backlog float64
	queued := 0

	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil {
			continue
		}
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

// ── helpers ──

// entryScore encodes dispatch order into a single sorted-set score: higher
// priority sorts first, ties break on QueuedAt. The millisecond term stays
// far below one, so priority always dominates.
func entryScore(priority int, queuedAt time.Time) float64 {
	return float64(-priority) + float64(queuedAt.UnixMilli())/1e15
}

// getEntryByKey loads and decodes one entry hash.
func (s *Store) getEntryByKey(ctx context.Context, key string) (*queue.Entry, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: get entry: %w", err)
	}
	if len(vals) == 0 {
		return nil, sluice.ErrEntryNotFound
	}
	return mapToEntry(vals)
}

// entryMissReason classifies a conditional-write miss: ErrEntryNotFound when
// the entry hash does not exist, otherwise the given wrong-state sentinel.
func (s *Store) entryMissReason(ctx context.Context, eID string, stateErr error) error {
	exists, err := s.client.Exists(ctx, entryKey(eID)).Result()
	if err != nil {
		return fmt.Errorf("sluice/redis: classify miss: %w", err)
	}
	if exists == 0 {
		return sluice.ErrEntryNotFound
	}
	return stateErr
}

// scanProcessing loads every entry in the processing set, skipping records
// that raced away between the SMEMBERS and the read.
func (s *Store) scanProcessing(ctx context.Context) ([]*queue.Entry, error) {
	ids, err := s.client.SMembers(ctx, processingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: processing smembers: %w", err)
	}

	entries := make([]*queue.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil || e.Status != queue.StatusProcessing {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// writeEntry queues the full hash write plus removal of any optional field
// that is unset, so values from an earlier state cannot survive a
// transition.
func writeEntry(ctx context.Context, pipe goredis.Pipeliner, e *queue.Entry) {
	key := entryKey(e.ID.String())
	pipe.HSet(ctx, key, entryToMap(e))

	clears := make([]string, 0, 3)
	if e.StartedAt == nil {
		clears = append(clears, "started_at")
	}
	if e.CompletedAt == nil {
		clears = append(clears, "completed_at")
	}
	if e.LastBoostAt == nil {
		clears = append(clears, "last_boost_at")
	}
	if len(clears) > 0 {
		pipe.HDel(ctx, key, clears...)
	}
}

// releaseTaskLock deletes the task lock only while it still points at the
// given entry, so a newer live entry for the same task keeps its lock.
func (s *Store) releaseTaskLock(ctx context.Context, taskID, entryID string) {
	cur, err := s.client.Get(ctx, taskKey(taskID)).Result()
	if err != nil || cur != entryID {
		return
	}
	if delErr := s.client.Del(ctx, taskKey(taskID)).Err(); delErr != nil {
		s.logger.Warn("failed to release task lock", "task_id", taskID, "error", delErr)
	}
}

func sortByStartedAt(entries []*queue.Entry) {
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].StartedAt.Before(*entries[k].StartedAt)
	})
}

func entryToMap(e *queue.Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":                 e.ID.String(),
		"task_id":            e.TaskID,
		"tenant_id":          e.TenantID,
		"priority":           strconv.Itoa(e.Priority),
		"status":             string(e.Status),
		"queued_at":          e.QueuedAt.Format(time.RFC3339Nano),
		"worker_id":          e.WorkerID.String(),
		"attempts":           strconv.Itoa(e.Attempts),
		"max_attempts":       strconv.Itoa(e.MaxAttempts),
		"estimated_duration": strconv.FormatInt(int64(e.EstimatedDuration), 10),
		"error_message":      e.ErrorMessage,
		"created_at":         e.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         e.UpdatedAt.Format(time.RFC3339Nano),
	}
	if e.StartedAt != nil {
		m["started_at"] = e.StartedAt.Format(time.RFC3339Nano)
	}
	if e.CompletedAt != nil {
		m["completed_at"] = e.CompletedAt.Format(time.RFC3339Nano)
	}
	if e.LastBoostAt != nil {
		m["last_boost_at"] = e.LastBoostAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToEntry(m map[string]string) (*queue.Entry, error) {
	eID, err := id.ParseEntryID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("sluice/redis: parse entry id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])                         //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                         //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])                  //nolint:errcheck // best-effort parse from trusted Redis data
	durationNs, _ := strconv.ParseInt(m["estimated_duration"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	queuedAt, _ := time.Parse(time.RFC3339Nano, m["queued_at"])        //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])      //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])      //nolint:errcheck // best-effort parse from trusted Redis data

	e := &queue.Entry{
		Entity:            sluice.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:                eID,
		TaskID:            m["task_id"],
		TenantID:          m["tenant_id"],
		Priority:          priority,
		Status:            queue.Status(m["status"]),
		QueuedAt:          queuedAt,
		Attempts:          attempts,
		MaxAttempts:       maxAttempts,
		EstimatedDuration: time.Duration(durationNs),
		ErrorMessage:      m["error_message"],
	}

	if v := m["worker_id"]; v != "" {
		wID, wErr := id.ParseWorkerID(v)
		if wErr != nil {
			return nil, fmt.Errorf("sluice/redis: parse worker id: %w", wErr)
		}
		e.WorkerID = wID
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.CompletedAt = &t
	}
	if v := m["last_boost_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.LastBoostAt = &t
	}
	return e, nil
}
