package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
)

// CreateEntry persists a new queued entry. The partial unique index on
// task_id makes the duplicate check and the insert one atomic operation:
// a second live entry for the same task fails with a unique violation.
func (s *Store) CreateEntry(ctx context.Context, e *queue.Entry) error {
	m := toEntryModel(e)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return sluice.ErrAlreadyQueued
		}
		return fmt.Errorf("sluice/bun: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves an entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*queue.Entry, error) {
	m := new(entryModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, sluice.ErrEntryNotFound
		}
		return nil, fmt.Errorf("sluice/bun: get entry: %w", err)
	}
	return fromEntryModel(m)
}

// GetEntryByTask retrieves the live (non-terminal) entry for a task.
func (s *Store) GetEntryByTask(ctx context.Context, taskID string) (*queue.Entry, error) {
	m := new(entryModel)
	err := s.db.NewSelect().Model(m).
		Where("task_id = ?", taskID).
		Where("status IN ('queued', 'processing')").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, sluice.ErrEntryNotFound
		}
		return nil, fmt.Errorf("sluice/bun: get entry by task: %w", err)
	}
	return fromEntryModel(m)
}

// UpdateEntry persists changes to an existing entry.
func (s *Store) UpdateEntry(ctx context.Context, e *queue.Entry) error {
	m := toEntryModel(e)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("sluice/bun: update entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return sluice.ErrEntryNotFound
	}
	return nil
}

// ListQueued returns up to limit queued entries in dispatch order:
// priority descending, then QueuedAt ascending. Zero limit means no limit.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]*queue.Entry, error) {
	var models []entryModel
	q := s.db.NewSelect().Model(&models).
		Where("status = 'queued'").
		Order("priority DESC", "queued_at ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: list queued: %w", err)
	}

	entries := make([]*queue.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("sluice/bun: list queued convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListProcessing returns all entries currently owned by a worker.
func (s *Store) ListProcessing(ctx context.Context) ([]*queue.Entry, error) {
	var models []entryModel
	err := s.db.NewSelect().Model(&models).
		Where("status = 'processing'").
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: list processing: %w", err)
	}

	entries := make([]*queue.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("sluice/bun: list processing convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListExpiredProcessing returns processing entries whose StartedAt is
// before the cutoff.
func (s *Store) ListExpiredProcessing(ctx context.Context, cutoff time.Time) ([]*queue.Entry, error) {
	var models []entryModel
	err := s.db.NewSelect().Model(&models).
		Where("status = 'processing'").
		Where("started_at IS NOT NULL").
		Where("started_at < ?", cutoff).
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: list expired processing: %w", err)
	}

	entries := make([]*queue.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("sluice/bun: list expired convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListBoostEligible returns queued entries below maxPriority whose boost
// reference time (LastBoostAt, else QueuedAt) is before the cutoff.
func (s *Store) ListBoostEligible(ctx context.Context, cutoff time.Time, maxPriority int) ([]*queue.Entry, error) {
	var models []entryModel
	err := s.db.NewSelect().Model(&models).
		Where("status = 'queued'").
		Where("priority < ?", maxPriority).
		Where("COALESCE(last_boost_at, queued_at) < ?", cutoff).
		Order("queued_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: list boost eligible: %w", err)
	}

	entries := make([]*queue.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("sluice/bun: list boost convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountActive returns the number of queued plus processing entries.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().
		TableExpr("sluice_entries").
		Where("status IN ('queued', 'processing')").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("sluice/bun: count active: %w", err)
	}
	return count, nil
}

// CountProcessing returns the number of processing entries.
func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().
		TableExpr("sluice_entries").
		Where("status = 'processing'").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("sluice/bun: count processing: %w", err)
	}
	return count, nil
}

// CountProcessingByTenant returns the tenant's processing count.
func (s *Store) CountProcessingByTenant(ctx context.Context, tenantID string) (int, error) {
	count, err := s.db.NewSelect().
		TableExpr("sluice_entries").
		Where("status = 'processing'").
		Where("tenant_id = ?", tenantID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("sluice/bun: count processing by tenant: %w", err)
	}
	return count, nil
}

// ProcessingCountsByTenant returns processing counts for every tenant with
// at least one entry in flight.
func (s *Store) ProcessingCountsByTenant(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		TenantID string `bun:"tenant_id"`
		Count    int    `bun:"cnt"`
	}
	err := s.db.NewSelect().
		TableExpr("sluice_entries").
		ColumnExpr("tenant_id").
		ColumnExpr("COUNT(*) AS cnt").
		Where("status = 'processing'").
		GroupExpr("tenant_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: processing counts by tenant: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.TenantID] = row.Count
	}
	return counts, nil
}

// ClaimEntry atomically transitions a queued entry to processing. The
// UPDATE is conditioned on status = 'queued', so two workers racing for
// the same entry cannot both win; the loser gets ErrEntryNotQueued.
func (s *Store) ClaimEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID) (*queue.Entry, error) {
	var models []entryModel
	_, err := s.db.NewRaw(`
		UPDATE sluice_entries
		SET status = 'processing', worker_id = ?1, started_at = NOW(),
		    attempts = attempts + 1, updated_at = NOW()
		WHERE id = ?0 AND status = 'queued'
		RETURNING *`,
		entryID.String(), workerID.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: claim entry: %w", err)
	}
	if len(models) == 0 {
		return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotQueued)
	}
	return fromEntryModel(&models[0])
}

// CompleteEntry finishes a processing entry on behalf of workerID. The
// UPDATE is conditioned on ownership; attempts here is the post-claim
// count, so "attempts < max_attempts" decides requeue versus failed.
func (s *Store) CompleteEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID, success bool, errMsg string) (*queue.Entry, error) {
	var models []entryModel
	_, err := s.db.NewRaw(`
		UPDATE sluice_entries
		SET status = CASE
				WHEN ?2 THEN 'completed'
				WHEN attempts < max_attempts THEN 'queued'
				ELSE 'failed'
			END,
		    completed_at = CASE
				WHEN ?2 OR attempts >= max_attempts THEN NOW()
				ELSE NULL
			END,
		    started_at = CASE
				WHEN NOT ?2 AND attempts < max_attempts THEN NULL
				ELSE started_at
			END,
		    worker_id = '',
		    error_message = ?3,
		    updated_at = NOW()
		WHERE id = ?0 AND status = 'processing' AND worker_id = ?1
		RETURNING *`,
		entryID.String(), workerID.String(), success, errMsg,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: complete entry: %w", err)
	}
	if len(models) == 0 {
		return nil, s.completeMissReason(ctx, entryID)
	}
	return fromEntryModel(&models[0])
}

// RequeueEntry returns a processing entry to the queue. QueuedAt keeps its
// original value, so the entry retains its wait seniority.
func (s *Store) RequeueEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	var models []entryModel
	_, err := s.db.NewRaw(`
		UPDATE sluice_entries
		SET status = 'queued', worker_id = '', started_at = NULL,
		    error_message = ?1, updated_at = NOW()
		WHERE id = ?0 AND status = 'processing'
		RETURNING *`,
		entryID.String(), errMsg,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: requeue entry: %w", err)
	}
	if len(models) == 0 {
		return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotProcessing)
	}
	return fromEntryModel(&models[0])
}

// FailEntry terminally fails a processing entry.
func (s *Store) FailEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	var models []entryModel
	_, err := s.db.NewRaw(`
		UPDATE sluice_entries
		SET status = 'failed', completed_at = NOW(), worker_id = '',
		    error_message = ?1, updated_at = NOW()
		WHERE id = ?0 AND status = 'processing'
		RETURNING *`,
		entryID.String(), errMsg,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: fail entry: %w", err)
	}
	if len(models) == 0 {
		return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotProcessing)
	}
	return fromEntryModel(&models[0])
}

// CancelEntry cancels the queued entry for taskID owned by tenantID.
// A live entry in any other state returns ErrEntryNotQueued; a missing or
// foreign-tenant entry returns ErrEntryNotFound.
func (s *Store) CancelEntry(ctx context.Context, taskID, tenantID string) (*queue.Entry, error) {
	var models []entryModel
	_, err := s.db.NewRaw(`
		UPDATE sluice_entries
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE task_id = ?0 AND tenant_id = ?1 AND status = 'queued'
		RETURNING *`,
		taskID, tenantID,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: cancel entry: %w", err)
	}
	if len(models) > 0 {
		return fromEntryModel(&models[0])
	}

	live, liveErr := s.db.NewSelect().
		TableExpr("sluice_entries").
		Where("task_id = ?", taskID).
		Where("tenant_id = ?", tenantID).
		Where("status IN ('queued', 'processing')").
		Exists(ctx)
	if liveErr != nil {
		return nil, fmt.Errorf("sluice/bun: check live entry: %w", liveErr)
	}
	if live {
		return nil, sluice.ErrEntryNotQueued
	}
	return nil, sluice.ErrEntryNotFound
}

// BoostEntry raises a queued entry's priority by one, capped at
// maxPriority, and stamps LastBoostAt.
func (s *Store) BoostEntry(ctx context.Context, entryID id.EntryID, maxPriority int) (*queue.Entry, error) {
	var models []entryModel
	_, err := s.db.NewRaw(`
		UPDATE sluice_entries
		SET priority = CASE WHEN priority < ?1 THEN priority + 1 ELSE priority END,
		    last_boost_at = NOW(), updated_at = NOW()
		WHERE id = ?0 AND status = 'queued'
		RETURNING *`,
		entryID.String(), maxPriority,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: boost entry: %w", err)
	}
	if len(models) == 0 {
		return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotQueued)
	}
	return fromEntryModel(&models[0])
}

// Stats returns a point-in-time queue summary.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	var statusRows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"cnt"`
	}
	err := s.db.NewSelect().
		TableExpr("sluice_entries").
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS cnt").
		GroupExpr("status").
		Scan(ctx, &statusRows)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: count by status: %w", err)
	}

	counts := make(map[queue.Status]int, len(statusRows))
	for _, row := range statusRows {
		counts[queue.Status(row.Status)] = row.Count
	}

	inFlight, err := s.ProcessingCountsByTenant(ctx)
	if err != nil {
		return nil, err
	}

	var agg struct {
		AvgWait   float64 `bun:"avg_wait"`
		BacklogNs float64 `bun:"backlog_ns"`
	}
	err = s.db.NewSelect().
		TableExpr("sluice_entries").
		ColumnExpr("COALESCE(AVG(EXTRACT(EPOCH FROM (NOW() - queued_at))), 0) AS avg_wait").
		ColumnExpr("COALESCE(SUM(estimated_duration), 0) AS backlog_ns").
		Where("status = 'queued'").
		Scan(ctx, &agg)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: queue wait stats: %w", err)
	}

	return &queue.Stats{
		CountsByStatus:   counts,
		InFlightByTenant: inFlight,
		AvgWaitSeconds:   agg.AvgWait,
		BacklogSeconds:   agg.BacklogNs / float64(time.Second),
	}, nil
}

// entryMissReason distinguishes a conditional-update miss caused by entry
// state from one caused by a missing row.
func (s *Store) entryMissReason(ctx context.Context, entryID id.EntryID, stateErr error) error {
	exists, err := s.db.NewSelect().
		TableExpr("sluice_entries").
		Where("id = ?", entryID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("sluice/bun: check entry: %w", err)
	}
	if exists {
		return stateErr
	}
	return sluice.ErrEntryNotFound
}

// completeMissReason classifies a CompleteEntry miss: missing row, wrong
// state, or a different worker owning the entry.
func (s *Store) completeMissReason(ctx context.Context, entryID id.EntryID) error {
	m := new(entryModel)
	err := s.db.NewSelect().Model(m).
		Column("status", "worker_id").
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return sluice.ErrEntryNotFound
		}
		return fmt.Errorf("sluice/bun: check entry: %w", err)
	}
	if queue.Status(m.Status) != queue.StatusProcessing {
		return sluice.ErrEntryNotProcessing
	}
	return sluice.ErrOwnershipMismatch
}
