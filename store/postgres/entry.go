package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
)

// CreateEntry persists a new queued entry. The partial unique index on
// task_id makes the duplicate check and the insert one atomic operation:
// a second live entry for the same task fails with a unique violation.
func (s *Store) CreateEntry(ctx context.Context, e *queue.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sluice_entries (
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16
		)`,
		e.ID.String(), e.TaskID, e.TenantID, e.Priority, string(e.Status),
		e.QueuedAt, e.StartedAt, e.CompletedAt, e.WorkerID.String(),
		e.Attempts, e.MaxAttempts, e.EstimatedDuration.Nanoseconds(),
		e.LastBoostAt, e.ErrorMessage, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sluice.ErrAlreadyQueued
		}
		return fmt.Errorf("sluice/postgres: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves an entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at
		FROM sluice_entries
		WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sluice.ErrEntryNotFound
		}
		return nil, fmt.Errorf("sluice/postgres: get entry: %w", err)
	}
	return e, nil
}

// GetEntryByTask retrieves the live (non-terminal) entry for a task.
func (s *Store) GetEntryByTask(ctx context.Context, taskID string) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at
		FROM sluice_entries
		WHERE task_id = $1 AND status IN ('queued', 'processing')`,
		taskID,
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sluice.ErrEntryNotFound
		}
		return nil, fmt.Errorf("sluice/postgres: get entry by task: %w", err)
	}
	return e, nil
}

// UpdateEntry persists changes to an existing entry.
func (s *Store) UpdateEntry(ctx context.Context, e *queue.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sluice_entries SET
			task_id = $2, tenant_id = $3, priority = $4, status = $5,
			queued_at = $6, started_at = $7, completed_at = $8,
			worker_id = $9, attempts = $10, max_attempts = $11,
			estimated_duration = $12, last_boost_at = $13,
			error_message = $14, updated_at = NOW()
		WHERE id = $1`,
		e.ID.String(), e.TaskID, e.TenantID, e.Priority, string(e.Status),
		e.QueuedAt, e.StartedAt, e.CompletedAt,
		e.WorkerID.String(), e.Attempts, e.MaxAttempts,
		e.EstimatedDuration.Nanoseconds(), e.LastBoostAt,
		e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("sluice/postgres: update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sluice.ErrEntryNotFound
	}
	return nil
}

// ListQueued returns up to limit queued entries in dispatch order:
// priority descending, then QueuedAt ascending. Zero limit means no limit.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]*queue.Entry, error) {
	query := `
		SELECT
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at
		FROM sluice_entries
		WHERE status = 'queued'
		ORDER BY priority DESC, queued_at ASC`
	args := []any{}

	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: list queued: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListProcessing returns all entries currently owned by a worker.
func (s *Store) ListProcessing(ctx context.Context) ([]*queue.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at
		FROM sluice_entries
		WHERE status = 'processing'
		ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: list processing: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListExpiredProcessing returns processing entries whose StartedAt is
// before the cutoff.
func (s *Store) ListExpiredProcessing(ctx context.Context, cutoff time.Time) ([]*queue.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at
		FROM sluice_entries
		WHERE status = 'processing'
		  AND started_at IS NOT NULL
		  AND started_at < $1
		ORDER BY started_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: list expired processing: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListBoostEligible returns queued entries below maxPriority whose boost
// reference time (LastBoostAt, else QueuedAt) is before the cutoff.
func (s *Store) ListBoostEligible(ctx context.Context, cutoff time.Time, maxPriority int) ([]*queue.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at
		FROM sluice_entries
		WHERE status = 'queued'
		  AND priority < $2
		  AND COALESCE(last_boost_at, queued_at) < $1
		ORDER BY queued_at ASC`,
		cutoff, maxPriority,
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: list boost eligible: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// CountActive returns the number of queued plus processing entries.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sluice_entries WHERE status IN ('queued', 'processing')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sluice/postgres: count active: %w", err)
	}
	return count, nil
}

// CountProcessing returns the number of processing entries.
func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sluice_entries WHERE status = 'processing'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sluice/postgres: count processing: %w", err)
	}
	return count, nil
}

// CountProcessingByTenant returns the tenant's processing count.
func (s *Store) CountProcessingByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sluice_entries WHERE status = 'processing' AND tenant_id = $1`,
		tenantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sluice/postgres: count processing by tenant: %w", err)
	}
	return count, nil
}

// ProcessingCountsByTenant returns processing counts for every tenant with
// at least one entry in flight.
func (s *Store) ProcessingCountsByTenant(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, COUNT(*)
		FROM sluice_entries
		WHERE status = 'processing'
		GROUP BY tenant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: processing counts by tenant: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			tenantID string
			n        int
		)
		if scanErr := rows.Scan(&tenantID, &n); scanErr != nil {
			return nil, fmt.Errorf("sluice/postgres: scan tenant count: %w", scanErr)
		}
		counts[tenantID] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sluice/postgres: iterate tenant counts: %w", err)
	}
	return counts, nil
}

// ClaimEntry atomically transitions a queued entry to processing. The
// UPDATE is conditioned on status = 'queued', so two workers racing for
// the same entry cannot both win; the loser gets ErrEntryNotQueued.
func (s *Store) ClaimEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sluice_entries
		SET status = 'processing', worker_id = $2, started_at = NOW(),
		    attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at`,
		entryID.String(), workerID.String(),
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotQueued)
		}
		return nil, fmt.Errorf("sluice/postgres: claim entry: %w", err)
	}
	return e, nil
}

// CompleteEntry finishes a processing entry on behalf of workerID. The
// UPDATE is conditioned on ownership; attempts here is the post-claim
// count, so "attempts < max_attempts" decides requeue versus failed.
func (s *Store) CompleteEntry(ctx context.Context, entryID id.EntryID, workerID id.WorkerID, success bool, errMsg string) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sluice_entries
		SET status = CASE
				WHEN $3 THEN 'completed'
				WHEN attempts < max_attempts THEN 'queued'
				ELSE 'failed'
			END,
		    completed_at = CASE
				WHEN $3 OR attempts >= max_attempts THEN NOW()
				ELSE NULL
			END,
		    started_at = CASE
				WHEN NOT $3 AND attempts < max_attempts THEN NULL
				ELSE started_at
			END,
		    worker_id = '',
		    error_message = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND worker_id = $2
		RETURNING
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at`,
		entryID.String(), workerID.String(), success, errMsg,
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.completeMissReason(ctx, entryID)
		}
		return nil, fmt.Errorf("sluice/postgres: complete entry: %w", err)
	}
	return e, nil
}

// RequeueEntry returns a processing entry to the queue. QueuedAt keeps its
// original value, so the entry retains its wait seniority.
func (s *Store) RequeueEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sluice_entries
		SET status = 'queued', worker_id = '', started_at = NULL,
		    error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at`,
		entryID.String(), errMsg,
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotProcessing)
		}
		return nil, fmt.Errorf("sluice/postgres: requeue entry: %w", err)
	}
	return e, nil
}

// FailEntry terminally fails a processing entry.
func (s *Store) FailEntry(ctx context.Context, entryID id.EntryID, errMsg string) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sluice_entries
		SET status = 'failed', completed_at = NOW(), worker_id = '',
		    error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at`,
		entryID.String(), errMsg,
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotProcessing)
		}
		return nil, fmt.Errorf("sluice/postgres: fail entry: %w", err)
	}
	return e, nil
}

// CancelEntry cancels the queued entry for taskID owned by tenantID.
// A live entry in any other state returns ErrEntryNotQueued; a missing or
// foreign-tenant entry returns ErrEntryNotFound.
func (s *Store) CancelEntry(ctx context.Context, taskID, tenantID string) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sluice_entries
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE task_id = $1 AND tenant_id = $2 AND status = 'queued'
		RETURNING
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at`,
		taskID, tenantID,
	)

	e, err := scanEntry(row)
	if err == nil {
		return e, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("sluice/postgres: cancel entry: %w", err)
	}

	var live bool
	checkErr := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sluice_entries
			WHERE task_id = $1 AND tenant_id = $2
			  AND status IN ('queued', 'processing')
		)`,
		taskID, tenantID,
	).Scan(&live)
	if checkErr != nil {
		return nil, fmt.Errorf("sluice/postgres: check live entry: %w", checkErr)
	}
	if live {
		return nil, sluice.ErrEntryNotQueued
	}
	return nil, sluice.ErrEntryNotFound
}

// BoostEntry raises a queued entry's priority by one, capped at
// maxPriority, and stamps LastBoostAt.
func (s *Store) BoostEntry(ctx context.Context, entryID id.EntryID, maxPriority int) (*queue.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sluice_entries
		SET priority = CASE WHEN priority < $2 THEN priority + 1 ELSE priority END,
		    last_boost_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING
			id, task_id, tenant_id, priority, status,
			queued_at, started_at, completed_at, worker_id,
			attempts, max_attempts, estimated_duration,
			last_boost_at, error_message, created_at, updated_at`,
		entryID.String(), maxPriority,
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.entryMissReason(ctx, entryID, sluice.ErrEntryNotQueued)
		}
		return nil, fmt.Errorf("sluice/postgres: boost entry: %w", err)
	}
	return e, nil
}

// Stats returns a point-in-time queue summary.
func (s *Store) Stats(ctx context.Context) (*queue.Stats, error) {
	counts := make(map[queue.Status]int)
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM sluice_entries GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: count by status: %w", err)
	}
	for rows.Next() {
		var (
			statusStr string
			n         int
		)
		if scanErr := rows.Scan(&statusStr, &n); scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("sluice/postgres: scan status count: %w", scanErr)
		}
		counts[queue.Status(statusStr)] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sluice/postgres: iterate status counts: %w", err)
	}

	inFlight := make(map[string]int)
	rows, err = s.pool.Query(ctx, `
		SELECT tenant_id, COUNT(*)
		FROM sluice_entries
		WHERE status = 'processing'
		GROUP BY tenant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: in-flight by tenant: %w", err)
	}
	for rows.Next() {
		var (
			tenantID string
			n        int
		)
		if scanErr := rows.Scan(&tenantID, &n); scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("sluice/postgres: scan in-flight count: %w", scanErr)
		}
		inFlight[tenantID] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sluice/postgres: iterate in-flight counts: %w", err)
	}

	var avgWait, backlogNs float64
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM (NOW() - queued_at))), 0),
			COALESCE(SUM(estimated_duration), 0)
		FROM sluice_entries
		WHERE status = 'queued'`,
	).Scan(&avgWait, &backlogNs)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: queue wait stats: %w", err)
	}

	return &queue.Stats{
		CountsByStatus:   counts,
		InFlightByTenant: inFlight,
		AvgWaitSeconds:   avgWait,
		BacklogSeconds:   backlogNs / float64(time.Second),
	}, nil
}

// entryMissReason distinguishes a conditional-update miss caused by entry
// state from one caused by a missing row.
func (s *Store) entryMissReason(ctx context.Context, entryID id.EntryID, stateErr error) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sluice_entries WHERE id = $1)`,
		entryID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("sluice/postgres: check entry: %w", err)
	}
	if exists {
		return stateErr
	}
	return sluice.ErrEntryNotFound
}

// completeMissReason classifies a CompleteEntry miss: missing row, wrong
// state, or a different worker owning the entry.
func (s *Store) completeMissReason(ctx context.Context, entryID id.EntryID) error {
	var (
		statusStr string
		workerStr string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT status, worker_id FROM sluice_entries WHERE id = $1`,
		entryID.String(),
	).Scan(&statusStr, &workerStr)
	if err != nil {
		if isNoRows(err) {
			return sluice.ErrEntryNotFound
		}
		return fmt.Errorf("sluice/postgres: check entry: %w", err)
	}
	if queue.Status(statusStr) != queue.StatusProcessing {
		return sluice.ErrEntryNotProcessing
	}
	return sluice.ErrOwnershipMismatch
}

// scanEntry scans a single entry row.
func scanEntry(row pgx.Row) (*queue.Entry, error) {
	var (
		e          queue.Entry
		idStr      string
		statusStr  string
		workerStr  string
		durationNs int64
	)
	err := row.Scan(
		&idStr, &e.TaskID, &e.TenantID, &e.Priority, &statusStr,
		&e.QueuedAt, &e.StartedAt, &e.CompletedAt, &workerStr,
		&e.Attempts, &e.MaxAttempts, &durationNs,
		&e.LastBoostAt, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = queue.Status(statusStr)
	e.EstimatedDuration = time.Duration(durationNs)

	parsedID, parseErr := id.ParseEntryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sluice/postgres: parse entry id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			e.WorkerID = parsedWorker
		}
	}

	return &e, nil
}

// collectEntries collects all entries from query rows.
func collectEntries(rows pgx.Rows) ([]*queue.Entry, error) {
	var entries []*queue.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sluice/postgres: scan entry row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sluice/postgres: iterate entry rows: %w", err)
	}
	return entries, nil
}
