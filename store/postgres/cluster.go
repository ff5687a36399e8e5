package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/id"
)

// RegisterWorker adds a new worker to the cluster registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sluice_workers (
			id, hostname, pool_size, state,
			is_leader, leader_until, last_seen, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pool_size = EXCLUDED.pool_size,
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata`,
		w.ID.String(), w.Hostname, w.PoolSize, string(w.State),
		w.IsLeader, w.LeaderUntil, w.LastSeen, w.Metadata, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sluice/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sluice_workers WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("sluice/postgres: deregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sluice.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sluice_workers SET last_seen = NOW() WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("sluice/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sluice.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, hostname, pool_size, state,
			is_leader, leader_until, last_seen, metadata, created_at
		FROM sluice_workers
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: list workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// ReapDeadWorkers marks workers whose last-seen timestamp is older than the
// threshold as dead and returns them. The mark and the read are one UPDATE,
// so a worker is reported dead exactly once.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE sluice_workers
		SET state = 'dead'
		WHERE state <> 'dead' AND last_seen < NOW() - $1::interval
		RETURNING
			id, hostname, pool_size, state,
			is_leader, leader_until, last_seen, metadata, created_at`,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sluice/postgres: reap dead workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// AcquireLeadership attempts to become the cluster leader. The lease is a
// single row claimed with one conditional upsert, so it works before the
// worker has registered itself.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	until := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sluice_leadership (singleton, worker_id, leader_until)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			leader_until = EXCLUDED.leader_until
		WHERE sluice_leadership.leader_until < NOW()
		   OR sluice_leadership.worker_id = EXCLUDED.worker_id`,
		wID, until,
	)
	if err != nil {
		return false, fmt.Errorf("sluice/postgres: acquire leadership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if mirrorErr := s.mirrorLeader(ctx, wID, until); mirrorErr != nil {
		return false, mirrorErr
	}
	return true, nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	until := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		UPDATE sluice_leadership
		SET leader_until = $2
		WHERE singleton AND worker_id = $1`,
		wID, until,
	)
	if err != nil {
		return false, fmt.Errorf("sluice/postgres: renew leadership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if mirrorErr := s.mirrorLeader(ctx, wID, until); mirrorErr != nil {
		return false, mirrorErr
	}
	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is no
// leader or the leaseholder never registered.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			w.id, w.hostname, w.pool_size, w.state,
			w.is_leader, w.leader_until, w.last_seen, w.metadata, w.created_at
		FROM sluice_leadership l
		JOIN sluice_workers w ON w.id = l.worker_id
		WHERE l.singleton AND l.leader_until >= NOW()
		LIMIT 1`,
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sluice/postgres: get leader: %w", err)
	}
	return w, nil
}

// mirrorLeader reflects the lease onto the worker registry: the holder's
// row gets the flag, any previous holder loses it. A holder with no
// registered row is fine, the UPDATE just matches nothing.
func (s *Store) mirrorLeader(ctx context.Context, wID string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sluice_workers
		SET is_leader = (id = $1),
		    leader_until = CASE WHEN id = $1 THEN $2 ELSE NULL END
		WHERE is_leader = TRUE OR id = $1`,
		wID, until,
	)
	if err != nil {
		return fmt.Errorf("sluice/postgres: mirror leadership: %w", err)
	}
	return nil
}

// scanWorker scans a single worker row.
func scanWorker(row pgx.Row) (*cluster.Worker, error) {
	var (
		w        cluster.Worker
		idStr    string
		stateStr string
	)
	err := row.Scan(
		&idStr, &w.Hostname, &w.PoolSize, &stateStr,
		&w.IsLeader, &w.LeaderUntil, &w.LastSeen, &w.Metadata, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.State = cluster.WorkerState(stateStr)

	parsedID, parseErr := id.ParseWorkerID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("sluice/postgres: parse worker id %q: %w", idStr, parseErr)
	}
	w.ID = parsedID

	return &w, nil
}

// collectWorkers collects all workers from query rows.
func collectWorkers(rows pgx.Rows) ([]*cluster.Worker, error) {
	var workers []*cluster.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("sluice/postgres: scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sluice/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}
