package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/id"
)

// RegisterWorker adds a new worker to the cluster registry. Re-registering
// the same ID refreshes the record without touching the leadership columns.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	m := toWorkerModel(w)
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("hostname = EXCLUDED.hostname").
		Set("pool_size = EXCLUDED.pool_size").
		Set("state = EXCLUDED.state").
		Set("last_seen = EXCLUDED.last_seen").
		Set("metadata = EXCLUDED.metadata").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sluice/bun: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewDelete().
		TableExpr("sluice_workers").
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sluice/bun: deregister worker: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return sluice.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		TableExpr("sluice_workers").
		Set("last_seen = NOW()").
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sluice/bun: heartbeat worker: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return sluice.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var models []workerModel
	err := s.db.NewSelect().Model(&models).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, convErr := fromWorkerModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("sluice/bun: list workers convert: %w", convErr)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ReapDeadWorkers marks workers whose last-seen timestamp is older than the
// threshold as dead and returns them. The mark and the read are one UPDATE,
// so a worker is reported dead exactly once.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	var models []workerModel
	_, err := s.db.NewRaw(`
		UPDATE sluice_workers
		SET state = 'dead'
		WHERE state <> 'dead' AND last_seen < NOW() - ?0::interval
		RETURNING *`,
		threshold.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: reap dead workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, convErr := fromWorkerModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("sluice/bun: reap convert: %w", convErr)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// AcquireLeadership attempts to become the cluster leader. The lease is a
// single row independent of the worker registry, so it works before the
// worker has registered itself. Succeeds when the lease is free, expired,
// or already held by this worker.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	until := time.Now().UTC().Add(ttl)

	res, err := s.db.NewUpdate().
		TableExpr("sluice_leadership").
		Set("worker_id = ?", wID).
		Set("leader_until = ?", until).
		Where("singleton").
		Where("(leader_until < NOW() OR worker_id = ?)", wID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sluice/bun: acquire leadership: %w", err)
	}

	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		exists, existErr := s.db.NewSelect().
			TableExpr("sluice_leadership").
			Where("singleton").
			Exists(ctx)
		if existErr != nil {
			return false, fmt.Errorf("sluice/bun: check lease: %w", existErr)
		}
		if exists {
			// Live lease held by another worker.
			return false, nil
		}

		// No lease row yet. First insert wins; the loser hits the
		// singleton primary key.
		m := &leadershipModel{Singleton: true, WorkerID: wID, LeaderUntil: until}
		if _, insErr := s.db.NewInsert().Model(m).Exec(ctx); insErr != nil {
			if isDuplicateKey(insErr) {
				return false, nil
			}
			return false, fmt.Errorf("sluice/bun: insert lease: %w", insErr)
		}
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

	res, err := s.db.NewUpdate().
		TableExpr("sluice_leadership").
		Set("leader_until = ?", until).
		Where("singleton").
		Where("worker_id = ?", wID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sluice/bun: renew leadership: %w", err)
	}

	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
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
	var models []workerModel
	_, err := s.db.NewRaw(`
		SELECT w.*
		FROM sluice_leadership l
		JOIN sluice_workers w ON w.id = l.worker_id
		WHERE l.singleton AND l.leader_until >= NOW()
		LIMIT 1`,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("sluice/bun: get leader: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	return fromWorkerModel(&models[0])
}

// mirrorLeader reflects the lease onto the worker registry: the holder's
// row gets the flag, any previous holder loses it. A holder with no
// registered row is fine, the UPDATE just matches nothing.
func (s *Store) mirrorLeader(ctx context.Context, wID string, until time.Time) error {
	_, err := s.db.NewUpdate().
		TableExpr("sluice_workers").
		Set("is_leader = (id = ?)", wID).
		Set("leader_until = CASE WHEN id = ? THEN ? ELSE NULL END", wID, until).
		Where("is_leader = TRUE OR id = ?", wID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sluice/bun: mirror leadership: %w", err)
	}
	return nil
}
