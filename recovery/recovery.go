package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/admission"
	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/ext"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
)

// DefaultLeaseTTL covers the recovery pass with headroom; the lease is not
// renewed and expires on its own.
const DefaultLeaseTTL = time.Minute

// restartMessage marks entries whose worker did not survive a restart.
const restartMessage = "interrupted by restart"

// DispatchFunc performs one claim-and-execute step. It returns the claimed
// entry, or nil when nothing is eligible or the executor pool is full.
type DispatchFunc func(ctx context.Context) (*queue.Entry, error)

// Coordinator runs the startup recovery pass: fail abandoned Processing
// entries, then redispatch the queued backlog under admission limits.
type Coordinator struct {
	store      queue.Store
	cluster    cluster.Store
	admission  *admission.Controller
	extensions *ext.Registry
	dispatch   DispatchFunc
	limiter    *rate.Limiter
	workerID   id.WorkerID
	leaseTTL   time.Duration
	logger     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkerID sets the identity that competes for the recovery lease.
func WithWorkerID(workerID id.WorkerID) Option {
	return func(c *Coordinator) { c.workerID = workerID }
}

// WithLeaseTTL sets how long the recovery lease is held.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.leaseTTL = ttl }
}

// WithLimiter sets the pacing limiter for redispatches. The default is 10
// dispatches per second.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// New creates a Coordinator. dispatch may be nil, in which case recovery
// only fails abandoned entries and leaves the backlog to the scheduler loop.
func New(
	store queue.Store,
	clusterStore cluster.Store,
	ctrl *admission.Controller,
	extensions *ext.Registry,
	dispatch DispatchFunc,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:      store,
		cluster:    clusterStore,
		admission:  ctrl,
		extensions: extensions,
		dispatch:   dispatch,
		limiter:    rate.NewLimiter(rate.Limit(10), 1),
		workerID:   id.NewWorkerID(),
		leaseTTL:   DefaultLeaseTTL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the recovery pass once. Processes that do not win the lease
// return nil without touching any entry.
func (c *Coordinator) Run(ctx context.Context) error {
	ok, err := c.cluster.AcquireLeadership(ctx, c.workerID, c.leaseTTL)
	if err != nil {
		return fmt.Errorf("recovery: acquire lease: %w", err)
	}
	if !ok {
		c.logger.Info("recovery skipped, another worker holds the lease",
			slog.String("worker_id", c.workerID.String()),
		)
		return nil
	}

	failed, err := c.failAbandoned(ctx)
	if err != nil {
		return fmt.Errorf("recovery: fail abandoned entries: %w", err)
	}

	dispatched, err := c.redispatch(ctx)
	if err != nil {
		return fmt.Errorf("recovery: redispatch: %w", err)
	}

	c.logger.Info("recovery complete",
		slog.Int("failed", failed),
		slog.Int("dispatched", dispatched),
	)

	return nil
}

// failAbandoned unconditionally fails every Processing entry. Their workers
// predate this process's lease and are presumed dead; no timeout check
// applies.
func (c *Coordinator) failAbandoned(ctx context.Context) (int, error) {
	processing, err := c.store.ListProcessing(ctx)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, ent := range processing {
		recovered, failErr := c.store.FailEntry(ctx, ent.ID, restartMessage)
		if failErr != nil {
			if errors.Is(failErr, sluice.ErrEntryNotProcessing) || errors.Is(failErr, sluice.ErrEntryNotFound) {
				continue
			}
			return failed, failErr
		}

		failed++
		c.extensions.EmitEntryRecovered(ctx, recovered)

		c.logger.Warn("failed abandoned entry",
			slog.String("entry_id", recovered.ID.String()),
			slog.String("task_id", recovered.TaskID),
			slog.String("worker_id", ent.WorkerID.String()),
		)
	}

	return failed, nil
}

// redispatch refills capacity from the queued backlog, one paced dispatch
// at a time. A single pass bounded by the startup backlog size: it stops
// at the system ceiling, or as soon as a dispatch makes no progress.
func (c *Coordinator) redispatch(ctx context.Context) (int, error) {
	if c.dispatch == nil {
		return 0, nil
	}

	backlog, err := c.store.ListQueued(ctx, 0)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for range backlog {
		d, checkErr := c.admission.CheckSystem(ctx, 1)
		if checkErr != nil {
			return dispatched, checkErr
		}
		if !d.Allowed {
			break
		}

		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			return dispatched, waitErr
		}

		ent, dispatchErr := c.dispatch(ctx)
		if dispatchErr != nil {
			return dispatched, dispatchErr
		}
		if ent == nil {
			break
		}

		dispatched++
	}

	return dispatched, nil
}
