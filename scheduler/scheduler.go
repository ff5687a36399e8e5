package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/backoff"
	"github.com/xraph/sluice/config"
	"github.com/xraph/sluice/ext"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/middleware"
	"github.com/xraph/sluice/queue"
)

// Scheduler drives the tick loop for one worker process: reap expired work,
// age waiting work, dispatch at most one entry, sleep the check interval.
type Scheduler struct {
	store       queue.Store
	config      *config.Loader
	extensions  *ext.Registry
	executor    Executor
	mw          middleware.Middleware
	backoff     backoff.Strategy
	workerID    id.WorkerID
	tenantLimit func(tenantID string) (int, bool)
	logger      *slog.Logger

	// Bounds concurrent executor invocations; sized from config on first use.
	sem      *semaphore.Weighted
	poolOnce sync.Once

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithExecutor sets the executor that runs claimed entries. Without one the
// loop still reaps and ages but never dispatches; callers drive dispatch
// through DequeueOne instead.
func WithExecutor(e Executor) Option {
	return func(s *Scheduler) { s.executor = e }
}

// WithMiddleware sets the middleware chain wrapped around every execution.
// The first middleware listed is the outermost wrapper.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Scheduler) { s.mw = middleware.Chain(mws...) }
}

// WithBackoffStrategy sets the delay strategy applied after consecutive
// tick failures.
func WithBackoffStrategy(bo backoff.Strategy) Option {
	return func(s *Scheduler) { s.backoff = bo }
}

// WithWorkerID sets the worker identity used for claims and completions.
// The engine passes its own identity so claims, completions, and cluster
// registration all agree.
func WithWorkerID(workerID id.WorkerID) Option {
	return func(s *Scheduler) { s.workerID = workerID }
}

// WithTenantLimit installs a per-tenant concurrency ceiling resolver used
// by the dispatch scan, overriding the configured default for tenants it
// recognizes. The engine installs the same resolver here and on the
// admission controller so admitted work is also dispatchable.
func WithTenantLimit(resolve func(tenantID string) (int, bool)) Option {
	return func(s *Scheduler) { s.tenantLimit = resolve }
}

// New creates a Scheduler. It does not start the loop; call Start.
func New(
	store queue.Store,
	loader *config.Loader,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		store:      store,
		config:     loader,
		extensions: extensions,
		mw:         middleware.Chain(),
		backoff:    backoff.DefaultStrategy(),
		workerID:   id.NewWorkerID(),
		logger:     logger,
		stopCh:     make(chan struct{}),
		active:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkerID returns the scheduler's worker identity.
func (s *Scheduler) WorkerID() id.WorkerID { return s.workerID }

// Start launches the loop goroutine. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	cfg, err := s.config.Load(ctx)
	if err != nil {
		cfg = config.Default()
		s.logger.Warn("config load failed at start, using defaults",
			slog.String("error", err.Error()),
		)
	}

	s.ensurePool(cfg)

	s.logger.Info("scheduler starting",
		slog.String("worker_id", s.workerID.String()),
		slog.Int("pool_size", cfg.WorkerPoolSize),
		slog.Duration("check_interval", cfg.QueueCheckInterval),
	)

	s.wg.Add(1)
	go s.loop()

	return nil
}

// Stop signals the loop to stop and waits for in-flight executions.
// If the context expires first, active executions are cancelled through
// their contexts and the remaining completions are awaited.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopping", slog.String("worker_id", s.workerID.String()))

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out, cancelling in-flight executions")
		s.cancelActive()
		s.wg.Wait()
	}

	return nil
}

// DequeueOne performs a single dispatch step: select and atomically claim
// the highest-priority Queued entry whose tenant is under its concurrency
// limit. It returns (nil, nil) when there is no eligible work, the system
// ceiling is reached, or the claim lost a race to another scheduler. The
// caller owns the returned entry and is responsible for completing it.
func (s *Scheduler) DequeueOne(ctx context.Context) (*queue.Entry, error) {
	cfg, err := s.config.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.dequeueOne(ctx, cfg)
}

func (s *Scheduler) dequeueOne(ctx context.Context, cfg config.Config) (*queue.Entry, error) {
	processing, err := s.store.CountProcessing(ctx)
	if err != nil {
		return nil, err
	}
	if processing >= cfg.SystemMaxConcurrentTasks {
		return nil, nil
	}

	candidates, err := s.store.ListQueued(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	inFlight, err := s.store.ProcessingCountsByTenant(ctx)
	if err != nil {
		return nil, err
	}

	// Candidates arrive in dispatch order: priority descending, QueuedAt
	// ascending. The first whose tenant is under limit wins; at-limit
	// tenants are skipped and their entries stay queued and keep aging.
	for _, candidate := range candidates {
		if inFlight[candidate.TenantID] >= s.tenantLimitFor(candidate.TenantID, cfg.UserMaxConcurrentTasks) {
			continue
		}

		claimed, claimErr := s.store.ClaimEntry(ctx, candidate.ID, s.workerID)
		if claimErr != nil {
			if errors.Is(claimErr, sluice.ErrEntryNotQueued) || errors.Is(claimErr, sluice.ErrEntryNotFound) {
				// Another scheduler got there first. Idle tick.
				return nil, nil
			}
			return nil, claimErr
		}

		s.extensions.EmitEntryClaimed(ctx, claimed)

		s.logger.Debug("claimed entry",
			slog.String("entry_id", claimed.ID.String()),
			slog.String("task_id", claimed.TaskID),
			slog.String("tenant_id", claimed.TenantID),
			slog.Int("priority", claimed.Priority),
			slog.Int("attempt", claimed.Attempts),
		)

		return claimed, nil
	}

	return nil, nil
}

// DispatchOne performs one claim-and-execute step: it claims the next
// eligible entry and runs it on the executor pool without blocking. It
// returns the claimed entry, or nil when no executor is configured, the
// pool is saturated, or there is no eligible work. Startup recovery uses
// it to drain the backlog before the loop begins ticking.
func (s *Scheduler) DispatchOne(ctx context.Context) (*queue.Entry, error) {
	if s.executor == nil {
		return nil, nil
	}

	cfg, err := s.config.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.ensurePool(cfg)

	if !s.sem.TryAcquire(1) {
		return nil, nil
	}

	ent, err := s.dequeueOne(ctx, cfg)
	if err != nil || ent == nil {
		s.sem.Release(1)
		return nil, err
	}

	s.wg.Add(1)
	go s.run(ent)

	return ent, nil
}

// tenantLimitFor resolves the effective ceiling for a tenant, consulting
// the per-tenant override when configured.
func (s *Scheduler) tenantLimitFor(tenantID string, base int) int {
	if s.tenantLimit != nil {
		if n, ok := s.tenantLimit(tenantID); ok {
			return n
		}
	}

	return base
}

// ensurePool sizes the execution semaphore once. Pool size is fixed for
// the life of the process; interval, timeout, and limit changes take
// effect on the next tick.
func (s *Scheduler) ensurePool(cfg config.Config) {
	s.poolOnce.Do(func() {
		s.sem = semaphore.NewWeighted(int64(cfg.WorkerPoolSize))
	})
}

// loop runs until Stop. Tick errors never escape: they are logged and the
// next sleep stretches with the consecutive failure count.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		ctx := context.Background()

		cfg, err := s.config.Load(ctx)
		if err != nil {
			failures++
			s.logger.Error("config load failed",
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
			s.sleep(s.backoff.Delay(failures))
			continue
		}

		if err := s.tick(ctx, cfg); err != nil {
			failures++
			s.logger.Error("scheduler tick failed",
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
			s.sleep(s.backoff.Delay(failures))
			continue
		}

		failures = 0
		s.sleep(cfg.QueueCheckInterval)
	}
}

// tick runs one reap → age → dispatch pass.
func (s *Scheduler) tick(ctx context.Context, cfg config.Config) error {
	if err := s.reap(ctx, cfg); err != nil {
		return fmt.Errorf("reap expired entries: %w", err)
	}

	if err := s.age(ctx, cfg); err != nil {
		return fmt.Errorf("age queued entries: %w", err)
	}

	if s.executor == nil {
		return nil
	}

	if err := s.dispatch(ctx, cfg); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	return nil
}

// dispatch claims at most one entry and hands it to the executor without
// blocking the loop.
func (s *Scheduler) dispatch(ctx context.Context, cfg config.Config) error {
	if !s.sem.TryAcquire(1) {
		return nil
	}

	ent, err := s.dequeueOne(ctx, cfg)
	if err != nil || ent == nil {
		s.sem.Release(1)
		return err
	}

	s.wg.Add(1)
	go s.run(ent)

	return nil
}

// run executes one claimed entry through the middleware chain and reports
// the outcome under this scheduler's worker identity.
func (s *Scheduler) run(ent *queue.Entry) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.track(ent.ID.String(), cancel)
	defer s.untrack(ent.ID.String())

	start := time.Now()
	execErr := s.mw(ctx, ent, func(ctx context.Context) error {
		return s.executor.Execute(ctx, ent.TaskID)
	})
	elapsed := time.Since(start)

	s.finish(ent, execErr, elapsed)
}

// finish records the execution outcome. A completion rejected for ownership
// means the reaper took the entry back mid-flight; the result is discarded.
func (s *Scheduler) finish(ent *queue.Entry, execErr error, elapsed time.Duration) {
	ctx := context.Background()

	success := execErr == nil
	msg := ""
	if execErr != nil {
		msg = execErr.Error()
	}

	updated, err := s.store.CompleteEntry(ctx, ent.ID, s.workerID, success, msg)
	if err != nil {
		s.logger.Warn("completion rejected",
			slog.String("entry_id", ent.ID.String()),
			slog.String("task_id", ent.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case success:
		s.extensions.EmitEntryCompleted(ctx, updated, elapsed)
	case updated.Status == queue.StatusQueued:
		s.extensions.EmitEntryRequeued(ctx, updated, msg)
	default:
		s.extensions.EmitEntryFailed(ctx, updated, execErr)
	}
}

func (s *Scheduler) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stopCh:
	}
}

func (s *Scheduler) track(entryID string, cancel context.CancelFunc) {
	s.activeMu.Lock()
	s.active[entryID] = cancel
	s.activeMu.Unlock()
}

func (s *Scheduler) untrack(entryID string) {
	s.activeMu.Lock()
	delete(s.active, entryID)
	s.activeMu.Unlock()
}

func (s *Scheduler) cancelActive() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for entryID, cancel := range s.active {
		s.logger.Warn("cancelling active execution", slog.String("entry_id", entryID))
		cancel()
	}
}
