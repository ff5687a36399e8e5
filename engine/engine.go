package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/admission"
	"github.com/xraph/sluice/backoff"
	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/config"
	"github.com/xraph/sluice/ext"
	"github.com/xraph/sluice/id"
	mw "github.com/xraph/sluice/middleware"
	"github.com/xraph/sluice/observability"
	"github.com/xraph/sluice/queue"
	"github.com/xraph/sluice/recovery"
	"github.com/xraph/sluice/scheduler"
)

// Store is the minimal lifecycle surface the engine holds directly. A
// production backend satisfies store.Store, which embeds the queue,
// config, and cluster contracts alongside these; New asserts them out.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Engine wires the store, config loader, admission controller, scheduler,
// recovery coordinator, cluster registration, extensions, and middleware
// into one runnable instance.
type Engine struct {
	store      Store
	queueStore queue.Store
	cluster    cluster.Store
	loader     *config.Loader
	admission  *admission.Controller
	extensions *ext.Registry
	scheduler  *scheduler.Scheduler
	recovery   *recovery.Coordinator
	workerID   id.WorkerID
	hostname   string
	logger     *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	// Construction-time knobs, consumed by New.
	executor       scheduler.Executor
	pendingExts    []ext.Extension
	mws            []mw.Middleware
	bo             backoff.Strategy
	tenantLimit    func(tenantID string) (int, bool)
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	configTTL      time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. The store must also implement
// queue.Store, config.Store, and cluster.Store; typically it is a
// store.Store such as the memory, postgres, redis, or bun backends.
func WithStore(s Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithLogger sets the structured logger for the engine and every
// subsystem it builds.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExecutor sets the work executor the scheduler dispatches claimed
// entries to. Without one the engine never auto-dispatches; callers
// drive dispatch through Dequeue and report outcomes through Complete.
func WithExecutor(e scheduler.Executor) Option {
	return func(eng *Engine) { eng.executor = e }
}

// WithExtension registers a lifecycle extension. Extensions are notified
// in registration order, before the stock metrics extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pendingExts = append(eng.pendingExts, e) }
}

// WithMiddleware appends a middleware to the execution chain, inside the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the delay strategy applied after consecutive scheduler
// tick failures. If not set, backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithTenantLimit installs a per-tenant concurrency ceiling resolver,
// overriding the configured default for tenants it recognizes.
func WithTenantLimit(resolve func(tenantID string) (int, bool)) Option {
	return func(eng *Engine) { eng.tenantLimit = resolve }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both the
// metrics middleware and the stock metrics extension use this provider
// instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithConfigTTL sets the config loader's cache window. If not set,
// config.DefaultTTL is used.
func WithConfigTTL(ttl time.Duration) Option {
	return func(eng *Engine) { eng.configTTL = ttl }
}

// New builds an Engine from options. The store is required and must
// implement the queue, config, and cluster contracts.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		logger:   slog.Default(),
		workerID: id.NewWorkerID(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.store == nil {
		return nil, sluice.ErrNoStore
	}

	// Assert the store into its subsystem contracts.
	qs, ok := eng.store.(queue.Store)
	if !ok {
		return nil, fmt.Errorf("sluice: store does not implement queue.Store")
	}
	cs, ok := eng.store.(config.Store)
	if !ok {
		return nil, fmt.Errorf("sluice: store does not implement config.Store")
	}
	cls, ok := eng.store.(cluster.Store)
	if !ok {
		return nil, fmt.Errorf("sluice: store does not implement cluster.Store")
	}
	eng.queueStore = qs
	eng.cluster = cls

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	loaderOpts := []config.Option{config.WithLogger(eng.logger)}
	if eng.configTTL > 0 {
		loaderOpts = append(loaderOpts, config.WithTTL(eng.configTTL))
	}
	eng.loader = config.NewLoader(cs, loaderOpts...)

	// Admission reads its ceilings through the loader so admin edits to the
	// persisted configuration apply without a restart.
	limits := func(ctx context.Context) (admission.Limits, error) {
		cfg, err := eng.loader.Load(ctx)
		if err != nil {
			return admission.Limits{}, err
		}
		return admission.Limits{
			System: cfg.SystemMaxConcurrentTasks,
			User:   cfg.UserMaxConcurrentTasks,
		}, nil
	}
	admOpts := []admission.Option{admission.WithLogger(eng.logger)}
	if eng.tenantLimit != nil {
		admOpts = append(admOpts, admission.WithTenantLimit(eng.tenantLimit))
	}
	eng.admission = admission.New(qs, limits, admOpts...)

	// Register user extensions first, then the stock metrics extension.
	eng.extensions = ext.NewRegistry(eng.logger)
	for _, e := range eng.pendingExts {
		eng.extensions.Register(e)
	}

	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/sluice/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/xraph/sluice")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/sluice")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// The per-entry deadline follows the persisted task_timeout. A failed
	// load disables the deadline for that execution rather than guessing.
	timeoutFn := func() time.Duration {
		cfg, err := eng.loader.Load(context.Background())
		if err != nil {
			return 0
		}
		return cfg.TaskTimeout
	}

	// Default middleware stack, outermost first:
	// recover → tracing → metrics → logging → timeout. User middlewares
	// run innermost, closest to the executor.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(timeoutFn, eng.logger),
	}
	allMws = append(allMws, eng.mws...)

	schedOpts := []scheduler.Option{
		scheduler.WithMiddleware(allMws...),
		scheduler.WithBackoffStrategy(eng.bo),
		scheduler.WithWorkerID(eng.workerID),
	}
	if eng.executor != nil {
		schedOpts = append(schedOpts, scheduler.WithExecutor(eng.executor))
	}
	if eng.tenantLimit != nil {
		// The same resolver feeds both gates so admitted work is also
		// dispatchable.
		schedOpts = append(schedOpts, scheduler.WithTenantLimit(eng.tenantLimit))
	}
	eng.scheduler = scheduler.New(qs, eng.loader, eng.extensions, eng.logger, schedOpts...)

	// Recovery shares the scheduler's worker identity and dispatch step so
	// redispatched entries run on this process's executor pool.
	eng.recovery = recovery.New(qs, cls, eng.admission, eng.extensions,
		eng.scheduler.DispatchOne, eng.logger,
		recovery.WithWorkerID(eng.workerID),
	)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	eng.hostname = hostname

	return eng, nil
}

// Start runs startup recovery, registers this worker in the cluster
// registry, launches the heartbeat loop, and starts the scheduler loop.
// Calling Start on a started engine is a no-op.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.started {
		return nil
	}

	// Recovery runs before the loop begins ticking so the backlog is
	// consistent when dispatch starts.
	if err := eng.recovery.Run(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	cfg, err := eng.loader.Load(ctx)
	if err != nil {
		cfg = config.Default()
		eng.logger.Warn("config load failed at start, using defaults",
			slog.String("error", err.Error()),
		)
	}

	// Registration is observability state; a failure is logged, never
	// fatal. Entry-level correctness rests on the store's conditional
	// writes.
	now := time.Now().UTC()
	w := &cluster.Worker{
		ID:        eng.workerID,
		Hostname:  eng.hostname,
		PoolSize:  cfg.WorkerPoolSize,
		State:     cluster.WorkerActive,
		LastSeen:  now,
		CreatedAt: now,
	}
	if regErr := eng.cluster.RegisterWorker(ctx, w); regErr != nil {
		eng.logger.Warn("failed to register worker in cluster registry",
			slog.String("error", regErr.Error()),
		)
	}

	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	eng.wg.Add(1)
	go eng.heartbeatLoop()

	eng.started = true
	eng.logger.Info("engine started",
		slog.String("worker_id", eng.workerID.String()),
		slog.String("hostname", eng.hostname),
	)

	return nil
}

// Stop drains the scheduler, stops the heartbeat loop, deregisters the
// worker, notifies extensions, and closes the store. The context deadline
// bounds how long in-flight executions are awaited before cancellation.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	wasStarted := eng.started
	eng.started = false
	eng.mu.Unlock()

	if wasStarted {
		if err := eng.scheduler.Stop(ctx); err != nil {
			eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
		}

		close(eng.stopCh)
		eng.wg.Wait()

		if err := eng.cluster.DeregisterWorker(ctx, eng.workerID); err != nil {
			eng.logger.Warn("failed to deregister worker", slog.String("error", err.Error()))
		}
	}

	eng.extensions.EmitShutdown(ctx)

	return eng.store.Close()
}

// heartbeatLoop stamps this worker's LastSeen at heartbeat_interval and
// reaps workers silent for three intervals. The interval is re-read each
// beat so config edits apply without a restart.
func (eng *Engine) heartbeatLoop() {
	defer eng.wg.Done()

	for {
		interval := config.Default().HeartbeatInterval
		if cfg, err := eng.loader.Load(context.Background()); err == nil {
			interval = cfg.HeartbeatInterval
		}

		select {
		case <-eng.stopCh:
			return
		case <-time.After(interval):
		}

		ctx := context.Background()
		if err := eng.cluster.HeartbeatWorker(ctx, eng.workerID); err != nil {
			eng.logger.Warn("worker heartbeat failed", slog.String("error", err.Error()))
		}

		dead, err := eng.cluster.ReapDeadWorkers(ctx, 3*interval)
		if err != nil {
			eng.logger.Warn("dead worker reap failed", slog.String("error", err.Error()))
			continue
		}
		for _, w := range dead {
			eng.logger.Info("reaped dead worker",
				slog.String("worker_id", w.ID.String()),
				slog.String("hostname", w.Hostname),
				slog.Time("last_seen", w.LastSeen),
			)
		}
	}
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Admission returns the admission controller.
func (eng *Engine) Admission() *admission.Controller { return eng.admission }

// WorkerID returns this engine's worker identity, used for claims,
// completions, and cluster registration.
func (eng *Engine) WorkerID() id.WorkerID { return eng.workerID }

// Workers lists the cluster's registered workers.
func (eng *Engine) Workers(ctx context.Context) ([]*cluster.Worker, error) {
	return eng.cluster.ListWorkers(ctx)
}
