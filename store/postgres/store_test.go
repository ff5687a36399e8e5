//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/cluster"
	"github.com/xraph/sluice/config"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
	"github.com/xraph/sluice/store/postgres"
)

// setupTestStore creates a Postgres container and returns a connected Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("sluice_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	// Second migrate should be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Entry tests
// ──────────────────────────────────────────────────

func TestEntryStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-1", "tenant-a",
		queue.WithPriority(7),
		queue.WithMaxAttempts(5),
		queue.WithEstimatedDuration(90*time.Second),
	)
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	// A second live entry for the same task trips the partial unique index.
	err := s.CreateEntry(ctx, queue.NewEntry("task-1", "tenant-b"))
	if !errors.Is(err, sluice.ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}

	got, err := s.GetEntry(ctx, ent.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.TaskID != "task-1" || got.TenantID != "tenant-a" {
		t.Fatalf("task/tenant = %q/%q", got.TaskID, got.TenantID)
	}
	if got.Priority != 7 {
		t.Fatalf("priority = %d, want 7", got.Priority)
	}
	if got.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d, want 5", got.MaxAttempts)
	}
	if got.EstimatedDuration != 90*time.Second {
		t.Fatalf("estimated duration = %v, want 90s", got.EstimatedDuration)
	}
	if got.Status != queue.StatusQueued {
		t.Fatalf("status = %q, want %q", got.Status, queue.StatusQueued)
	}
	if !got.WorkerID.IsNil() {
		t.Fatal("new entry should have no worker")
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.LastBoostAt != nil {
		t.Fatal("new entry should have no started/completed/boost timestamps")
	}

	_, err = s.GetEntry(ctx, id.NewEntryID())
	if !errors.Is(err, sluice.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestEntryStore_CreateAfterTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-1", "tenant-a")
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	worker := id.NewWorkerID()
	if _, err := s.ClaimEntry(ctx, ent.ID, worker); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteEntry(ctx, ent.ID, worker, true, ""); err != nil {
		t.Fatal(err)
	}

	// Terminal entries do not occupy the task slot.
	if err := s.CreateEntry(ctx, queue.NewEntry("task-1", "tenant-a")); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestEntryStore_GetByTask(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-live", "tenant-a")
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEntryByTask(ctx, "task-live")
	if err != nil {
		t.Fatalf("GetEntryByTask: %v", err)
	}
	if got.ID.String() != ent.ID.String() {
		t.Fatal("entry ID mismatch")
	}

	if _, err := s.CancelEntry(ctx, "task-live", "tenant-a"); err != nil {
		t.Fatal(err)
	}
	_, err = s.GetEntryByTask(ctx, "task-live")
	if !errors.Is(err, sluice.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound for terminal entry, got %v", err)
	}
}

func TestEntryStore_UpdateEntry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-update", "tenant-a")
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	ent.Priority = 9
	ent.ErrorMessage = "previous attempt crashed"
	if err := s.UpdateEntry(ctx, ent); err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != 9 {
		t.Fatalf("priority = %d, want 9", got.Priority)
	}
	if got.ErrorMessage != "previous attempt crashed" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	missing := queue.NewEntry("task-missing", "tenant-a")
	if err := s.UpdateEntry(ctx, missing); !errors.Is(err, sluice.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestEntryStore_ListQueuedOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()

	low := queue.NewEntry("task-low", "tenant-a", queue.WithPriority(2))
	low.QueuedAt = now.Add(-3 * time.Minute)

	highLate := queue.NewEntry("task-high-late", "tenant-a", queue.WithPriority(8))
	highLate.QueuedAt = now.Add(-1 * time.Minute)

	highEarly := queue.NewEntry("task-high-early", "tenant-b", queue.WithPriority(8))
	highEarly.QueuedAt = now.Add(-2 * time.Minute)

	for _, e := range []*queue.Entry{low, highLate, highEarly} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListQueued(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	wantOrder := []string{"task-high-early", "task-high-late", "task-low"}
	for i, want := range wantOrder {
		if entries[i].TaskID != want {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].TaskID, want)
		}
	}

	entries, err = s.ListQueued(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries with limit 2, want 2", len(entries))
	}
	if entries[0].TaskID != "task-high-early" {
		t.Fatalf("first = %q, want task-high-early", entries[0].TaskID)
	}
}

func TestEntryStore_ClaimSemantics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-claim", "tenant-a")
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	worker := id.NewWorkerID()
	claimed, err := s.ClaimEntry(ctx, ent.ID, worker)
	if err != nil {
		t.Fatalf("ClaimEntry: %v", err)
	}
	if claimed.Status != queue.StatusProcessing {
		t.Fatalf("status = %q, want %q", claimed.Status, queue.StatusProcessing)
	}
	if claimed.WorkerID.String() != worker.String() {
		t.Fatal("worker identity not recorded")
	}
	if claimed.StartedAt == nil {
		t.Fatal("StartedAt not set")
	}
	if claimed.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", claimed.Attempts)
	}

	_, err = s.ClaimEntry(ctx, ent.ID, id.NewWorkerID())
	if !errors.Is(err, sluice.ErrEntryNotQueued) {
		t.Fatalf("expected ErrEntryNotQueued on second claim, got %v", err)
	}

	_, err = s.ClaimEntry(ctx, id.NewEntryID(), worker)
	if !errors.Is(err, sluice.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestEntryStore_ClaimConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-race", "tenant-a")
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var mu sync.Mutex
	winners, losers := 0, 0

	g := new(errgroup.Group)
	for range racers {
		g.Go(func() error {
			_, err := s.ClaimEntry(ctx, ent.ID, id.NewWorkerID())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, sluice.ErrEntryNotQueued):
				losers++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	if losers != racers-1 {
		t.Fatalf("losers = %d, want %d", losers, racers-1)
	}

	got, err := s.GetEntry(ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (only the winner increments)", got.Attempts)
	}
}

func TestEntryStore_CompleteOwnership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-owned", "tenant-a")
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}
	owner := id.NewWorkerID()
	if _, err := s.ClaimEntry(ctx, ent.ID, owner); err != nil {
		t.Fatal(err)
	}

	// A stray worker cannot complete someone else's entry.
	_, err := s.CompleteEntry(ctx, ent.ID, id.NewWorkerID(), true, "")
	if !errors.Is(err, sluice.ErrOwnershipMismatch) {
		t.Fatalf("expected ErrOwnershipMismatch, got %v", err)
	}
	got, err := s.GetEntry(ctx, ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusProcessing || got.WorkerID.String() != owner.String() {
		t.Fatal("stray completion must not touch the entry")
	}

	done, err := s.CompleteEntry(ctx, ent.ID, owner, true, "")
	if err != nil {
		t.Fatalf("CompleteEntry: %v", err)
	}
	if done.Status != queue.StatusCompleted {
		t.Fatalf("status = %q, want %q", done.Status, queue.StatusCompleted)
	}
	if done.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if done.StartedAt == nil {
		t.Fatal("StartedAt should survive completion")
	}
	if !done.WorkerID.IsNil() {
		t.Fatal("worker identity should be cleared on completion")
	}

	// Completing a terminal entry reports the state, not ownership.
	_, err = s.CompleteEntry(ctx, ent.ID, owner, true, "")
	if !errors.Is(err, sluice.ErrEntryNotProcessing) {
		t.Fatalf("expected ErrEntryNotProcessing, got %v", err)
	}

	_, err = s.CompleteEntry(ctx, id.NewEntryID(), owner, true, "")
	if !errors.Is(err, sluice.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestEntryStore_CompleteRetryFlow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-retry", "tenant-a", queue.WithMaxAttempts(2))
	queuedAt := ent.QueuedAt
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	// First failure: one attempt left, back to the queue.
	worker := id.NewWorkerID()
	if _, err := s.ClaimEntry(ctx, ent.ID, worker); err != nil {
		t.Fatal(err)
	}
	got, err := s.CompleteEntry(ctx, ent.ID, worker, false, "boom")
	if err != nil {
		t.Fatalf("CompleteEntry: %v", err)
	}
	if got.Status != queue.StatusQueued {
		t.Fatalf("status = %q, want %q (attempts remain)", got.Status, queue.StatusQueued)
	}
	if got.StartedAt != nil || !got.WorkerID.IsNil() {
		t.Fatal("worker identity and StartedAt should be cleared on requeue")
	}
	if got.ErrorMessage != "boom" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	if got.QueuedAt.Sub(queuedAt).Abs() > time.Millisecond {
		t.Fatal("QueuedAt should keep its original value on requeue")
	}

	// Second failure exhausts the budget.
	if _, err = s.ClaimEntry(ctx, ent.ID, worker); err != nil {
		t.Fatal(err)
	}
	got, err = s.CompleteEntry(ctx, ent.ID, worker, false, "boom again")
	if err != nil {
		t.Fatalf("CompleteEntry: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want %q (attempts exhausted)", got.Status, queue.StatusFailed)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set on terminal failure")
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
}

func TestEntryStore_RequeueAndFail(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-requeue", "tenant-a")
	queuedAt := ent.QueuedAt
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}
	worker := id.NewWorkerID()
	if _, err := s.ClaimEntry(ctx, ent.ID, worker); err != nil {
		t.Fatal(err)
	}

	got, err := s.RequeueEntry(ctx, ent.ID, "timed out after 600s")
	if err != nil {
		t.Fatalf("RequeueEntry: %v", err)
	}
	if got.Status != queue.StatusQueued {
		t.Fatalf("status = %q, want %q", got.Status, queue.StatusQueued)
	}
	if got.QueuedAt.Sub(queuedAt).Abs() > time.Millisecond {
		t.Fatal("QueuedAt should keep its original value on requeue")
	}
	if got.StartedAt != nil || !got.WorkerID.IsNil() {
		t.Fatal("worker identity and StartedAt should be cleared")
	}
	if got.ErrorMessage != "timed out after 600s" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	_, err = s.RequeueEntry(ctx, ent.ID, "again")
	if !errors.Is(err, sluice.ErrEntryNotProcessing) {
		t.Fatalf("expected ErrEntryNotProcessing, got %v", err)
	}

	// Claim again and fail terminally.
	if _, err = s.ClaimEntry(ctx, ent.ID, worker); err != nil {
		t.Fatal(err)
	}
	got, err = s.FailEntry(ctx, ent.ID, "gave up")
	if err != nil {
		t.Fatalf("FailEntry: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want %q", got.Status, queue.StatusFailed)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if got.ErrorMessage != "gave up" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestEntryStore_CancelSemantics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-cancel", "tenant-a")
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	// Wrong tenant cannot see the entry.
	_, err := s.CancelEntry(ctx, "task-cancel", "tenant-b")
	if !errors.Is(err, sluice.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound for wrong tenant, got %v", err)
	}

	got, err := s.CancelEntry(ctx, "task-cancel", "tenant-a")
	if err != nil {
		t.Fatalf("CancelEntry: %v", err)
	}
	if got.Status != queue.StatusCancelled {
		t.Fatalf("status = %q, want %q", got.Status, queue.StatusCancelled)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set on cancellation")
	}

	_, err = s.CancelEntry(ctx, "task-cancel", "tenant-a")
	if !errors.Is(err, sluice.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound after cancel, got %v", err)
	}

	// In-flight work cannot be cancelled.
	running := queue.NewEntry("task-running", "tenant-a")
	if err := s.CreateEntry(ctx, running); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimEntry(ctx, running.ID, id.NewWorkerID()); err != nil {
		t.Fatal(err)
	}
	_, err = s.CancelEntry(ctx, "task-running", "tenant-a")
	if !errors.Is(err, sluice.ErrEntryNotQueued) {
		t.Fatalf("expected ErrEntryNotQueued, got %v", err)
	}
}

func TestEntryStore_BoostSemantics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ent := queue.NewEntry("task-age", "tenant-a", queue.WithPriority(5))
	if err := s.CreateEntry(ctx, ent); err != nil {
		t.Fatal(err)
	}

	got, err := s.BoostEntry(ctx, ent.ID, queue.MaxPriority)
	if err != nil {
		t.Fatalf("BoostEntry: %v", err)
	}
	if got.Priority != 6 {
		t.Fatalf("priority = %d, want 6", got.Priority)
	}
	if got.LastBoostAt == nil {
		t.Fatal("LastBoostAt not stamped")
	}

	// Boosting at the cap holds the priority but still stamps.
	capped := queue.NewEntry("task-capped", "tenant-a", queue.WithPriority(queue.MaxPriority))
	if err := s.CreateEntry(ctx, capped); err != nil {
		t.Fatal(err)
	}
	got, err = s.BoostEntry(ctx, capped.ID, queue.MaxPriority)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != queue.MaxPriority {
		t.Fatalf("priority = %d, want %d", got.Priority, queue.MaxPriority)
	}
	if got.LastBoostAt == nil {
		t.Fatal("LastBoostAt not stamped at cap")
	}

	// Boost a processing entry fails.
	if _, err := s.ClaimEntry(ctx, ent.ID, id.NewWorkerID()); err != nil {
		t.Fatal(err)
	}
	_, err = s.BoostEntry(ctx, ent.ID, queue.MaxPriority)
	if !errors.Is(err, sluice.ErrEntryNotQueued) {
		t.Fatalf("expected ErrEntryNotQueued, got %v", err)
	}
}

func TestEntryStore_ListsAndCounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()

	q1 := queue.NewEntry("task-q1", "tenant-a", queue.WithPriority(3))
	q1.QueuedAt = now.Add(-10 * time.Minute)
	q2 := queue.NewEntry("task-q2", "tenant-b")
	p1 := queue.NewEntry("task-p1", "tenant-a")
	p2 := queue.NewEntry("task-p2", "tenant-a")

	for _, e := range []*queue.Entry{q1, q2, p1, p2} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	worker := id.NewWorkerID()
	for _, e := range []*queue.Entry{p1, p2} {
		if _, err := s.ClaimEntry(ctx, e.ID, worker); err != nil {
			t.Fatal(err)
		}
	}

	// Backdate one claim past the timeout horizon.
	stale, err := s.GetEntry(ctx, p2.ID)
	if err != nil {
		t.Fatal(err)
	}
	old := now.Add(-time.Hour)
	stale.StartedAt = &old
	if err := s.UpdateEntry(ctx, stale); err != nil {
		t.Fatal(err)
	}

	processing, err := s.ListProcessing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(processing) != 2 {
		t.Fatalf("got %d processing, want 2", len(processing))
	}

	expired, err := s.ListExpiredProcessing(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].TaskID != "task-p2" {
		t.Fatalf("expired = %v, want [task-p2]", expired)
	}

	eligible, err := s.ListBoostEligible(ctx, now.Add(-5*time.Minute), queue.MaxPriority)
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 1 || eligible[0].TaskID != "task-q1" {
		t.Fatalf("eligible = %v, want [task-q1]", eligible)
	}

	active, err := s.CountActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active != 4 {
		t.Fatalf("active = %d, want 4", active)
	}

	count, err := s.CountProcessing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("processing = %d, want 2", count)
	}

	tenantA, err := s.CountProcessingByTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if tenantA != 2 {
		t.Fatalf("tenant-a processing = %d, want 2", tenantA)
	}

	counts, err := s.ProcessingCountsByTenant(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts["tenant-a"] != 2 {
		t.Fatalf("counts = %v, want map[tenant-a:2]", counts)
	}
}

func TestEntryStore_Stats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()

	q1 := queue.NewEntry("task-q1", "tenant-a", queue.WithEstimatedDuration(2*time.Minute))
	q1.QueuedAt = now.Add(-40 * time.Second)
	q2 := queue.NewEntry("task-q2", "tenant-b", queue.WithEstimatedDuration(3*time.Minute))
	q2.QueuedAt = now.Add(-20 * time.Second)
	p1 := queue.NewEntry("task-p1", "tenant-a")

	for _, e := range []*queue.Entry{q1, q2, p1} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimEntry(ctx, p1.ID, id.NewWorkerID()); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.CountsByStatus[queue.StatusQueued] != 2 {
		t.Fatalf("queued count = %d, want 2", stats.CountsByStatus[queue.StatusQueued])
	}
	if stats.CountsByStatus[queue.StatusProcessing] != 1 {
		t.Fatalf("processing count = %d, want 1", stats.CountsByStatus[queue.StatusProcessing])
	}
	if stats.InFlightByTenant["tenant-a"] != 1 {
		t.Fatalf("tenant-a in flight = %d, want 1", stats.InFlightByTenant["tenant-a"])
	}
	if stats.AvgWaitSeconds < 25 || stats.AvgWaitSeconds > 35 {
		t.Fatalf("avg wait = %.1f, want ~30", stats.AvgWaitSeconds)
	}
	if stats.BacklogSeconds != 300 {
		t.Fatalf("backlog = %.0f, want 300", stats.BacklogSeconds)
	}
}

// ──────────────────────────────────────────────────
// Config tests
// ──────────────────────────────────────────────────

func TestConfigStore_SetAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	values, err := s.GetConfigValues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 0 {
		t.Fatalf("expected empty config, got %v", values)
	}

	if err := s.SetConfigValue(ctx, config.KeyUserMaxConcurrentTasks, "5"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfigValue(ctx, config.KeyTaskTimeout, "10m"); err != nil {
		t.Fatal(err)
	}
	// Upsert overwrites.
	if err := s.SetConfigValue(ctx, config.KeyUserMaxConcurrentTasks, "8"); err != nil {
		t.Fatal(err)
	}

	values, err = s.GetConfigValues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if values[config.KeyUserMaxConcurrentTasks] != "8" {
		t.Fatalf("user limit = %q, want %q", values[config.KeyUserMaxConcurrentTasks], "8")
	}
	if values[config.KeyTaskTimeout] != "10m" {
		t.Fatalf("task timeout = %q, want %q", values[config.KeyTaskTimeout], "10m")
	}
}

// ──────────────────────────────────────────────────
// Cluster tests
// ──────────────────────────────────────────────────

func newWorker(hostname string) *cluster.Worker {
	return &cluster.Worker{
		ID:        id.NewWorkerID(),
		Hostname:  hostname,
		PoolSize:  10,
		State:     cluster.WorkerActive,
		LastSeen:  time.Now().UTC(),
		Metadata:  map[string]string{"zone": "test"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestClusterStore_RegisterHeartbeatDeregister(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w := newWorker("node-1")
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	// Re-registering updates in place.
	w.PoolSize = 16
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 {
		t.Fatalf("got %d workers, want 1", len(workers))
	}
	if workers[0].PoolSize != 16 {
		t.Fatalf("pool size = %d, want 16", workers[0].PoolSize)
	}
	if workers[0].Metadata["zone"] != "test" {
		t.Fatalf("metadata = %v", workers[0].Metadata)
	}

	if err := s.HeartbeatWorker(ctx, w.ID); err != nil {
		t.Fatalf("HeartbeatWorker: %v", err)
	}
	if err := s.HeartbeatWorker(ctx, id.NewWorkerID()); !errors.Is(err, sluice.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}

	if err := s.DeregisterWorker(ctx, w.ID); err != nil {
		t.Fatalf("DeregisterWorker: %v", err)
	}
	if err := s.DeregisterWorker(ctx, w.ID); !errors.Is(err, sluice.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestClusterStore_ReapDeadWorkers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stale := newWorker("stale-node")
	stale.LastSeen = time.Now().UTC().Add(-time.Minute)
	live := newWorker("live-node")

	for _, w := range []*cluster.Worker{stale, live} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	dead, err := s.ReapDeadWorkers(ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].Hostname != "stale-node" {
		t.Fatalf("dead = %v, want [stale-node]", dead)
	}
	if dead[0].State != cluster.WorkerDead {
		t.Fatalf("reaped state = %q, want %q", dead[0].State, cluster.WorkerDead)
	}

	// Already-dead workers are not re-reported.
	dead, err = s.ReapDeadWorkers(ctx, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Fatalf("expected 0 on second reap, got %d", len(dead))
	}
}

func TestClusterStore_Leadership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w1 := newWorker("leader-1")
	w2 := newWorker("leader-2")
	ttl := 5 * time.Minute

	// The lease can be claimed before the worker registers.
	ok, err := s.AcquireLeadership(ctx, w1.ID, ttl)
	if err != nil {
		t.Fatalf("AcquireLeadership: %v", err)
	}
	if !ok {
		t.Fatal("expected worker 1 to acquire leadership")
	}

	// An unregistered leaseholder is not reported as leader.
	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if leader != nil {
		t.Fatal("expected nil leader while holder is unregistered")
	}

	for _, w := range []*cluster.Worker{w1, w2} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	// Re-acquiring the held lease succeeds for the holder and mirrors
	// the flag onto the registry row.
	ok, err = s.AcquireLeadership(ctx, w1.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected holder to re-acquire")
	}
	leader, err = s.GetLeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if leader == nil || leader.ID.String() != w1.ID.String() {
		t.Fatal("leader should be worker 1")
	}
	if !leader.IsLeader || leader.LeaderUntil == nil {
		t.Fatal("lease not mirrored onto worker row")
	}

	// Worker 2 cannot acquire or renew while worker 1 holds.
	ok, err = s.AcquireLeadership(ctx, w2.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected worker 2 to fail acquiring leadership")
	}
	ok, err = s.RenewLeadership(ctx, w2.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected worker 2 renewal to fail")
	}

	// Worker 1 renews.
	ok, err = s.RenewLeadership(ctx, w1.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected worker 1 to renew")
	}
}

func TestClusterStore_LeadershipExpiry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	w1 := newWorker("short-leader")
	w2 := newWorker("next-leader")
	for _, w := range []*cluster.Worker{w1, w2} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := s.AcquireLeadership(ctx, w1.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected worker 1 to acquire leadership")
	}

	time.Sleep(100 * time.Millisecond)

	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if leader != nil {
		t.Fatal("expected no leader after expiry")
	}

	ok, err = s.AcquireLeadership(ctx, w2.ID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected worker 2 to acquire after expiry")
	}
}
