package scheduler

import "context"

// Executor runs the task behind a claimed entry. Implementations come from
// the host application; the queue stores only a task reference, never the
// task payload itself. The context is cancelled when the scheduler shuts
// down past its grace period, so executors should honor ctx.Done().
type Executor interface {
	Execute(ctx context.Context, taskID string) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, taskID string) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, taskID string) error {
	return f(ctx, taskID)
}
