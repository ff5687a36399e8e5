package config

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Keys of the persisted configuration rows.
const (
	KeyMaxConcurrentUsers       = "max_concurrent_users"
	KeyUserMaxConcurrentTasks   = "user_max_concurrent_tasks"
	KeySystemMaxConcurrentTasks = "system_max_concurrent_tasks"
	KeyWorkerPoolSize           = "worker_pool_size"
	KeyQueueCheckInterval       = "queue_check_interval"
	KeyTaskTimeout              = "task_timeout"
	KeyMaxQueueLength           = "max_queue_length"
	KeyPriorityBoostThreshold   = "priority_boost_threshold"
	KeyHeartbeatInterval        = "heartbeat_interval"
)

// Store is the persistence contract for configuration values.
type Store interface {
	// GetConfigValues returns all persisted configuration rows.
	GetConfigValues(ctx context.Context) (map[string]string, error)

	// SetConfigValue upserts one configuration row.
	SetConfigValue(ctx context.Context, key, value string) error
}

// Config is the typed runtime configuration of the queue subsystem.
type Config struct {
	// MaxConcurrentUsers is a provisioning hint for how many tenants are
	// expected to run work at once. It is not an admission ceiling.
	MaxConcurrentUsers int

	// UserMaxConcurrentTasks is the default per-tenant processing ceiling.
	UserMaxConcurrentTasks int

	// SystemMaxConcurrentTasks is the system-wide processing ceiling.
	SystemMaxConcurrentTasks int

	// WorkerPoolSize bounds concurrent executor invocations per process.
	WorkerPoolSize int

	// QueueCheckInterval is the scheduler tick period.
	QueueCheckInterval time.Duration

	// TaskTimeout is the wall-clock processing deadline before an entry is
	// reaped.
	TaskTimeout time.Duration

	// MaxQueueLength caps queued plus processing entries at enqueue time.
	MaxQueueLength int

	// PriorityBoostThreshold is how long an entry waits before aging
	// raises its priority.
	PriorityBoostThreshold time.Duration

	// HeartbeatInterval is the cluster worker heartbeat period.
	HeartbeatInterval time.Duration
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxConcurrentUsers:       20,
		UserMaxConcurrentTasks:   3,
		SystemMaxConcurrentTasks: 60,
		WorkerPoolSize:           20,
		QueueCheckInterval:       2 * time.Second,
		TaskTimeout:              600 * time.Second,
		MaxQueueLength:           200,
		PriorityBoostThreshold:   300 * time.Second,
		HeartbeatInterval:        30 * time.Second,
	}
}

// Parse builds a Config from raw key/value rows. Missing, malformed, or
// non-positive values fall back to the defaults; unknown keys are ignored.
func Parse(values map[string]string) Config {
	cfg := Default()

	cfg.MaxConcurrentUsers = intVal(values, KeyMaxConcurrentUsers, cfg.MaxConcurrentUsers)
	cfg.UserMaxConcurrentTasks = intVal(values, KeyUserMaxConcurrentTasks, cfg.UserMaxConcurrentTasks)
	cfg.SystemMaxConcurrentTasks = intVal(values, KeySystemMaxConcurrentTasks, cfg.SystemMaxConcurrentTasks)
	cfg.WorkerPoolSize = intVal(values, KeyWorkerPoolSize, cfg.WorkerPoolSize)
	cfg.QueueCheckInterval = secondsVal(values, KeyQueueCheckInterval, cfg.QueueCheckInterval)
	cfg.TaskTimeout = secondsVal(values, KeyTaskTimeout, cfg.TaskTimeout)
	cfg.MaxQueueLength = intVal(values, KeyMaxQueueLength, cfg.MaxQueueLength)
	cfg.PriorityBoostThreshold = secondsVal(values, KeyPriorityBoostThreshold, cfg.PriorityBoostThreshold)
	cfg.HeartbeatInterval = secondsVal(values, KeyHeartbeatInterval, cfg.HeartbeatInterval)

	return cfg
}

func intVal(values map[string]string, key string, fallback int) int {
	raw, ok := values[key]
	if !ok {
		return fallback
	}

	n, err := cast.ToIntE(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}

	return n
}

// secondsVal reads a duration stored either as a bare number of seconds
// ("600") or as a Go duration string ("10m", "1m30s").
func secondsVal(values map[string]string, key string, fallback time.Duration) time.Duration {
	raw, ok := values[key]
	if !ok {
		return fallback
	}
	raw = strings.TrimSpace(raw)

	if n, err := cast.ToIntE(raw); err == nil {
		if n <= 0 {
			return fallback
		}
		return time.Duration(n) * time.Second
	}

	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}

	return fallback
}
