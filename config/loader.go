package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a loaded Config is served before the store is
// consulted again.
const DefaultTTL = time.Second

// Loader reads the persisted configuration through a short-lived cache.
// It is safe for concurrent use.
type Loader struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	cached Config
	loaded time.Time
	valid  bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithTTL sets the cache window. Non-positive values disable caching so
// every Load hits the store.
func WithTTL(ttl time.Duration) Option {
	return func(l *Loader) { l.ttl = ttl }
}

// WithLogger sets a custom logger for the loader.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader over the given store.
func NewLoader(store Store, opts ...Option) *Loader {
	l := &Loader{
		store:  store,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load returns the current configuration, consulting the store at most once
// per TTL window. When a refresh fails and a previous configuration exists,
// the stale values are served and the failure is logged; capacity
// thresholds are soft state and a missed refresh must not stall a tick.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.valid && l.ttl > 0 && time.Since(l.loaded) < l.ttl {
		return l.cached, nil
	}

	values, err := l.store.GetConfigValues(ctx)
	if err != nil {
		if l.valid {
			l.logger.Warn("config: refresh failed, serving cached values", "error", err)

			return l.cached, nil
		}

		return Config{}, fmt.Errorf("config: load values: %w", err)
	}

	l.cached = Parse(values)
	l.loaded = time.Now()
	l.valid = true

	return l.cached, nil
}

// Invalidate drops the cached configuration so the next Load hits the
// store.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.valid = false
}

// Set writes one configuration row through to the store and invalidates
// the cache.
func (l *Loader) Set(ctx context.Context, key, value string) error {
	if err := l.store.SetConfigValue(ctx, key, value); err != nil {
		return fmt.Errorf("config: set %s: %w", key, err)
	}

	l.Invalidate()

	return nil
}
