package queue

import "time"

// Options configures per-entry behavior at enqueue time.
type Options struct {
	// Priority determines dispatch ordering. Higher values are claimed first.
	Priority int

	// MaxAttempts is the claim budget before the entry fails terminally.
	MaxAttempts int

	// EstimatedDuration is the submitter's runtime estimate, used for
	// backlog reporting.
	EstimatedDuration time.Duration
}

// DefaultOptions returns Options with the documented defaults.
func DefaultOptions() Options {
	return Options{
		Priority:          DefaultPriority,
		MaxAttempts:       DefaultMaxAttempts,
		EstimatedDuration: DefaultEstimatedDuration,
	}
}

// Option is a functional option for configuring an enqueued entry.
type Option func(*Options)

// WithPriority sets the entry priority. Values outside [MinPriority,
// MaxPriority] are clamped at entry construction.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithMaxAttempts sets the claim budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithEstimatedDuration sets the submitter's runtime estimate.
func WithEstimatedDuration(d time.Duration) Option {
	return func(o *Options) {
		o.EstimatedDuration = d
	}
}
