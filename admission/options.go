package admission

import "log/slog"

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets a custom logger for the controller.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTenantLimit installs a per-tenant ceiling override. The resolver
// returns (limit, true) for tenants with a role-specific ceiling, such as
// administrators, and (0, false) to fall back to the configured default.
func WithTenantLimit(resolve func(tenantID string) (int, bool)) Option {
	return func(c *Controller) { c.tenantLimit = resolve }
}
