package admission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/sluice"
)

// CountSource is the narrow read surface the controller needs from the
// queue store.
type CountSource interface {
	// CountProcessing returns the number of processing entries system-wide.
	CountProcessing(ctx context.Context) (int, error)

	// CountProcessingByTenant returns the tenant's processing count.
	CountProcessingByTenant(ctx context.Context, tenantID string) (int, error)
}

// Limits holds the two admission ceilings. Non-positive values disable the
// corresponding ceiling.
type Limits struct {
	// System is the maximum number of processing entries system-wide.
	System int

	// User is the default maximum number of processing entries per tenant.
	User int
}

// LimitsFunc supplies the current ceilings. It is called on every check so
// that admin edits to the persisted configuration take effect without a
// restart.
type LimitsFunc func(ctx context.Context) (Limits, error)

// StaticLimits returns a LimitsFunc that always reports the given ceilings.
func StaticLimits(l Limits) LimitsFunc {
	return func(context.Context) (Limits, error) { return l, nil }
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the requested executions fit under the
	// checked ceiling(s).
	Allowed bool `json:"allowed"`

	// Current is the in-flight count the decision was computed from.
	Current int `json:"current"`

	// Max is the ceiling the decision was computed against.
	Max int `json:"max"`

	// Available is how many more executions the ceiling admits. Zero when
	// the ceiling is disabled.
	Available int `json:"available"`

	// Factor identifies the limiting ceiling: system, user, both, or none.
	Factor sluice.LimitFactor `json:"factor"`
}

// Controller answers admission checks over the store's in-flight counts.
// It is safe for concurrent use.
type Controller struct {
	counts      CountSource
	limits      LimitsFunc
	tenantLimit func(tenantID string) (int, bool)
	logger      *slog.Logger
}

// New creates a Controller reading counts from src and ceilings from limits.
func New(src CountSource, limits LimitsFunc, opts ...Option) *Controller {
	c := &Controller{
		counts: src,
		limits: limits,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CheckSystem reports whether n more executions fit under the system
// ceiling. n values below one are treated as one.
func (c *Controller) CheckSystem(ctx context.Context, n int) (Decision, error) {
	n = normalize(n)

	l, err := c.limits(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: load limits: %w", err)
	}

	current, err := c.counts.CountProcessing(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: count processing: %w", err)
	}

	d := decide(current, l.System, n)
	if !d.Allowed {
		d.Factor = sluice.FactorSystem
		c.logger.Debug("admission: system ceiling denied",
			"current", d.Current,
			"max", d.Max,
			"requested", n,
		)
	}

	return d, nil
}

// CheckUser reports whether n more executions fit under the tenant's
// ceiling. n values below one are treated as one.
func (c *Controller) CheckUser(ctx context.Context, tenantID string, n int) (Decision, error) {
	n = normalize(n)

	l, err := c.limits(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: load limits: %w", err)
	}

	current, err := c.counts.CountProcessingByTenant(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: count tenant processing: %w", err)
	}

	d := decide(current, c.tenantLimitFor(tenantID, l.User), n)
	if !d.Allowed {
		d.Factor = sluice.FactorUser
		c.logger.Debug("admission: tenant ceiling denied",
			"tenant_id", tenantID,
			"current", d.Current,
			"max", d.Max,
			"requested", n,
		)
	}

	return d, nil
}

// CheckBoth checks the system and tenant ceilings together and classifies
// the limiting factor. When denied, the returned counts describe the
// limiting ceiling (the system ceiling when both deny). When allowed, they
// describe the ceiling with the least headroom.
func (c *Controller) CheckBoth(ctx context.Context, tenantID string, n int) (Decision, error) {
	sys, err := c.CheckSystem(ctx, n)
	if err != nil {
		return Decision{}, err
	}

	usr, err := c.CheckUser(ctx, tenantID, n)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case !sys.Allowed && !usr.Allowed:
		sys.Factor = sluice.FactorBoth

		return sys, nil
	case !sys.Allowed:
		return sys, nil
	case !usr.Allowed:
		return usr, nil
	}

	// Both allowed; report the tighter side.
	if usr.Max > 0 && (sys.Max <= 0 || usr.Available <= sys.Available) {
		return usr, nil
	}

	return sys, nil
}

// Admit is the raise-on-exceed form of CheckBoth: it returns nil when n
// executions are admitted and a *sluice.CapacityError naming the limiting
// factor when denied.
func (c *Controller) Admit(ctx context.Context, tenantID string, n int) error {
	d, err := c.CheckBoth(ctx, tenantID, n)
	if err != nil {
		return err
	}

	if !d.Allowed {
		return &sluice.CapacityError{
			Factor:   d.Factor,
			TenantID: tenantID,
			Current:  d.Current,
			Max:      d.Max,
		}
	}

	return nil
}

// tenantLimitFor resolves the effective ceiling for a tenant, consulting
// the per-tenant override when configured.
func (c *Controller) tenantLimitFor(tenantID string, base int) int {
	if c.tenantLimit != nil {
		if n, ok := c.tenantLimit(tenantID); ok {
			return n
		}
	}

	return base
}

func normalize(n int) int {
	if n < 1 {
		return 1
	}

	return n
}

// decide computes a single-ceiling decision. A non-positive max disables
// the ceiling.
func decide(current, max, n int) Decision {
	d := Decision{
		Allowed: true,
		Current: current,
		Max:     max,
		Factor:  sluice.FactorNone,
	}

	if max <= 0 {
		return d
	}

	if a := max - current; a > 0 {
		d.Available = a
	}

	d.Allowed = current+n <= max

	return d
}
