package sluice

import "fmt"

// LimitFactor identifies which admission ceiling denied a request.
type LimitFactor string

const (
	// FactorNone means no ceiling was hit.
	FactorNone LimitFactor = "none"
	// FactorSystem means the global concurrency ceiling was hit.
	FactorSystem LimitFactor = "system"
	// FactorUser means the tenant's concurrency ceiling was hit.
	FactorUser LimitFactor = "user"
	// FactorBoth means both ceilings were hit at once.
	FactorBoth LimitFactor = "both"
)

// CapacityError reports a denied admission request and the ceiling that
// denied it. It unwraps to ErrCapacityExceeded for errors.Is matching.
type CapacityError struct {
	Factor   LimitFactor
	TenantID string
	Current  int
	Max      int
}

func (e *CapacityError) Error() string {
	if e.TenantID != "" && (e.Factor == FactorUser || e.Factor == FactorBoth) {
		return fmt.Sprintf("sluice: capacity exceeded (%s) for tenant %s: %d/%d in flight",
			e.Factor, e.TenantID, e.Current, e.Max)
	}
	return fmt.Sprintf("sluice: capacity exceeded (%s): %d/%d in flight",
		e.Factor, e.Current, e.Max)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }
