package admission_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/admission"
)

// fakeCounts is a CountSource with fixed counts and optional injected error.
type fakeCounts struct {
	system  int
	tenants map[string]int
	err     error
}

func (f *fakeCounts) CountProcessing(context.Context) (int, error) {
	return f.system, f.err
}

func (f *fakeCounts) CountProcessingByTenant(_ context.Context, tenantID string) (int, error) {
	return f.tenants[tenantID], f.err
}

func newController(src *fakeCounts, l admission.Limits, opts ...admission.Option) *admission.Controller {
	return admission.New(src, admission.StaticLimits(l), opts...)
}

func TestCheckSystem_Allows(t *testing.T) {
	c := newController(&fakeCounts{system: 3}, admission.Limits{System: 5, User: 2})

	d, err := c.CheckSystem(context.Background(), 1)
	if err != nil {
		t.Fatalf("CheckSystem: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected allowed at 3/5")
	}
	if d.Current != 3 || d.Max != 5 || d.Available != 2 {
		t.Errorf("decision: got current=%d max=%d available=%d", d.Current, d.Max, d.Available)
	}
	if d.Factor != sluice.FactorNone {
		t.Errorf("factor: want %q, got %q", sluice.FactorNone, d.Factor)
	}
}

func TestCheckSystem_DeniesAtCeiling(t *testing.T) {
	c := newController(&fakeCounts{system: 5}, admission.Limits{System: 5, User: 2})

	d, err := c.CheckSystem(context.Background(), 1)
	if err != nil {
		t.Fatalf("CheckSystem: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denied at 5/5")
	}
	if d.Factor != sluice.FactorSystem {
		t.Errorf("factor: want %q, got %q", sluice.FactorSystem, d.Factor)
	}
	if d.Available != 0 {
		t.Errorf("available: want 0, got %d", d.Available)
	}
}

func TestCheckSystem_ExactFit(t *testing.T) {
	c := newController(&fakeCounts{system: 3}, admission.Limits{System: 5, User: 2})

	// 3 in flight + 2 requested == ceiling of 5: still admitted.
	d, err := c.CheckSystem(context.Background(), 2)
	if err != nil {
		t.Fatalf("CheckSystem: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected exact fit to be allowed")
	}

	d, err = c.CheckSystem(context.Background(), 3)
	if err != nil {
		t.Fatalf("CheckSystem: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected overflow by one to be denied")
	}
}

func TestCheckUser_DeniesAtTenantCeiling(t *testing.T) {
	src := &fakeCounts{tenants: map[string]int{"tenant-a": 2}}
	c := newController(src, admission.Limits{System: 60, User: 2})

	d, err := c.CheckUser(context.Background(), "tenant-a", 1)
	if err != nil {
		t.Fatalf("CheckUser: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denied at tenant 2/2")
	}
	if d.Factor != sluice.FactorUser {
		t.Errorf("factor: want %q, got %q", sluice.FactorUser, d.Factor)
	}

	// A different tenant is unaffected.
	d, err = c.CheckUser(context.Background(), "tenant-b", 1)
	if err != nil {
		t.Fatalf("CheckUser: %v", err)
	}
	if !d.Allowed {
		t.Fatal("tenant-b should be admitted")
	}
}

func TestCheckBoth_FactorClassification(t *testing.T) {
	tests := []struct {
		name    string
		system  int
		tenant  int
		allowed bool
		factor  sluice.LimitFactor
	}{
		{"under both", 1, 1, true, sluice.FactorNone},
		{"system only", 60, 1, false, sluice.FactorSystem},
		{"user only", 1, 3, false, sluice.FactorUser},
		{"both", 60, 3, false, sluice.FactorBoth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeCounts{system: tt.system, tenants: map[string]int{"t": tt.tenant}}
			c := newController(src, admission.Limits{System: 60, User: 3})

			d, err := c.CheckBoth(context.Background(), "t", 1)
			if err != nil {
				t.Fatalf("CheckBoth: %v", err)
			}
			if d.Allowed != tt.allowed {
				t.Errorf("allowed: want %v, got %v", tt.allowed, d.Allowed)
			}
			if d.Factor != tt.factor {
				t.Errorf("factor: want %q, got %q", tt.factor, d.Factor)
			}
		})
	}
}

func TestCheckBoth_ReportsTighterSideWhenAllowed(t *testing.T) {
	src := &fakeCounts{system: 10, tenants: map[string]int{"t": 2}}
	c := newController(src, admission.Limits{System: 60, User: 3})

	d, err := c.CheckBoth(context.Background(), "t", 1)
	if err != nil {
		t.Fatalf("CheckBoth: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected allowed")
	}
	// Tenant headroom (1) is tighter than system headroom (50).
	if d.Current != 2 || d.Max != 3 || d.Available != 1 {
		t.Errorf("expected tenant-side counts, got current=%d max=%d available=%d",
			d.Current, d.Max, d.Available)
	}
}

func TestAdmit_ReturnsCapacityError(t *testing.T) {
	src := &fakeCounts{system: 1, tenants: map[string]int{"t": 3}}
	c := newController(src, admission.Limits{System: 60, User: 3})

	err := c.Admit(context.Background(), "t", 1)
	if err == nil {
		t.Fatal("expected a capacity error")
	}
	if !errors.Is(err, sluice.ErrCapacityExceeded) {
		t.Errorf("expected errors.Is ErrCapacityExceeded, got %v", err)
	}

	var capErr *sluice.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *sluice.CapacityError, got %T", err)
	}
	if capErr.Factor != sluice.FactorUser {
		t.Errorf("factor: want %q, got %q", sluice.FactorUser, capErr.Factor)
	}
	if capErr.TenantID != "t" {
		t.Errorf("tenant: want %q, got %q", "t", capErr.TenantID)
	}
}

func TestAdmit_NilWhenAdmitted(t *testing.T) {
	src := &fakeCounts{system: 0, tenants: map[string]int{}}
	c := newController(src, admission.Limits{System: 60, User: 3})

	if err := c.Admit(context.Background(), "t", 1); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestDisabledCeiling_AlwaysAllows(t *testing.T) {
	src := &fakeCounts{system: 1000, tenants: map[string]int{"t": 1000}}
	c := newController(src, admission.Limits{System: 0, User: 0})

	d, err := c.CheckBoth(context.Background(), "t", 1)
	if err != nil {
		t.Fatalf("CheckBoth: %v", err)
	}
	if !d.Allowed {
		t.Fatal("disabled ceilings should always admit")
	}
}

func TestRequestBelowOne_TreatedAsOne(t *testing.T) {
	c := newController(&fakeCounts{system: 5}, admission.Limits{System: 5, User: 2})

	d, err := c.CheckSystem(context.Background(), 0)
	if err != nil {
		t.Fatalf("CheckSystem: %v", err)
	}
	if d.Allowed {
		t.Fatal("n=0 should be treated as n=1 and denied at the ceiling")
	}
}

func TestTenantLimitOverride(t *testing.T) {
	src := &fakeCounts{tenants: map[string]int{"admin": 5, "user": 5}}
	c := newController(src, admission.Limits{System: 60, User: 3},
		admission.WithTenantLimit(func(tenantID string) (int, bool) {
			if tenantID == "admin" {
				return 10, true
			}
			return 0, false
		}),
	)

	d, err := c.CheckUser(context.Background(), "admin", 1)
	if err != nil {
		t.Fatalf("CheckUser: %v", err)
	}
	if !d.Allowed {
		t.Fatal("admin at 5/10 should be admitted")
	}

	d, err = c.CheckUser(context.Background(), "user", 1)
	if err != nil {
		t.Fatalf("CheckUser: %v", err)
	}
	if d.Allowed {
		t.Fatal("user at 5/3 should be denied")
	}
}

func TestCountErrorPropagates(t *testing.T) {
	src := &fakeCounts{err: errors.New("store down")}
	c := newController(src, admission.Limits{System: 5, User: 2})

	if _, err := c.CheckSystem(context.Background(), 1); err == nil {
		t.Fatal("expected count error to propagate")
	}
	if _, err := c.CheckUser(context.Background(), "t", 1); err == nil {
		t.Fatal("expected count error to propagate")
	}
	if err := c.Admit(context.Background(), "t", 1); err == nil {
		t.Fatal("expected count error to propagate")
	}
}
