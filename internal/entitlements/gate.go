package entitlements

import (
	"fmt"

	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/pkg/plans"
)

// Gate answers quota and capability questions from the store. It never
// touches the network.
type Gate struct {
	store *Store
}

func NewGate(store *Store) *Gate {
	return &Gate{store: store}
}

// CanConsume reports whether one more unit fits in the current period.
func (g *Gate) CanConsume() bool {
	return CanConsume(g.store.Get())
}

// Remaining returns the units left this period, or -1 when unlimited.
func (g *Gate) Remaining() int {
	return Remaining(g.store.Get())
}

// HasCapability reports whether the current plan grants capability.
func (g *Gate) HasCapability(capability string) bool {
	d, ok := g.store.Get().Descriptor()
	return ok && d.HasCapability(capability)
}

// RequireCapability returns an error naming the lowest plan that grants the
// capability when the current plan does not.
func (g *Gate) RequireCapability(capability string) error {
	if g.HasCapability(capability) {
		return nil
	}
	if lowest, ok := plans.MinPlanFor(capability); ok {
		return fmt.Errorf("%s requires the %s plan", capability, plans.MustLookup(lowest).Name)
	}
	return fmt.Errorf("unknown capability %q", capability)
}

// CanConsumeN reports whether n more units fit in the current period.
func (g *Gate) CanConsumeN(n int) bool {
	return CanConsumeN(g.store.Get(), n)
}

// Check returns ErrQuotaExceeded when no unit can be consumed.
func (g *Gate) Check() error {
	return g.CheckN(1)
}

// CheckN returns ErrQuotaExceeded when n units do not fit in the current
// period.
func (g *Gate) CheckN(n int) error {
	r := g.store.Get()
	if CanConsumeN(r, n) {
		return nil
	}
	if n == 1 {
		return fmt.Errorf("%w: %d of %d used on %s", syncerrors.ErrQuotaExceeded, r.Usage.CurrentPeriodCount, r.MonthlyLimit, r.Plan)
	}
	return fmt.Errorf("%w: %d requested, %d of %d left on %s", syncerrors.ErrQuotaExceeded, n, Remaining(r), r.MonthlyLimit, r.Plan)
}

// CanConsume is the quota predicate over a record.
func CanConsume(r Record) bool {
	return CanConsumeN(r, 1)
}

// CanConsumeN is CanConsume for n units.
func CanConsumeN(r Record, n int) bool {
	if n < 0 {
		return false
	}
	return r.MonthlyLimit == plans.Unlimited || r.Usage.CurrentPeriodCount+n <= r.MonthlyLimit
}

// Remaining is the remaining-units function over a record.
func Remaining(r Record) int {
	if r.MonthlyLimit == plans.Unlimited {
		return -1
	}
	return max(0, r.MonthlyLimit-r.Usage.CurrentPeriodCount)
}
