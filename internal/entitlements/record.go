// Package entitlements holds the in-memory entitlement record of the active
// identity and the read-only quota gate over it.
package entitlements

import (
	"time"

	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/pkg/plans"
)

// Usage tracks consumption against the monthly limit.
type Usage struct {
	CurrentPeriodCount int       `json:"currentPeriodCount"`
	TotalCount         int       `json:"totalCount"`
	PeriodStartedAt    time.Time `json:"periodStartedAt"`
}

// Record is the entitlement state of one identity. MonthlyLimit is written
// alongside Plan and is not re-derived on read.
type Record struct {
	Identity     identity.Identity  `json:"identity"`
	Plan         plans.ID           `json:"plan"`
	BillingCycle plans.BillingCycle `json:"billingCycle"`
	MonthlyLimit int                `json:"monthlyLimit"`
	Usage        Usage              `json:"usage"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// NewRecord returns a record for id on plan with empty usage for the month
// containing now. Unknown plans fall back to free.
func NewRecord(id identity.Identity, plan plans.ID, cycle plans.BillingCycle, now time.Time) Record {
	d, ok := plans.Lookup(plan)
	if !ok {
		d = plans.MustLookup(plans.Free)
	}
	if !cycle.Valid() {
		cycle = plans.Monthly
	}
	return Record{
		Identity:     id,
		Plan:         d.ID,
		BillingCycle: cycle,
		MonthlyLimit: d.MonthlyLimit,
		Usage:        Usage{PeriodStartedAt: MonthStartUTC(now)},
		UpdatedAt:    now,
	}
}

// Unlimited reports whether the record has no monthly cap.
func (r Record) Unlimited() bool {
	return r.MonthlyLimit == plans.Unlimited
}

// Descriptor returns the catalog entry for the record's plan.
func (r Record) Descriptor() (plans.Descriptor, bool) {
	return plans.Lookup(r.Plan)
}

// MonthStartUTC returns midnight UTC on the first day of t's month.
func MonthStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Rollover resets the period counter when now falls in a later month than
// the period start. The total count is kept.
func (u Usage) Rollover(now time.Time) Usage {
	current := MonthStartUTC(now)
	if u.PeriodStartedAt.IsZero() || u.PeriodStartedAt.Before(current) {
		u.CurrentPeriodCount = 0
		u.PeriodStartedAt = current
	}
	return u
}

// Consume adds n units after applying any month rollover. Negative n is
// treated as zero.
func (u Usage) Consume(n int, now time.Time) Usage {
	if n < 0 {
		n = 0
	}
	u = u.Rollover(now)
	u.CurrentPeriodCount += n
	u.TotalCount += n
	return u
}
