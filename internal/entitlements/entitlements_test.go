package entitlements

import (
	"errors"
	"sync"
	"testing"
	"time"

	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func recordWith(plan plans.ID, used int) Record {
	r := NewRecord(identity.Remote("u-1", "u@example.com", "U"), plan, plans.Monthly, testNow)
	r.Usage.CurrentPeriodCount = used
	return r
}

func TestQuotaExhaustedOnFree(t *testing.T) {
	g := NewGate(NewStore(recordWith(plans.Free, 20)))

	assert.False(t, g.CanConsume())
	assert.Equal(t, 0, g.Remaining())
	assert.ErrorIs(t, g.Check(), syncerrors.ErrQuotaExceeded)
}

func TestQuotaPredicates(t *testing.T) {
	tests := []struct {
		name      string
		plan      plans.ID
		used      int
		canUse    bool
		remaining int
	}{
		{"free_fresh", plans.Free, 0, true, 20},
		{"free_last_unit", plans.Free, 19, true, 1},
		{"free_over", plans.Free, 25, false, 0},
		{"starter_half", plans.Starter, 50, true, 50},
		{"pro_full", plans.Pro, 500, false, 0},
		{"business_heavy", plans.Business, 100000, true, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := recordWith(tt.plan, tt.used)
			assert.Equal(t, tt.canUse, CanConsume(r))
			assert.Equal(t, tt.remaining, Remaining(r))
		})
	}
}

func TestGateCheckNRejectsBatchesThatOverflow(t *testing.T) {
	tests := []struct {
		name string
		plan plans.ID
		used int
		n    int
		fits bool
	}{
		{"free_exact_fit", plans.Free, 15, 5, true},
		{"free_one_over", plans.Free, 15, 6, false},
		{"free_batch_from_zero", plans.Free, 0, 25, false},
		{"starter_whole_quota", plans.Starter, 0, 100, true},
		{"business_any_batch", plans.Business, 5000, 10000, true},
		{"negative_count", plans.Pro, 0, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(NewStore(recordWith(tt.plan, tt.used)))
			assert.Equal(t, tt.fits, g.CanConsumeN(tt.n))
			if tt.fits {
				assert.NoError(t, g.CheckN(tt.n))
			} else {
				assert.ErrorIs(t, g.CheckN(tt.n), syncerrors.ErrQuotaExceeded)
			}
		})
	}

	// A single unit still fits where a batch does not.
	g := NewGate(NewStore(recordWith(plans.Free, 19)))
	assert.NoError(t, g.Check())
	assert.ErrorIs(t, g.CheckN(2), syncerrors.ErrQuotaExceeded)
}

func TestRemainingNeverIncreasesWithUsage(t *testing.T) {
	for _, d := range plans.All() {
		prev := Remaining(recordWith(d.ID, 0))
		for used := 1; used <= 600; used++ {
			got := Remaining(recordWith(d.ID, used))
			if d.Unlimited() {
				require.Equal(t, -1, got)
				continue
			}
			require.LessOrEqual(t, got, prev, "plan %s used %d", d.ID, used)
			require.GreaterOrEqual(t, got, 0)
			prev = got
		}
	}
}

func TestGateCapabilities(t *testing.T) {
	store := NewStore(recordWith(plans.Starter, 0))
	g := NewGate(store)

	assert.True(t, g.HasCapability(plans.CapTemplates))
	assert.False(t, g.HasCapability(plans.CapAnalytics))
	err := g.RequireCapability(plans.CapAnalytics)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Pro")

	store.Set(PlanPatch(plans.MustLookup(plans.Pro), plans.Monthly))
	assert.NoError(t, g.RequireCapability(plans.CapAnalytics))
	assert.Error(t, g.RequireCapability("time_travel"))
}

func TestStoreSetMergesAndStamps(t *testing.T) {
	s := NewStore(recordWith(plans.Free, 3))
	stamp := testNow.Add(time.Hour)
	s.nowFn = func() time.Time { return stamp }

	got := s.Set(PlanPatch(plans.MustLookup(plans.Pro), plans.Yearly))

	assert.Equal(t, plans.Pro, got.Plan)
	assert.Equal(t, plans.Yearly, got.BillingCycle)
	assert.Equal(t, 500, got.MonthlyLimit)
	assert.Equal(t, 3, got.Usage.CurrentPeriodCount, "usage untouched by plan patch")
	assert.Equal(t, "u-1", got.Identity.ID)
	assert.Equal(t, stamp, got.UpdatedAt)
	assert.Equal(t, got, s.Get())
}

func TestStoreSetDoesNotValidate(t *testing.T) {
	s := NewStore(recordWith(plans.Free, 0))
	bogus := plans.ID("platinum")
	limit := 7
	got := s.Set(Patch{Plan: &bogus, MonthlyLimit: &limit})
	assert.Equal(t, bogus, got.Plan)
	assert.Equal(t, 7, got.MonthlyLimit)
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore(recordWith(plans.Free, 0))

	var seen []plans.ID
	unsubscribe := s.Subscribe(func(r Record) {
		// Reading from inside a subscriber must not deadlock.
		_ = s.Get()
		seen = append(seen, r.Plan)
	})

	s.Set(PlanPatch(plans.MustLookup(plans.Starter), plans.Monthly))
	s.Set(PlanPatch(plans.MustLookup(plans.Pro), plans.Monthly))
	unsubscribe()
	s.Set(PlanPatch(plans.MustLookup(plans.Business), plans.Monthly))

	assert.Equal(t, []plans.ID{plans.Starter, plans.Pro}, seen)
}

func TestStoreUpdateIsAtomic(t *testing.T) {
	s := NewStore(recordWith(plans.Business, 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(r Record) Patch {
				return UsagePatch(r.Usage.Consume(1, testNow))
			})
		}()
	}
	wg.Wait()

	got := s.Get().Usage
	assert.Equal(t, 50, got.CurrentPeriodCount)
	assert.Equal(t, 50, got.TotalCount)
}

func TestUsageRollover(t *testing.T) {
	u := Usage{CurrentPeriodCount: 18, TotalCount: 40, PeriodStartedAt: MonthStartUTC(testNow)}

	same := u.Consume(2, testNow.Add(24*time.Hour))
	assert.Equal(t, 20, same.CurrentPeriodCount)
	assert.Equal(t, 42, same.TotalCount)

	nextMonth := time.Date(2026, 11, 1, 0, 0, 1, 0, time.UTC)
	rolled := same.Consume(1, nextMonth)
	assert.Equal(t, 1, rolled.CurrentPeriodCount)
	assert.Equal(t, 43, rolled.TotalCount)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), rolled.PeriodStartedAt)

	negative := rolled.Consume(-5, nextMonth)
	assert.Equal(t, rolled, negative)
}

func TestMonthStartUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2026, 11, 1, 5, 0, 0, 0, loc) // still October in UTC
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), MonthStartUTC(local))
}

func TestNewRecordFallsBackToFree(t *testing.T) {
	r := NewRecord(identity.Anonymous(), "platinum", "weekly", testNow)
	assert.Equal(t, plans.Free, r.Plan)
	assert.Equal(t, plans.Monthly, r.BillingCycle)
	assert.Equal(t, 20, r.MonthlyLimit)
	assert.True(t, errors.Is(NewGate(NewStore(recordWith(plans.Free, 20))).Check(), syncerrors.ErrQuotaExceeded))
}
