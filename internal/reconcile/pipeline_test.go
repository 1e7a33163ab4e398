package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcourtman/quillboard/internal/entitlements"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/internal/notifications"
	"github.com/rcourtman/quillboard/internal/remotestore"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// fakeRemote wraps a real sqlite store and can hold or fail upserts.
type fakeRemote struct {
	*remotestore.SQLiteStore
	hold       chan struct{}
	planErr    error
	usageErr   error
	planCalls  atomic.Int32
	usageCalls atomic.Int32
}

func (f *fakeRemote) wait(ctx context.Context) error {
	if f.hold == nil {
		return nil
	}
	select {
	case <-f.hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRemote) UpsertPlan(ctx context.Context, u remotestore.PlanUpdate) (bool, error) {
	f.planCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	if f.planErr != nil {
		return false, f.planErr
	}
	return f.SQLiteStore.UpsertPlan(ctx, u)
}

func (f *fakeRemote) UpsertUsage(ctx context.Context, u remotestore.UsageUpdate) (bool, error) {
	f.usageCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	if f.usageErr != nil {
		return false, f.usageErr
	}
	return f.SQLiteStore.UpsertUsage(ctx, u)
}

type harness struct {
	p        *Pipeline
	store    *entitlements.Store
	cache    *localcache.MemoryCache
	remote   *fakeRemote
	sink     *notifications.Recorder
	timeouts chan time.Time
}

func newHarness(t *testing.T, id identity.Identity, plan plans.ID) *harness {
	t.Helper()
	lite, err := remotestore.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })

	h := &harness{
		store:    entitlements.NewStore(entitlements.NewRecord(id, plan, plans.Monthly, testNow)),
		cache:    localcache.NewMemoryCache(),
		remote:   &fakeRemote{SQLiteStore: lite},
		sink:     &notifications.Recorder{},
		timeouts: make(chan time.Time),
	}
	h.p = NewPipeline(Config{
		Store:  h.store,
		Cache:  h.cache,
		Remote: h.remote,
		Sink:   h.sink,
	})
	h.p.nowFn = func() time.Time { return testNow }
	h.p.after = func(time.Duration) <-chan time.Time { return h.timeouts }
	t.Cleanup(h.p.Wait)
	return h
}

func realUser() identity.Identity {
	return identity.Remote("u-1", "user@example.com", "User")
}

func waitOutcome(t *testing.T, a *Attempt) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := a.Wait(ctx)
	require.True(t, out.Terminal(), "attempt %s still %s", a.ID, out)
	return out
}

func TestUpgradePlanCommitsLocallyBeforeNetwork(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)
	h.remote.hold = make(chan struct{})

	a := h.p.UpgradePlan(context.Background(), "pro", plans.Yearly)

	rec := h.store.Get()
	assert.Equal(t, plans.Pro, rec.Plan)
	assert.Equal(t, plans.Yearly, rec.BillingCycle)
	assert.Equal(t, 500, rec.MonthlyLimit)
	cached, _, _ := h.cache.Get(context.Background(), localcache.KeyCachedPlanID)
	assert.Equal(t, "pro", cached)
	assert.Equal(t, OutcomePending, a.Outcome())
	assert.Equal(t, testNow.Add(DefaultDeadline), a.Deadline)

	close(h.remote.hold)
	assert.Equal(t, OutcomeSucceeded, waitOutcome(t, a))

	success := h.sink.BySeverity(notifications.SeveritySuccess)
	require.Len(t, success, 1)
	assert.Contains(t, success[0].Message, "Pro")

	row, found, err := h.remote.Get(context.Background(), "u-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, plans.Pro, row.Plan)
	assert.Equal(t, plans.Yearly, row.BillingCycle)
	assert.Equal(t, a.Version, row.PlanVersion)
}

func TestUpgradePlanTimeoutKeepsLocalState(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)
	h.remote.hold = make(chan struct{})

	a := h.p.UpgradePlan(context.Background(), "pro", plans.Monthly)
	assert.Equal(t, plans.Pro, h.store.Get().Plan)

	h.timeouts <- testNow.Add(DefaultDeadline)
	assert.Equal(t, OutcomeTimedOut, waitOutcome(t, a))
	assert.Equal(t, plans.Pro, h.store.Get().Plan)

	warnings := h.sink.BySeverity(notifications.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "timeout")
	assert.Len(t, h.sink.All(), 1)

	// The upsert was not cancelled and lands late.
	close(h.remote.hold)
	h.p.Wait()
	assert.Equal(t, OutcomeTimedOut, a.Outcome())
	assert.Equal(t, plans.Pro, h.store.Get().Plan)
	row, found, err := h.remote.Get(context.Background(), "u-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, plans.Pro, row.Plan)
	assert.Len(t, h.sink.All(), 1, "late results do not notify")
}

func TestUpgradePlanRemoteErrorKeepsLocalState(t *testing.T) {
	h := newHarness(t, realUser(), plans.Starter)
	h.remote.planErr = errors.New("permission denied for table entitlements")

	a := h.p.UpgradePlan(context.Background(), "business", plans.Monthly)
	assert.Equal(t, OutcomeFailed, waitOutcome(t, a))
	require.Error(t, a.Err())

	rec := h.store.Get()
	assert.Equal(t, plans.Business, rec.Plan)
	assert.Equal(t, plans.Unlimited, rec.MonthlyLimit)

	warnings := h.sink.BySeverity(notifications.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "server error")
}

func TestUpgradePlanLaterCallWins(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)
	h.remote.hold = make(chan struct{})

	first := h.p.UpgradePlan(context.Background(), "starter", plans.Monthly)
	assert.Equal(t, plans.Starter, h.store.Get().Plan)
	second := h.p.UpgradePlan(context.Background(), "pro", plans.Monthly)
	assert.Equal(t, plans.Pro, h.store.Get().Plan)

	assert.Equal(t, OutcomeSuperseded, first.Outcome())
	assert.Greater(t, second.Version, first.Version)

	close(h.remote.hold)
	assert.Equal(t, OutcomeSucceeded, waitOutcome(t, second))
	h.p.Wait()

	assert.Equal(t, plans.Pro, h.store.Get().Plan)
	row, _, err := h.remote.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, plans.Pro, row.Plan)

	success := h.sink.BySeverity(notifications.SeveritySuccess)
	require.Len(t, success, 1, "superseded attempts stay silent")
	assert.Contains(t, success[0].Message, "Pro")
	assert.Empty(t, h.sink.BySeverity(notifications.SeverityInfo))
}

func TestUpgradePlanStaleVersionIsIgnoredRemotely(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)
	applied, err := h.remote.SQLiteStore.UpsertPlan(context.Background(), remotestore.PlanUpdate{
		IdentityID:   "u-1",
		Plan:         plans.Business,
		BillingCycle: plans.Monthly,
		MonthlyLimit: plans.Unlimited,
		Version:      testNow.Add(time.Hour).UnixNano(),
		UpdatedAt:    testNow,
	})
	require.NoError(t, err)
	require.True(t, applied)

	a := h.p.UpgradePlan(context.Background(), "pro", plans.Monthly)
	assert.Equal(t, OutcomeSuperseded, waitOutcome(t, a))
	assert.Equal(t, plans.Pro, h.store.Get().Plan)
	require.Len(t, h.sink.All(), 1)
	infos := h.sink.BySeverity(notifications.SeverityInfo)
	require.Len(t, infos, 1, "a stale write is surfaced once")
	assert.Contains(t, infos[0].Message, "another device")
	assert.Contains(t, infos[0].Message, "Pro")

	row, _, err := h.remote.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, plans.Business, row.Plan)
}

func TestVersionsIncreaseWithFrozenClock(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)
	var last int64
	for _, plan := range []string{"starter", "pro", "business", "free"} {
		a := h.p.UpgradePlan(context.Background(), plan, plans.Monthly)
		assert.Greater(t, a.Version, last)
		last = a.Version
		waitOutcome(t, a)
	}
}

func TestUpgradePlanEphemeralIdentitiesStayLocal(t *testing.T) {
	tests := []struct {
		name string
		id   identity.Identity
	}{
		{"anonymous", identity.Anonymous()},
		{"bypass", identity.Bypass("owner@example.com")},
		{"local", identity.EphemeralLocal("me@example.com", "Me")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.id, plans.Free)

			a := h.p.UpgradePlan(context.Background(), "starter", plans.Monthly)
			assert.Equal(t, OutcomeLocalOnly, a.Outcome())
			assert.Equal(t, plans.Starter, h.store.Get().Plan)
			assert.Zero(t, h.remote.planCalls.Load())
			assert.Empty(t, h.sink.All())
		})
	}
}

func TestUpgradePlanRewritesOverrideForLocalIdentities(t *testing.T) {
	id := identity.Bypass("owner@example.com")
	h := newHarness(t, id, plans.Business)

	h.p.UpgradePlan(context.Background(), "pro", plans.Yearly)

	raw, found, err := h.cache.Get(context.Background(), localcache.KeyOverrideSession)
	require.NoError(t, err)
	require.True(t, found)
	override, err := identity.DecodeOverrideSession(raw)
	require.NoError(t, err)
	assert.Equal(t, id.ID, override.ID)
	assert.Equal(t, plans.Pro, override.Plan)
	assert.Equal(t, plans.Yearly, override.BillingCycle)
}

func TestRecordUsagePersistsOverrideForLocalIdentities(t *testing.T) {
	id := identity.EphemeralLocal("me@example.com", "Me")
	h := newHarness(t, id, plans.Starter)

	a := h.p.RecordUsage(context.Background(), 4)
	assert.Equal(t, OutcomeLocalOnly, a.Outcome())
	h.p.RecordUsage(context.Background(), 2)

	raw, found, err := h.cache.Get(context.Background(), localcache.KeyOverrideSession)
	require.NoError(t, err)
	require.True(t, found)
	override, err := identity.DecodeOverrideSession(raw)
	require.NoError(t, err)
	assert.Equal(t, id.ID, override.ID)
	assert.Equal(t, plans.Starter, override.Plan)
	assert.Equal(t, 6, override.PeriodCount)
	assert.Equal(t, 6, override.TotalCount)
	assert.Equal(t, entitlements.MonthStartUTC(testNow), override.PeriodStartedAt)
}

func TestRecordUsageLeavesOverrideAloneForRealIdentities(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)
	waitOutcome(t, h.p.RecordUsage(context.Background(), 1))

	_, found, err := h.cache.Get(context.Background(), localcache.KeyOverrideSession)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecordUsageStaleVersionIsSilent(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)
	_, err := h.remote.SQLiteStore.UpsertUsage(context.Background(), remotestore.UsageUpdate{
		IdentityID:      "u-1",
		PeriodCount:     9,
		TotalCount:      9,
		PeriodStartedAt: entitlements.MonthStartUTC(testNow),
		Version:         testNow.Add(time.Hour).UnixNano(),
		UpdatedAt:       testNow,
	})
	require.NoError(t, err)

	a := h.p.RecordUsage(context.Background(), 1)
	assert.Equal(t, OutcomeSuperseded, waitOutcome(t, a))
	assert.Empty(t, h.sink.All())
}

func TestUpgradePlanRejectsUnknownInput(t *testing.T) {
	h := newHarness(t, realUser(), plans.Starter)
	before := h.store.Get()

	a := h.p.UpgradePlan(context.Background(), "platinum", plans.Monthly)
	assert.Equal(t, OutcomeFailed, a.Outcome())
	assert.ErrorIs(t, a.Err(), plans.ErrUnknownPlan)

	b := h.p.UpgradePlan(context.Background(), "pro", plans.BillingCycle("weekly"))
	assert.Equal(t, OutcomeFailed, b.Outcome())

	assert.Equal(t, before, h.store.Get())
	errs := h.sink.BySeverity(notifications.SeverityError)
	require.Len(t, errs, 2)
	assert.True(t, strings.Contains(errs[0].Message, "platinum"))
	assert.Zero(t, h.remote.planCalls.Load())
}

func TestUpgradePlanRecoversFromPanic(t *testing.T) {
	p := NewPipeline(Config{})
	var a *Attempt
	require.NotPanics(t, func() {
		a = p.UpgradePlan(context.Background(), "pro", plans.Monthly)
	})
	assert.Equal(t, OutcomeFailed, a.Outcome())
	assert.Error(t, a.Err())

	require.NotPanics(t, func() {
		a = p.RecordUsage(context.Background(), 1)
	})
	assert.Equal(t, OutcomeFailed, a.Outcome())
}

func TestUpgradePlanWithoutRemoteStore(t *testing.T) {
	store := entitlements.NewStore(entitlements.NewRecord(realUser(), plans.Free, plans.Monthly, testNow))
	sink := &notifications.Recorder{}
	p := NewPipeline(Config{Store: store, Cache: localcache.NewMemoryCache(), Sink: sink})

	a := p.UpgradePlan(context.Background(), "pro", plans.Monthly)
	assert.Equal(t, OutcomeFailed, a.Outcome())
	assert.Equal(t, plans.Pro, store.Get().Plan)
	require.Len(t, sink.BySeverity(notifications.SeverityWarning), 1)
}

func TestRecordUsageReconcilesCounters(t *testing.T) {
	h := newHarness(t, realUser(), plans.Free)

	var last *Attempt
	for i := 0; i < 3; i++ {
		last = h.p.RecordUsage(context.Background(), 1)
	}
	rec := h.store.Get()
	assert.Equal(t, 3, rec.Usage.CurrentPeriodCount)
	assert.Equal(t, 3, rec.Usage.TotalCount)

	waitOutcome(t, last)
	h.p.Wait()

	row, found, err := h.remote.Get(context.Background(), "u-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, row.PeriodCount)
	assert.Equal(t, 3, row.TotalCount)
	assert.Empty(t, h.sink.All(), "usage reconciliation is silent")
}

func TestRecordUsageRollsOverMonth(t *testing.T) {
	h := newHarness(t, identity.Anonymous(), plans.Free)
	h.store.Set(entitlements.UsagePatch(entitlements.Usage{
		CurrentPeriodCount: 20,
		TotalCount:         45,
		PeriodStartedAt:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}))

	a := h.p.RecordUsage(context.Background(), 2)
	assert.Equal(t, OutcomeLocalOnly, a.Outcome())

	u := h.store.Get().Usage
	assert.Equal(t, 2, u.CurrentPeriodCount)
	assert.Equal(t, 47, u.TotalCount)
	assert.Equal(t, entitlements.MonthStartUTC(testNow), u.PeriodStartedAt)
}

func TestRecordUsageFailureIsSilent(t *testing.T) {
	h := newHarness(t, realUser(), plans.Pro)
	h.remote.usageErr = errors.New("connection reset")

	a := h.p.RecordUsage(context.Background(), 5)
	assert.Equal(t, OutcomeFailed, waitOutcome(t, a))
	assert.Equal(t, 5, h.store.Get().Usage.CurrentPeriodCount)
	assert.Empty(t, h.sink.All())
}
