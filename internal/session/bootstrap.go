// Package session resolves who the current user is: bootstrap from the
// local override, the remote session or anonymous, the bypass authority, and
// the sign-in, sign-up and sign-out flows built on them.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/rcourtman/quillboard/internal/entitlements"
	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/internal/metrics"
	"github.com/rcourtman/quillboard/internal/remoteauth"
	"github.com/rcourtman/quillboard/internal/remotestore"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Bootstrap resolution paths.
const (
	PathOverride         = "override"
	PathRemote           = "remote"
	PathRemoteCachedPlan = "remote_cached_plan"
	PathAnonymous        = "anonymous"
)

// Result is the outcome of a bootstrap.
type Result struct {
	Identity identity.Identity
	Record   entitlements.Record
	Path     string
}

// Bootstrapper resolves the active identity in priority order: local
// override, remote session, anonymous. It never fails.
type Bootstrapper struct {
	cache      localcache.Cache
	source     remoteauth.IdentitySource
	remote     remotestore.Store
	store      *entitlements.Store
	adminEmail string
	metrics    *metrics.SyncMetrics
	nowFn      func() time.Time

	group singleflight.Group
}

// BootstrapperConfig wires a Bootstrapper. Source, Remote and Metrics may be
// nil.
type BootstrapperConfig struct {
	Cache      localcache.Cache
	Source     remoteauth.IdentitySource
	Remote     remotestore.Store
	Store      *entitlements.Store
	AdminEmail string
	Metrics    *metrics.SyncMetrics
}

func NewBootstrapper(cfg BootstrapperConfig) *Bootstrapper {
	return &Bootstrapper{
		cache:      cfg.Cache,
		source:     cfg.Source,
		remote:     cfg.Remote,
		store:      cfg.Store,
		adminEmail: strings.ToLower(strings.TrimSpace(cfg.AdminEmail)),
		metrics:    cfg.Metrics,
		nowFn:      time.Now,
	}
}

// Bootstrap resolves the identity and populates the store. Concurrent calls
// share one resolution.
func (b *Bootstrapper) Bootstrap(ctx context.Context) Result {
	v, _, _ := b.group.Do("bootstrap", func() (any, error) {
		res := b.resolve(ctx)
		b.store.Replace(res.Record)
		b.metrics.RecordBootstrap(res.Path)
		log.Info().
			Str("identity_id", res.Identity.ID).
			Str("kind", string(res.Identity.Kind)).
			Str("plan", string(res.Record.Plan)).
			Str("path", res.Path).
			Msg("Session bootstrapped")
		return res, nil
	})
	return v.(Result)
}

func (b *Bootstrapper) resolve(ctx context.Context) Result {
	now := b.nowFn()

	if res, ok := b.fromOverride(ctx, now); ok {
		return res
	}
	if res, ok := b.fromRemote(ctx, now); ok {
		return res
	}

	anon := identity.Anonymous()
	return Result{
		Identity: anon,
		Record:   entitlements.NewRecord(anon, plans.Free, plans.Monthly, now),
		Path:     PathAnonymous,
	}
}

func (b *Bootstrapper) fromOverride(ctx context.Context, now time.Time) (Result, bool) {
	raw, found, err := b.cache.Get(ctx, localcache.KeyOverrideSession)
	if err != nil {
		log.Warn().Err(err).Msg("Unable to read override session; ignoring it")
		return Result{}, false
	}
	if !found || strings.TrimSpace(raw) == "" {
		return Result{}, false
	}
	override, err := identity.DecodeOverrideSession(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed override session")
		return Result{}, false
	}

	plan := override.Plan
	if plan == "" {
		plan = b.cachedPlan(ctx)
	}
	cycle := override.BillingCycle
	if cycle == "" {
		cycle = plans.Monthly
	}

	id := override.Identity()
	record := entitlements.NewRecord(id, plan, cycle, now)
	if override.HasUsage() {
		record.Usage = entitlements.Usage{
			CurrentPeriodCount: override.PeriodCount,
			TotalCount:         override.TotalCount,
			PeriodStartedAt:    override.PeriodStartedAt,
		}.Rollover(now)
	}
	b.writeCachedPlan(ctx, plan)
	return Result{
		Identity: id,
		Record:   record,
		Path:     PathOverride,
	}, true
}

func (b *Bootstrapper) fromRemote(ctx context.Context, now time.Time) (Result, bool) {
	if b.source == nil {
		return Result{}, false
	}
	sess, err := b.source.CurrentSession(ctx)
	if err != nil {
		log.Warn().Err(syncerrors.WrapIdentityError("bootstrap", err)).Msg("Remote session lookup failed; continuing anonymously")
		return Result{}, false
	}
	if sess == nil || sess.IdentityID == "" {
		return Result{}, false
	}

	id := identity.Remote(sess.IdentityID, sess.Email, sess.DisplayName)
	row, err := b.fetchOrCreate(ctx, id, now)
	if err != nil {
		plan := b.cachedPlan(ctx)
		log.Warn().
			Err(err).
			Str("identity_id", id.ID).
			Str("plan", string(plan)).
			Msg("Entitlement fetch failed; using cached plan")
		return Result{
			Identity: id,
			Record:   entitlements.NewRecord(id, plan, plans.Monthly, now),
			Path:     PathRemoteCachedPlan,
		}, true
	}

	record := entitlements.NewRecord(id, row.Plan, row.BillingCycle, now)
	record.MonthlyLimit = row.MonthlyLimit
	record.Usage = entitlements.Usage{
		CurrentPeriodCount: row.PeriodCount,
		TotalCount:         row.TotalCount,
		PeriodStartedAt:    row.PeriodStartedAt,
	}.Rollover(now)
	b.writeCachedPlan(ctx, record.Plan)

	return Result{Identity: id, Record: record, Path: PathRemote}, true
}

func (b *Bootstrapper) fetchOrCreate(ctx context.Context, id identity.Identity, now time.Time) (*remotestore.Row, error) {
	if b.remote == nil {
		return nil, syncerrors.ErrNotConfigured
	}
	row, found, err := b.remote.Get(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	if found {
		if !row.Plan.Valid() {
			row.Plan = plans.Free
			row.MonthlyLimit = plans.MustLookup(plans.Free).MonthlyLimit
		}
		return row, nil
	}

	d := plans.MustLookup(b.defaultPlanFor(id))
	log.Info().Str("identity_id", id.ID).Str("plan", string(d.ID)).Msg("Creating entitlement record on first sight")
	return b.remote.Ensure(ctx, remotestore.Row{
		IdentityID:      id.ID,
		Email:           id.Email,
		Plan:            d.ID,
		BillingCycle:    plans.Monthly,
		MonthlyLimit:    d.MonthlyLimit,
		PeriodStartedAt: entitlements.MonthStartUTC(now),
		UpdatedAt:       now.UTC(),
	})
}

func (b *Bootstrapper) defaultPlanFor(id identity.Identity) plans.ID {
	if b.adminEmail != "" && id.Email == b.adminEmail {
		return plans.Top()
	}
	return plans.Free
}

// cachedPlan returns the shadow plan id, or free.
func (b *Bootstrapper) cachedPlan(ctx context.Context) plans.ID {
	raw, found, err := b.cache.Get(ctx, localcache.KeyCachedPlanID)
	if err != nil || !found {
		return plans.Free
	}
	plan, err := plans.Parse(raw)
	if err != nil {
		log.Warn().Err(syncerrors.WrapMalformedCache(localcache.KeyCachedPlanID, err)).Msg("Ignoring cached plan")
		return plans.Free
	}
	return plan
}

func (b *Bootstrapper) writeCachedPlan(ctx context.Context, plan plans.ID) {
	if err := b.cache.Set(ctx, localcache.KeyCachedPlanID, string(plan)); err != nil {
		log.Warn().Err(err).Str("plan", string(plan)).Msg("Failed to cache plan id")
	}
}
