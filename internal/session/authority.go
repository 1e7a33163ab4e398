package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/quillboard/internal/entitlements"
	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/internal/metrics"
	"github.com/rcourtman/quillboard/internal/remoteauth"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
)

const defaultExchangeTimeout = 30 * time.Second

// Authority grants the top tier to allow-listed credentials without waiting
// on the remote store.
type Authority struct {
	allow   *AllowList
	store   *entitlements.Store
	cache   localcache.Cache
	source  remoteauth.IdentitySource
	metrics *metrics.SyncMetrics

	exchangeTimeout time.Duration
	nowFn           func() time.Time
	exchanges       sync.WaitGroup
}

// AuthorityConfig wires an Authority. Source and Metrics may be nil.
type AuthorityConfig struct {
	AllowList *AllowList
	Store     *entitlements.Store
	Cache     localcache.Cache
	Source    remoteauth.IdentitySource
	Metrics   *metrics.SyncMetrics
}

func NewAuthority(cfg AuthorityConfig) *Authority {
	return &Authority{
		allow:           cfg.AllowList,
		store:           cfg.Store,
		cache:           cfg.Cache,
		source:          cfg.Source,
		metrics:         cfg.Metrics,
		exchangeTimeout: defaultExchangeTimeout,
		nowFn:           time.Now,
	}
}

// TryBypass returns a bypass identity when creds match the allow-list, and
// nil otherwise. On a match the store and local cache are written before any
// network activity, then a real-session exchange runs in the background and
// its failure is ignored.
func (a *Authority) TryBypass(ctx context.Context, creds remoteauth.Credentials) *identity.Identity {
	if a == nil || !a.allow.Verify(creds.Email, creds.Password) {
		a.recordBypass("denied")
		log.Debug().Err(syncerrors.WrapBypassMiss(creds.Email)).Msg("Bypass allow-list did not match")
		return nil
	}
	a.recordBypass("granted")

	id := identity.Bypass(creds.Email)
	top := plans.Top()
	record := entitlements.NewRecord(id, top, plans.Monthly, a.nowFn())
	record.MonthlyLimit = plans.Unlimited
	a.store.Replace(record)

	if blob, err := identity.EncodeOverrideSession(identity.NewOverrideSession(id, top, plans.Monthly)); err == nil {
		if err := a.cache.Set(ctx, localcache.KeyOverrideSession, blob); err != nil {
			log.Warn().Err(err).Str("identity_id", id.ID).Msg("Failed to persist bypass session")
		}
	}
	if err := a.cache.Set(ctx, localcache.KeyCachedPlanID, string(top)); err != nil {
		log.Warn().Err(err).Str("identity_id", id.ID).Msg("Failed to cache bypass plan")
	}

	log.Info().Str("identity_id", id.ID).Str("plan", string(top)).Msg("Bypass identity granted")

	if a.source != nil {
		a.exchanges.Add(1)
		go a.exchange(creds)
	}
	return &id
}

func (a *Authority) exchange(creds remoteauth.Credentials) {
	defer a.exchanges.Done()
	ctx, cancel := context.WithTimeout(context.Background(), a.exchangeTimeout)
	defer cancel()
	if _, err := a.source.SignIn(ctx, creds); err != nil {
		log.Debug().Err(err).Str("email", strings.ToLower(creds.Email)).Msg("Background session exchange for bypass identity failed")
	}
}

// Wait blocks until background exchanges have finished.
func (a *Authority) Wait() {
	if a == nil {
		return
	}
	a.exchanges.Wait()
}

func (a *Authority) recordBypass(result string) {
	if a == nil {
		return
	}
	a.metrics.RecordBypass(result)
}
