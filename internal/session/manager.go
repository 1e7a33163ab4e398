package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/quillboard/internal/entitlements"
	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/internal/remoteauth"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
)

// Manager runs the sign-in, sign-up and sign-out flows.
type Manager struct {
	boot      *Bootstrapper
	authority *Authority
	source    remoteauth.IdentitySource
	cache     localcache.Cache
	store     *entitlements.Store
	nowFn     func() time.Time
}

func NewManager(boot *Bootstrapper, authority *Authority) *Manager {
	return &Manager{
		boot:      boot,
		authority: authority,
		source:    boot.source,
		cache:     boot.cache,
		store:     boot.store,
		nowFn:     time.Now,
	}
}

// Bootstrap resolves the current identity.
func (m *Manager) Bootstrap(ctx context.Context) Result {
	return m.boot.Bootstrap(ctx)
}

// SignIn tries the bypass allow-list first, then the remote identity source,
// then re-bootstraps.
func (m *Manager) SignIn(ctx context.Context, creds remoteauth.Credentials) (identity.Identity, error) {
	if id := m.authority.TryBypass(ctx, creds); id != nil {
		return *id, nil
	}
	if m.source == nil {
		return identity.Identity{}, fmt.Errorf("sign in: remote identity source %w", syncerrors.ErrNotConfigured)
	}
	if _, err := m.source.SignIn(ctx, creds); err != nil {
		return identity.Identity{}, fmt.Errorf("sign in: %w", err)
	}
	m.clearOverride(ctx)
	return m.boot.Bootstrap(ctx).Identity, nil
}

// SignUp registers with the remote identity source. When that fails a
// device-local identity on the free plan is minted instead.
func (m *Manager) SignUp(ctx context.Context, creds remoteauth.Credentials, displayName string) (identity.Identity, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" || !strings.Contains(email, "@") {
		return identity.Identity{}, fmt.Errorf("sign up: %w", remoteauth.ErrInvalidCredentials)
	}

	if m.source != nil {
		_, err := m.source.SignUp(ctx, creds, displayName)
		if err == nil {
			m.clearOverride(ctx)
			return m.boot.Bootstrap(ctx).Identity, nil
		}
		log.Warn().Err(err).Str("email", email).Msg("Remote sign-up failed; creating a local identity")
	}

	id := identity.EphemeralLocal(email, displayName)
	m.store.Replace(entitlements.NewRecord(id, plans.Free, plans.Monthly, m.nowFn()))

	blob, err := identity.EncodeOverrideSession(identity.NewOverrideSession(id, plans.Free, plans.Monthly))
	if err == nil {
		err = m.cache.Set(ctx, localcache.KeyOverrideSession, blob)
	}
	if err != nil {
		log.Warn().Err(err).Str("identity_id", id.ID).Msg("Failed to persist local identity")
	}
	if err := m.cache.Set(ctx, localcache.KeyCachedPlanID, string(plans.Free)); err != nil {
		log.Warn().Err(err).Str("identity_id", id.ID).Msg("Failed to cache plan id")
	}
	return id, nil
}

// SignOut clears the store, the override session and the remote session.
func (m *Manager) SignOut(ctx context.Context) error {
	var errs []error
	if m.source != nil {
		if err := m.source.SignOut(ctx); err != nil {
			errs = append(errs, fmt.Errorf("remote sign out: %w", err))
		}
	}
	if err := m.cache.Delete(ctx, localcache.KeyOverrideSession); err != nil {
		errs = append(errs, fmt.Errorf("clear override session: %w", err))
	}
	if err := m.cache.Delete(ctx, localcache.KeyRemoteSession); err != nil {
		errs = append(errs, fmt.Errorf("clear remote session: %w", err))
	}

	anon := identity.Anonymous()
	m.store.Replace(entitlements.NewRecord(anon, plans.Free, plans.Monthly, m.nowFn()))
	log.Info().Msg("Signed out")
	return errors.Join(errs...)
}

func (m *Manager) clearOverride(ctx context.Context) {
	if err := m.cache.Delete(ctx, localcache.KeyOverrideSession); err != nil {
		log.Warn().Err(err).Msg("Failed to clear override session")
	}
}
