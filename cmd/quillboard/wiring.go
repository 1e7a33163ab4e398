package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcourtman/quillboard/internal/checkout"
	"github.com/rcourtman/quillboard/internal/config"
	"github.com/rcourtman/quillboard/internal/content"
	"github.com/rcourtman/quillboard/internal/entitlements"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/internal/metrics"
	"github.com/rcourtman/quillboard/internal/notifications"
	"github.com/rcourtman/quillboard/internal/reconcile"
	"github.com/rcourtman/quillboard/internal/remoteauth"
	"github.com/rcourtman/quillboard/internal/remotestore"
	"github.com/rcourtman/quillboard/internal/session"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
)

// lockedWriter serialises writes from notification subscribers and
// commands.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// app holds every component of one CLI invocation.
type app struct {
	cfg *config.Config
	out io.Writer

	cache     localcache.Cache
	remote    remotestore.Store
	source    remoteauth.IdentitySource
	store     *entitlements.Store
	gate      *entitlements.Gate
	center    *notifications.Center
	metrics   *metrics.SyncMetrics
	authority *session.Authority
	sessions  *session.Manager
	pipeline  *reconcile.Pipeline
	checkout  *checkout.Flow
	content   *content.Service

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, out: &lockedWriter{w: out}}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	cache, err := openCache(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	a.cache = cache

	remote, err := remotestore.Open(ctx, cfg.RemoteStoreDSN)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.RemoteStoreDriver()).Msg("Remote entitlement store unavailable; running from local state")
	} else {
		a.remote = remote
		a.closers = append(a.closers, remote.Close)
	}

	if cfg.AuthTokenURL != "" {
		pub, err := remoteauth.DecodePublicKey(cfg.SessionPublicKey)
		if err != nil {
			return nil, fmt.Errorf("session public key: %w", err)
		}
		src, err := remoteauth.NewOAuthSource(remoteauth.OAuthConfig{
			TokenURL:     cfg.AuthTokenURL,
			SignUpURL:    cfg.AuthSignUpURL,
			ClientID:     cfg.AuthClientID,
			ClientSecret: cfg.AuthClientSecret,
			Issuer:       cfg.SessionIssuer,
			PublicKey:    pub,
		}, a.cache)
		if err != nil {
			return nil, fmt.Errorf("remote identity source: %w", err)
		}
		a.source = src
	}

	a.metrics = metrics.NewSyncMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace)

	a.center = notifications.NewCenter(cfg.NotificationTTL)
	if cfg.NotifyWebhookURL != "" {
		hook, err := notifications.NewWebhookForwarder(cfg.NotifyWebhookURL, nil)
		if err != nil {
			return nil, fmt.Errorf("notification webhook: %w", err)
		}
		a.center.AddForwarder(hook)
	}
	a.center.Subscribe(func(n notifications.Notification) {
		fmt.Fprintf(a.out, "[%s] %s\n", n.Severity, n.Message)
	})

	a.store = entitlements.NewStore(entitlements.NewRecord(identity.Anonymous(), plans.Free, plans.Monthly, time.Now()))
	a.gate = entitlements.NewGate(a.store)

	allow, err := session.ParseAllowList(cfg.BypassAllowList)
	if err != nil {
		return nil, fmt.Errorf("bypass allow-list: %w", err)
	}
	boot := session.NewBootstrapper(session.BootstrapperConfig{
		Cache:      a.cache,
		Source:     a.source,
		Remote:     a.remote,
		Store:      a.store,
		AdminEmail: cfg.AdminEmail,
		Metrics:    a.metrics,
	})
	a.authority = session.NewAuthority(session.AuthorityConfig{
		AllowList: allow,
		Store:     a.store,
		Cache:     a.cache,
		Source:    a.source,
		Metrics:   a.metrics,
	})
	a.sessions = session.NewManager(boot, a.authority)

	a.pipeline = reconcile.NewPipeline(reconcile.Config{
		Store:    a.store,
		Cache:    a.cache,
		Remote:   a.remote,
		Sink:     a.center,
		Metrics:  a.metrics,
		Deadline: cfg.ReconcileDeadline,
	})

	var payments checkout.PaymentRequester
	if cfg.StripeAPIKey != "" {
		stripeReq, err := checkout.NewStripeRequester(checkout.StripeConfig{
			APIKey:        cfg.StripeAPIKey,
			PaymentMethod: cfg.StripePaymentMethod,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		payments = stripeReq
	}
	a.checkout = checkout.NewFlow(payments, a.pipeline, a.store, a.center)

	history, err := content.OpenSQLiteHistory(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, history.Close)
	a.content = content.NewService(content.TemplateGenerator{}, history, a.pipeline, a.store)

	ready = true
	return a, nil
}

func openCache(ctx context.Context, cfg *config.Config, a *app) (localcache.Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendMemory:
		return localcache.NewMemoryCache(), nil
	case config.CacheBackendRedis:
		rc, err := localcache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		return rc, nil
	default:
		return localcache.NewFileCache(cfg.CachePath(), cfg.CacheSecret)
	}
}

// settle gives in-flight reconciliations, bypass exchanges and notification
// deliveries a shared grace period before the process exits.
func (a *app) settle() {
	grace := a.cfg.SettleGrace
	if grace <= 0 {
		grace = config.DefaultSettleGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.pipeline.Wait()
		a.authority.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Debug().Msg("Exiting with reconciliation still in flight")
		return
	}
	// Reconciliation outcomes emit notifications, so flush after the
	// pipeline is idle.
	if err := a.center.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("Exiting before notification delivery finished")
	}
}

// Close releases every opened resource.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
