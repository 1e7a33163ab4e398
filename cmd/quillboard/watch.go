package main

import (
	"context"
	"fmt"

	"github.com/rcourtman/quillboard/internal/entitlements"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
)

// runWatch prints every entitlement change until ctx ends. With the file
// cache backend, sessions written by other quillboard processes (signin,
// signout, upgrade) are picked up and the identity is resolved again.
func runWatch(ctx context.Context, a *app) error {
	unsubscribe := a.store.Subscribe(func(rec entitlements.Record) {
		fmt.Fprintf(a.out, "%s: %s, %d used\n", rec.Identity, plans.Label(rec.Plan, rec.BillingCycle), rec.Usage.CurrentPeriodCount)
	})
	defer unsubscribe()

	if fc, ok := a.cache.(*localcache.FileCache); ok {
		stop, err := fc.Watch(ctx, localcache.DefaultWatchDebounce, func() {
			log.Info().Str("path", fc.Path()).Msg("Local session changed; resolving identity again")
			a.sessions.Bootstrap(ctx)
		})
		if err != nil {
			return err
		}
		defer stop()
	}

	a.sessions.Bootstrap(ctx)
	a.center.Run(ctx)
	return nil
}
