// Package localcache provides the durable key/value store that survives
// restarts and shadows the remote entitlement record.
package localcache

import (
	"context"

	"github.com/rcourtman/quillboard/internal/identity"
)

// Well-known keys.
const (
	KeyOverrideSession = identity.OverrideSessionKey
	KeyCachedPlanID    = "cached-plan-id"
	KeyRemoteSession   = "remote-session"
)

// Cache is a string key/value store. Get reports found=false for missing keys
// without an error.
type Cache interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
