// Package remotestore is the authoritative entitlement store shared across
// devices. Writes are version guarded: an update only applies when its
// version is at least the stored one, so a stale completion cannot overwrite
// a newer intent.
package remotestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rcourtman/quillboard/pkg/plans"
)

// ErrNotConfigured is returned by methods on a nil store.
var ErrNotConfigured = errors.New("remote store not configured")

// Row is the stored entitlement record of one identity.
type Row struct {
	IdentityID      string
	Email           string
	Plan            plans.ID
	BillingCycle    plans.BillingCycle
	MonthlyLimit    int
	PlanVersion     int64
	PeriodCount     int
	TotalCount      int
	PeriodStartedAt time.Time
	UsageVersion    int64
	UpdatedAt       time.Time
}

// PlanUpdate carries the plan fields written by an upgrade.
type PlanUpdate struct {
	IdentityID   string
	Email        string
	Plan         plans.ID
	BillingCycle plans.BillingCycle
	MonthlyLimit int
	Version      int64
	UpdatedAt    time.Time
}

// UsageUpdate carries the usage counters written after consumption.
type UsageUpdate struct {
	IdentityID      string
	PeriodCount     int
	TotalCount      int
	PeriodStartedAt time.Time
	Version         int64
	UpdatedAt       time.Time
}

// Store is implemented by every remote backend.
type Store interface {
	// Get returns the row for identityID. A missing row is not an error.
	Get(ctx context.Context, identityID string) (*Row, bool, error)
	// Ensure inserts row when no row exists for its identity and returns
	// whatever is stored afterwards.
	Ensure(ctx context.Context, row Row) (*Row, error)
	// UpsertPlan writes the plan fields and reports whether the version
	// guard let the write through.
	UpsertPlan(ctx context.Context, u PlanUpdate) (bool, error)
	// UpsertUsage writes the usage counters under their own version guard.
	UpsertUsage(ctx context.Context, u UsageUpdate) (bool, error)
	Close() error
}

// Open returns a postgres store for postgres:// DSNs and a sqlite store for
// anything else, which is treated as a file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		pg, err := OpenPostgres(ctx, dsn, "")
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

func validatePlanUpdate(u PlanUpdate) error {
	if strings.TrimSpace(u.IdentityID) == "" {
		return errors.New("identity id is required")
	}
	if !u.Plan.Valid() {
		return plans.ErrUnknownPlan
	}
	return nil
}

func validateUsageUpdate(u UsageUpdate) error {
	if strings.TrimSpace(u.IdentityID) == "" {
		return errors.New("identity id is required")
	}
	if u.PeriodCount < 0 || u.TotalCount < 0 {
		return errors.New("usage counters cannot be negative")
	}
	return nil
}

func normalizeRow(row *Row) {
	if row.Plan == "" {
		row.Plan = plans.Free
	}
	if row.BillingCycle == "" {
		row.BillingCycle = plans.Monthly
	}
	if row.MonthlyLimit == 0 {
		if d, ok := plans.Lookup(row.Plan); ok {
			row.MonthlyLimit = d.MonthlyLimit
		}
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	if row.PeriodStartedAt.IsZero() {
		row.PeriodStartedAt = row.UpdatedAt
	}
}
