package remotestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/quillboard/pkg/plans"
	_ "modernc.org/sqlite"
)

const privateDirPerm = 0o700

// SQLiteStore keeps entitlement rows in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), privateDirPerm); err != nil {
		return nil, fmt.Errorf("create entitlement store dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close entitlement db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		identity_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL,
		billing_cycle TEXT NOT NULL,
		monthly_limit INTEGER NOT NULL,
		plan_version INTEGER NOT NULL DEFAULT 0,
		period_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		period_started_at INTEGER NOT NULL,
		usage_version INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_email ON entitlements(email);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, identityID string) (*Row, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrNotConfigured
	}
	var (
		row                        Row
		plan, cycle                string
		periodStartedAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_id, email, plan, billing_cycle, monthly_limit, plan_version,
		       period_count, total_count, period_started_at, usage_version, updated_at
		FROM entitlements WHERE identity_id = ?`, identityID).Scan(
		&row.IdentityID, &row.Email, &plan, &cycle, &row.MonthlyLimit, &row.PlanVersion,
		&row.PeriodCount, &row.TotalCount, &periodStartedAt, &row.UsageVersion, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query entitlement: %w", err)
	}
	row.Plan = plans.ID(plan)
	row.BillingCycle = plans.BillingCycle(cycle)
	row.PeriodStartedAt = time.UnixMilli(periodStartedAt).UTC()
	row.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &row, true, nil
}

func (s *SQLiteStore) Ensure(ctx context.Context, row Row) (*Row, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(row.IdentityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	normalizeRow(&row)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (identity_id, email, plan, billing_cycle, monthly_limit, plan_version,
			period_count, total_count, period_started_at, usage_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id) DO NOTHING`,
		row.IdentityID, row.Email, string(row.Plan), string(row.BillingCycle), row.MonthlyLimit, row.PlanVersion,
		row.PeriodCount, row.TotalCount, row.PeriodStartedAt.UnixMilli(), row.UsageVersion, row.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert entitlement: %w", err)
	}
	stored, ok, err := s.Get(ctx, row.IdentityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("entitlement row for %s missing after insert", row.IdentityID)
	}
	return stored, nil
}

func (s *SQLiteStore) UpsertPlan(ctx context.Context, u PlanUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNotConfigured
	}
	if err := validatePlanUpdate(u); err != nil {
		return false, err
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	if u.BillingCycle == "" {
		u.BillingCycle = plans.Monthly
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (identity_id, email, plan, billing_cycle, monthly_limit, plan_version,
			period_started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE entitlements.email END,
			plan = excluded.plan,
			billing_cycle = excluded.billing_cycle,
			monthly_limit = excluded.monthly_limit,
			plan_version = excluded.plan_version,
			updated_at = excluded.updated_at
		WHERE excluded.plan_version >= entitlements.plan_version`,
		u.IdentityID, u.Email, string(u.Plan), string(u.BillingCycle), u.MonthlyLimit, u.Version,
		u.UpdatedAt.UnixMilli(), u.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert entitlement plan: %w", err)
	}
	return rowsChanged(res)
}

func (s *SQLiteStore) UpsertUsage(ctx context.Context, u UsageUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNotConfigured
	}
	if err := validateUsageUpdate(u); err != nil {
		return false, err
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	if u.PeriodStartedAt.IsZero() {
		u.PeriodStartedAt = u.UpdatedAt
	}
	free := plans.MustLookup(plans.Free)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (identity_id, plan, billing_cycle, monthly_limit,
			period_count, total_count, period_started_at, usage_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			period_count = excluded.period_count,
			total_count = excluded.total_count,
			period_started_at = excluded.period_started_at,
			usage_version = excluded.usage_version,
			updated_at = excluded.updated_at
		WHERE excluded.usage_version >= entitlements.usage_version`,
		u.IdentityID, string(free.ID), string(plans.Monthly), free.MonthlyLimit,
		u.PeriodCount, u.TotalCount, u.PeriodStartedAt.UnixMilli(), u.Version, u.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert entitlement usage: %w", err)
	}
	return rowsChanged(res)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read affected rows: %w", err)
	}
	return n > 0, nil
}
