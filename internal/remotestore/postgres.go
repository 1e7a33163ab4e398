package remotestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rcourtman/quillboard/pkg/plans"
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps entitlement rows in PostgreSQL.
type PostgresStore struct {
	pg     *pgxpool.Pool
	schema string
}

// NewPostgresStore wraps an existing pool. The schema defaults to "public".
func NewPostgresStore(pg *pgxpool.Pool, schema string) *PostgresStore {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "public"
	}
	return &PostgresStore{pg: pg, schema: s}
}

// OpenPostgres connects to dsn and makes sure the entitlements table exists.
func OpenPostgres(ctx context.Context, dsn, schema string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect entitlement db: %w", err)
	}
	s := NewPostgresStore(pool, schema)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) table() string { return s.schema + ".entitlements" }

// EnsureSchema creates the entitlements table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pg == nil {
		return ErrNotConfigured
	}
	if !schemaNamePattern.MatchString(s.schema) {
		return fmt.Errorf("invalid schema name %q", s.schema)
	}
	_, err := s.pg.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table()+` (
			identity_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL,
			billing_cycle TEXT NOT NULL,
			monthly_limit INTEGER NOT NULL,
			plan_version BIGINT NOT NULL DEFAULT 0,
			period_count INTEGER NOT NULL DEFAULT 0,
			total_count INTEGER NOT NULL DEFAULT 0,
			period_started_at TIMESTAMPTZ NOT NULL,
			usage_version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, identityID string) (*Row, bool, error) {
	if s == nil || s.pg == nil {
		return nil, false, ErrNotConfigured
	}
	var (
		row         Row
		plan, cycle string
	)
	err := s.pg.QueryRow(ctx, `
		SELECT identity_id, email, plan, billing_cycle, monthly_limit, plan_version,
		       period_count, total_count, period_started_at, usage_version, updated_at
		FROM `+s.table()+` WHERE identity_id = $1`, identityID).Scan(
		&row.IdentityID, &row.Email, &plan, &cycle, &row.MonthlyLimit, &row.PlanVersion,
		&row.PeriodCount, &row.TotalCount, &row.PeriodStartedAt, &row.UsageVersion, &row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query entitlement: %w", err)
	}
	row.Plan = plans.ID(plan)
	row.BillingCycle = plans.BillingCycle(cycle)
	row.PeriodStartedAt = row.PeriodStartedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	return &row, true, nil
}

func (s *PostgresStore) Ensure(ctx context.Context, row Row) (*Row, error) {
	if s == nil || s.pg == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(row.IdentityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	normalizeRow(&row)

	_, err := s.pg.Exec(ctx, `
		INSERT INTO `+s.table()+` (identity_id, email, plan, billing_cycle, monthly_limit, plan_version,
			period_count, total_count, period_started_at, usage_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (identity_id) DO NOTHING`,
		row.IdentityID, row.Email, string(row.Plan), string(row.BillingCycle), row.MonthlyLimit, row.PlanVersion,
		row.PeriodCount, row.TotalCount, row.PeriodStartedAt, row.UsageVersion, row.UpdatedAt,
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

func (s *PostgresStore) UpsertPlan(ctx context.Context, u PlanUpdate) (bool, error) {
	if s == nil || s.pg == nil {
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

	tag, err := s.pg.Exec(ctx, `
		INSERT INTO `+s.table()+` AS e (identity_id, email, plan, billing_cycle, monthly_limit, plan_version,
			period_started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (identity_id) DO UPDATE SET
			email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE e.email END,
			plan = EXCLUDED.plan,
			billing_cycle = EXCLUDED.billing_cycle,
			monthly_limit = EXCLUDED.monthly_limit,
			plan_version = EXCLUDED.plan_version,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.plan_version >= e.plan_version`,
		u.IdentityID, u.Email, string(u.Plan), string(u.BillingCycle), u.MonthlyLimit, u.Version, u.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert entitlement plan: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpsertUsage(ctx context.Context, u UsageUpdate) (bool, error) {
	if s == nil || s.pg == nil {
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

	tag, err := s.pg.Exec(ctx, `
		INSERT INTO `+s.table()+` AS e (identity_id, plan, billing_cycle, monthly_limit,
			period_count, total_count, period_started_at, usage_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity_id) DO UPDATE SET
			period_count = EXCLUDED.period_count,
			total_count = EXCLUDED.total_count,
			period_started_at = EXCLUDED.period_started_at,
			usage_version = EXCLUDED.usage_version,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.usage_version >= e.usage_version`,
		u.IdentityID, string(free.ID), string(plans.Monthly), free.MonthlyLimit,
		u.PeriodCount, u.TotalCount, u.PeriodStartedAt, u.Version, u.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert entitlement usage: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pg == nil {
		return nil
	}
	s.pg.Close()
	return nil
}
