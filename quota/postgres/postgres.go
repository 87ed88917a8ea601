// Package postgres provides a PostgreSQL-backed PolicyStore and UsageLedger for quotaguard.
//
// Usage is one row per scope and minute bucket, incremented with a single
// upsert. This makes it safe for multi-instance deployments and provides
// durability across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotaguard"
)

// Store is a PostgreSQL-backed PolicyStore and UsageLedger.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ quotaguard.PolicyStore = (*Store)(nil)
	_ quotaguard.UsageLedger = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotaguard_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotaguard_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) policiesTable() string { return s.tablePrefix + "policies" }
func (s *Store) usageTable() string    { return s.tablePrefix + "usage" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			tenant_id TEXT NOT NULL,
			operation_key TEXT NOT NULL,
			business_unit_id TEXT NOT NULL DEFAULT '',
			limit_per_minute BIGINT CHECK (limit_per_minute >= 0),
			limit_per_hour BIGINT CHECK (limit_per_hour >= 0),
			limit_per_day BIGINT CHECK (limit_per_day >= 0),
			burst_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
			prepaid_credits_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			p95_latency_threshold_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			error_rate_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
			auto_scale_enabled BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, operation_key, business_unit_id)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			tenant_id TEXT NOT NULL,
			operation_key TEXT NOT NULL,
			business_unit_id TEXT NOT NULL DEFAULT '',
			window_start TIMESTAMPTZ NOT NULL,
			quantity BIGINT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
			PRIMARY KEY (tenant_id, operation_key, business_unit_id, window_start)
		);
		CREATE INDEX IF NOT EXISTS %[2]s_window_start_idx ON %[2]s (window_start);
	`, s.policiesTable(), s.usageTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotaguard/postgres: ensure schema: %w", err)
	}
	return nil
}

// GetPolicy returns the policy for scope.
func (s *Store) GetPolicy(ctx context.Context, scope quotaguard.Scope) (quotaguard.Policy, error) {
	var p quotaguard.Policy
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT limit_per_minute, limit_per_hour, limit_per_day,
				burst_multiplier, prepaid_credits_usd,
				p95_latency_threshold_ms, error_rate_threshold, auto_scale_enabled, updated_at
			FROM %s WHERE tenant_id = $1 AND operation_key = $2 AND business_unit_id = $3`,
			s.policiesTable()),
		scope.TenantID, scope.OperationKey, scope.BusinessUnitID,
	).Scan(
		&p.LimitPerMinute, &p.LimitPerHour, &p.LimitPerDay,
		&p.BurstMultiplier, &p.PrepaidCreditsUSD,
		&p.P95LatencyThresholdMs, &p.ErrorRateThreshold, &p.AutoScaleEnabled, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotaguard.Policy{}, quotaguard.ErrPolicyNotFound
	}
	if err != nil {
		return quotaguard.Policy{}, fmt.Errorf("quotaguard/postgres: get policy: %w", err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// SetPolicy creates or replaces the policy for scope (upsert).
func (s *Store) SetPolicy(ctx context.Context, scope quotaguard.Scope, p quotaguard.Policy) (quotaguard.Policy, error) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (tenant_id, operation_key, business_unit_id,
				limit_per_minute, limit_per_hour, limit_per_day,
				burst_multiplier, prepaid_credits_usd,
				p95_latency_threshold_ms, error_rate_threshold, auto_scale_enabled, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (tenant_id, operation_key, business_unit_id) DO UPDATE SET
				limit_per_minute = EXCLUDED.limit_per_minute,
				limit_per_hour = EXCLUDED.limit_per_hour,
				limit_per_day = EXCLUDED.limit_per_day,
				burst_multiplier = EXCLUDED.burst_multiplier,
				prepaid_credits_usd = EXCLUDED.prepaid_credits_usd,
				p95_latency_threshold_ms = EXCLUDED.p95_latency_threshold_ms,
				error_rate_threshold = EXCLUDED.error_rate_threshold,
				auto_scale_enabled = EXCLUDED.auto_scale_enabled,
				updated_at = EXCLUDED.updated_at`,
			s.policiesTable()),
		scope.TenantID, scope.OperationKey, scope.BusinessUnitID,
		p.LimitPerMinute, p.LimitPerHour, p.LimitPerDay,
		p.BurstMultiplier, p.PrepaidCreditsUSD,
		p.P95LatencyThresholdMs, p.ErrorRateThreshold, p.AutoScaleEnabled, p.UpdatedAt,
	)
	if err != nil {
		return quotaguard.Policy{}, fmt.Errorf("quotaguard/postgres: set policy: %w", err)
	}
	return p.Clone(), nil
}

// SumInWindow sums the buckets of scope starting within [window.Start(asOf), asOf].
func (s *Store) SumInWindow(ctx context.Context, scope quotaguard.Scope, window quotaguard.WindowType, asOf time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM %s
			WHERE tenant_id = $1 AND operation_key = $2 AND business_unit_id = $3
				AND window_start >= $4 AND window_start <= $5`,
			s.usageTable()),
		scope.TenantID, scope.OperationKey, scope.BusinessUnitID,
		window.Start(asOf), asOf.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/postgres: sum %s window: %w", window, err)
	}
	return total, nil
}

// IncrementBucket atomically adds quantity to a bucket with a single upsert.
// Concurrent increments serialize on the row lock.
func (s *Store) IncrementBucket(ctx context.Context, scope quotaguard.Scope, windowStart time.Time, quantity int64) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS u (tenant_id, operation_key, business_unit_id, window_start, quantity)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, operation_key, business_unit_id, window_start)
			DO UPDATE SET quantity = u.quantity + EXCLUDED.quantity
			RETURNING quantity`,
			s.usageTable()),
		scope.TenantID, scope.OperationKey, scope.BusinessUnitID,
		windowStart.UTC(), quantity,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/postgres: increment: %w", err)
	}
	return total, nil
}

// DeleteOlderThan deletes every bucket that ended before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE window_start < $1`, s.usageTable()),
		quotaguard.SweepThreshold(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/postgres: delete older than: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Buckets returns the buckets of scope starting within [floor(since), until].
func (s *Store) Buckets(ctx context.Context, scope quotaguard.Scope, since, until time.Time) ([]quotaguard.Bucket, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT window_start, quantity FROM %s
			WHERE tenant_id = $1 AND operation_key = $2 AND business_unit_id = $3
				AND window_start >= $4 AND window_start <= $5
			ORDER BY window_start`,
			s.usageTable()),
		scope.TenantID, scope.OperationKey, scope.BusinessUnitID,
		quotaguard.WindowMinute.Start(since), until.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("quotaguard/postgres: buckets: %w", err)
	}
	defer rows.Close()

	var out []quotaguard.Bucket
	for rows.Next() {
		b := quotaguard.Bucket{Scope: scope}
		if err := rows.Scan(&b.WindowStart, &b.Quantity); err != nil {
			return nil, fmt.Errorf("quotaguard/postgres: scan bucket: %w", err)
		}
		b.WindowStart = b.WindowStart.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaguard/postgres: buckets: %w", err)
	}
	return out, nil
}
