//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotaguard"
	quotapg "github.com/ineyio/quotaguard/quota/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/quotaguard_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *quotapg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := quotapg.New(pool, quotapg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %spolicies, %susage", prefix, prefix))
	})
	return s
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestPolicyUpsert(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	scope := quotaguard.NewScope("t1", "create_invoice")

	_, err := store.GetPolicy(ctx, scope)
	if !errors.Is(err, quotaguard.ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}

	_, err = store.SetPolicy(ctx, scope, quotaguard.Policy{
		LimitPerMinute: quotaguard.LimitOf(10),
		LimitPerDay:    quotaguard.LimitOf(1000),
	})
	if err != nil {
		t.Fatalf("set policy: %v", err)
	}

	_, err = store.SetPolicy(ctx, scope, quotaguard.Policy{
		LimitPerHour:       quotaguard.LimitOf(50),
		ErrorRateThreshold: 0.05,
		AutoScaleEnabled:   true,
	})
	if err != nil {
		t.Fatalf("replace policy: %v", err)
	}

	got, err := store.GetPolicy(ctx, scope)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if got.LimitPerMinute != nil || got.LimitPerDay != nil {
		t.Fatalf("expected replaced limits to be cleared, got %+v", got)
	}
	if got.LimitPerHour == nil || *got.LimitPerHour != 50 {
		t.Fatalf("unexpected hour limit: %v", got.LimitPerHour)
	}
	if got.ErrorRateThreshold != 0.05 || !got.AutoScaleEnabled {
		t.Fatalf("unexpected policy: %+v", got)
	}
}

func TestIncrementAndSum(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	scope := quotaguard.NewScope("t1", "op", "bu1")

	n, err := store.IncrementBucket(ctx, scope, base, 3)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected bucket=3, got %d", n)
	}
	n, _ = store.IncrementBucket(ctx, scope, base, 4)
	if n != 7 {
		t.Fatalf("expected bucket=7, got %d", n)
	}
	_, _ = store.IncrementBucket(ctx, scope, base.Add(5*time.Minute), 10)
	_, _ = store.IncrementBucket(ctx, scope, base.Add(-time.Hour), 100)
	// Tenant-wide usage is a separate scope.
	_, _ = store.IncrementBucket(ctx, quotaguard.NewScope("t1", "op"), base, 1000)

	asOf := base.Add(5*time.Minute + 30*time.Second)
	cases := map[quotaguard.WindowType]int64{
		quotaguard.WindowMinute: 10,
		quotaguard.WindowHour:   17,
		quotaguard.WindowDay:    117,
	}
	for w, want := range cases {
		got, err := store.SumInWindow(ctx, scope, w, asOf)
		if err != nil {
			t.Fatalf("sum %s: %v", w, err)
		}
		if got != want {
			t.Fatalf("sum %s: expected %d, got %d", w, want, got)
		}
	}
}

func TestConcurrentIncrements(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	scope := quotaguard.NewScope("t1", "op")

	const k = 40
	var wg sync.WaitGroup
	for range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementBucket(ctx, scope, base, 3); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.SumInWindow(ctx, scope, quotaguard.WindowMinute, base)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if got != 3*k {
		t.Fatalf("expected %d, got %d", 3*k, got)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	scope := quotaguard.NewScope("t1", "op")

	for _, at := range []time.Time{base.Add(-3 * time.Minute), base.Add(-2 * time.Minute), base.Add(-time.Minute), base} {
		if _, err := store.IncrementBucket(ctx, scope, at, 1); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	cutoff := base.Add(-time.Minute)
	deleted, err := store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	deleted, err = store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected idempotent sweep, got %d deleted", deleted)
	}

	buckets, err := store.Buckets(ctx, scope, base.Add(-time.Hour), base)
	if err != nil {
		t.Fatalf("buckets: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 remaining buckets, got %d", len(buckets))
	}
	for i, b := range buckets {
		want := base.Add(time.Duration(i-2) * time.Minute)
		if !b.WindowStart.Equal(want) {
			t.Fatalf("bucket %d: expected start %s, got %s", i, want, b.WindowStart)
		}
	}
}

func TestEngineOverPostgres(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	scope := quotaguard.NewScope("t1", "op")

	engine, err := quotaguard.New(store, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.SetPolicy(ctx, scope, quotaguard.Policy{LimitPerMinute: quotaguard.LimitOf(2)}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	for i := range 2 {
		if err := engine.Record(ctx, scope, 1, base); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	d, err := engine.Check(ctx, scope, quotaguard.Health{}, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if !d.ResetAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected reset at %s, got %s", base.Add(time.Minute), d.ResetAt)
	}
}
