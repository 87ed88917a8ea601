package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/meter"
	"github.com/ineyio/quotaguard/quota"
	quotapg "github.com/ineyio/quotaguard/quota/postgres"
	quotaredis "github.com/ineyio/quotaguard/quota/redis"
)

// backend bundles the stores selected by the config with an engine over them.
type backend struct {
	cfg      quotaguard.Config
	policies quotaguard.PolicyStore
	ledger   quotaguard.UsageLedger
	engine   *quotaguard.Engine
	close    func()
}

func loadConfig(path string) (quotaguard.Config, error) {
	if path == "" {
		return quotaguard.ParseConfig(nil)
	}
	return quotaguard.LoadConfig(path)
}

// openBackend connects to the configured backend. The memory backend lives
// only for this process, so it is seeded from the config right away.
func openBackend(ctx context.Context, cfg quotaguard.Config, m quotaguard.Meter) (*backend, error) {
	b := &backend{cfg: cfg, close: func() {}}

	switch cfg.Backend {
	case quotaguard.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		var opts []quotaredis.Option
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, quotaredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		store := quotaredis.New(client, opts...)
		b.policies, b.ledger = store, store
		b.close = func() { client.Close() }

	case quotaguard.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []quotapg.Option
		if cfg.Postgres.TablePrefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(cfg.Postgres.TablePrefix))
		}
		store := quotapg.New(pool, opts...)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		b.policies, b.ledger = store, store
		b.close = pool.Close

	default:
		store := quota.NewMemoryStore()
		b.policies, b.ledger = store, store
	}

	if m == nil {
		m = meter.NewLogMeter(slog.Default())
	}
	opts := append(cfg.EngineOptions(), quotaguard.WithMeter(m))
	engine, err := quotaguard.New(b.policies, b.ledger, opts...)
	if err != nil {
		b.close()
		return nil, err
	}
	b.engine = engine

	if cfg.Backend == quotaguard.BackendMemory {
		if err := b.seed(ctx); err != nil {
			b.close()
			return nil, err
		}
	}

	slog.Debug("backend ready", "backend", cfg.Backend, "policies", len(cfg.Policies))
	return b, nil
}

// seed writes the configured policies through the engine.
func (b *backend) seed(ctx context.Context) error {
	return quotaguard.SeedPolicies(ctx, b.engine, b.cfg.Policies)
}
