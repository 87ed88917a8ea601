package quotaguard

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// Config is the top-level quotaguard configuration.
type Config struct {
	Backend  Backend        `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`

	// PolicyCacheTTL defaults to DefaultPolicyCacheTTL; a negative value
	// disables the cache.
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl"`
	Retention      time.Duration `yaml:"retention"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	Policies []PolicyConfig `yaml:"policies"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// PolicyConfig is a policy declared in the config file.
type PolicyConfig struct {
	Scope  `yaml:",inline"`
	Policy `yaml:",inline"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotaguard: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotaguard: parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.PolicyCacheTTL == 0 {
		c.PolicyCacheTTL = DefaultPolicyCacheTTL
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("quotaguard: config: redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("quotaguard: config: postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("quotaguard: config: unknown backend %q", c.Backend)
	}

	if c.Retention < MinRetention {
		return fmt.Errorf("quotaguard: config: retention %s is shorter than the minimum %s", c.Retention, MinRetention)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("quotaguard: config: sweep_interval must be positive")
	}

	seen := make(map[Scope]bool, len(c.Policies))
	for i, pc := range c.Policies {
		if err := pc.Scope.Validate(); err != nil {
			return fmt.Errorf("quotaguard: config: policies[%d]: %w", i, err)
		}
		if seen[pc.Scope] {
			return fmt.Errorf("quotaguard: config: duplicate policy for scope %s", pc.Scope)
		}
		seen[pc.Scope] = true

		if err := pc.Policy.Validate(); err != nil {
			return fmt.Errorf("quotaguard: config: policies[%d] (%s): %w", i, pc.Scope, err)
		}
	}

	return nil
}

// EngineOptions returns the engine options implied by the config.
func (c Config) EngineOptions() []Option {
	ttl := c.PolicyCacheTTL
	if ttl < 0 {
		ttl = 0
	}
	return []Option{
		WithPolicyCacheTTL(ttl),
		WithRetention(c.Retention),
	}
}

// JanitorOptions returns the janitor options implied by the config.
func (c Config) JanitorOptions() []JanitorOption {
	return []JanitorOption{
		WithJanitorRetention(c.Retention),
		WithSweepInterval(c.SweepInterval),
	}
}

// SeedPolicies writes every configured policy to store. An *Engine may be
// passed to keep its cache in step.
func SeedPolicies(ctx context.Context, store PolicyStore, policies []PolicyConfig) error {
	for i, pc := range policies {
		if err := pc.Policy.Validate(); err != nil {
			return fmt.Errorf("quotaguard: seed policies[%d] (%s): %w", i, pc.Scope, err)
		}
		if _, err := store.SetPolicy(ctx, pc.Scope, pc.Policy); err != nil {
			return fmt.Errorf("quotaguard: seed policies[%d] (%s): %w", i, pc.Scope, err)
		}
	}
	return nil
}
