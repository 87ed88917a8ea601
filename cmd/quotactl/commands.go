package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/ineyio/quotaguard"
)

// errDenied marks a denied check under --fail-on-deny.
var errDenied = errors.New("request denied")

// ScopeFlags selects the scope a command works on.
type ScopeFlags struct {
	Tenant       string `help:"Tenant ID." required:""`
	Operation    string `help:"Operation key." required:""`
	BusinessUnit string `name:"business-unit" help:"Business unit ID (empty = tenant-wide)."`
}

func (f ScopeFlags) scope() quotaguard.Scope {
	return quotaguard.NewScope(f.Tenant, f.Operation, f.BusinessUnit)
}

// open loads the config named by --config and connects to its backend.
func (c *CLI) open(ctx context.Context, m quotaguard.Meter) (*backend, error) {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return nil, err
	}
	return openBackend(ctx, cfg, m)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(out io.Writer) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Fprintf(out, "quotactl version %s\n", version)
	return nil
}

// PolicyCmd groups policy subcommands.
type PolicyCmd struct {
	Set PolicySetCmd `cmd:"" help:"Create or replace the policy for a scope."`
	Get PolicyGetCmd `cmd:"" help:"Show the policy for a scope."`
}

// PolicySetCmd creates or replaces a policy. Negative limits leave the
// window unlimited.
type PolicySetCmd struct {
	Scope ScopeFlags `embed:""`

	PerMinute             int64   `name:"per-minute" help:"Requests per minute (negative = unlimited)." default:"-1"`
	PerHour               int64   `name:"per-hour" help:"Requests per hour (negative = unlimited)." default:"-1"`
	PerDay                int64   `name:"per-day" help:"Requests per day (negative = unlimited)." default:"-1"`
	BurstMultiplier       float64 `name:"burst-multiplier" help:"Cap on the burst ceiling as a multiple of the minute limit." default:"1"`
	PrepaidCreditsUSD     float64 `name:"prepaid-credits-usd" help:"Prepaid credits that raise the burst ceiling."`
	P95LatencyThresholdMs float64 `name:"p95-latency-threshold-ms" help:"Latency above which bursting is disabled. With 0 any reported latency disables bursting."`
	ErrorRateThreshold    float64 `name:"error-rate-threshold" help:"Error rate above which bursting is disabled. With 0 any reported error disables bursting."`
	AutoScale             bool    `name:"auto-scale" help:"Allow bursting above the minute limit while healthy."`
}

func (c *PolicySetCmd) policy() quotaguard.Policy {
	limit := func(v int64) *int64 {
		if v < 0 {
			return nil
		}
		return quotaguard.LimitOf(v)
	}
	return quotaguard.Policy{
		LimitPerMinute:        limit(c.PerMinute),
		LimitPerHour:          limit(c.PerHour),
		LimitPerDay:           limit(c.PerDay),
		BurstMultiplier:       c.BurstMultiplier,
		PrepaidCreditsUSD:     c.PrepaidCreditsUSD,
		P95LatencyThresholdMs: c.P95LatencyThresholdMs,
		ErrorRateThreshold:    c.ErrorRateThreshold,
		AutoScaleEnabled:      c.AutoScale,
	}
}

func (c *PolicySetCmd) Run(cli *CLI, out io.Writer) error {
	ctx := context.Background()
	b, err := cli.open(ctx, nil)
	if err != nil {
		return err
	}
	defer b.close()

	p, err := b.engine.SetPolicy(ctx, c.Scope.scope(), c.policy())
	if err != nil {
		return err
	}
	return writeJSON(out, quotaguard.PolicyConfig{Scope: c.Scope.scope(), Policy: p})
}

// PolicyGetCmd shows a policy.
type PolicyGetCmd struct {
	Scope ScopeFlags `embed:""`
}

func (c *PolicyGetCmd) Run(cli *CLI, out io.Writer) error {
	ctx := context.Background()
	b, err := cli.open(ctx, nil)
	if err != nil {
		return err
	}
	defer b.close()

	p, err := b.engine.GetPolicy(ctx, c.Scope.scope())
	if err != nil {
		return err
	}
	return writeJSON(out, quotaguard.PolicyConfig{Scope: c.Scope.scope(), Policy: p})
}

// SeedCmd writes the configured policies to the backend.
type SeedCmd struct{}

func (c *SeedCmd) Run(cli *CLI, out io.Writer) error {
	ctx := context.Background()
	b, err := cli.open(ctx, nil)
	if err != nil {
		return err
	}
	defer b.close()

	if err := b.seed(ctx); err != nil {
		return err
	}
	return writeJSON(out, map[string]any{"seeded": len(b.cfg.Policies)})
}

// CheckCmd asks whether a request may proceed, optionally recording it.
type CheckCmd struct {
	Scope ScopeFlags `embed:""`

	P95LatencyMs float64   `name:"p95-latency-ms" help:"Observed p95 latency of the operation."`
	ErrorRate    float64   `name:"error-rate" help:"Observed error rate of the operation (0-1)."`
	Quantity     int64     `help:"Record this many units atomically with the check (0 = check only)."`
	At           time.Time `help:"Evaluate as of this RFC3339 time (default now)."`
	FailOnDeny   bool      `name:"fail-on-deny" help:"Exit with status 2 when the request is denied."`
}

type checkOutput struct {
	quotaguard.Decision
	Recorded          int64   `json:"recorded,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

func (c *CheckCmd) Run(cli *CLI, out io.Writer) error {
	if c.Quantity < 0 {
		return fmt.Errorf("quantity must not be negative")
	}

	ctx := context.Background()
	b, err := cli.open(ctx, nil)
	if err != nil {
		return err
	}
	defer b.close()

	now := c.At
	if now.IsZero() {
		now = time.Now()
	}
	health := quotaguard.Health{P95LatencyMs: c.P95LatencyMs, ErrorRate: c.ErrorRate}

	var d quotaguard.Decision
	if c.Quantity > 0 {
		d, err = b.engine.CheckAndRecord(ctx, c.Scope.scope(), health, c.Quantity, now)
	} else {
		d, err = b.engine.Check(ctx, c.Scope.scope(), health, now)
	}
	if err != nil {
		return err
	}

	if err := writeJSON(out, checkOutput{
		Decision:          d,
		Recorded:          c.Quantity,
		RetryAfterSeconds: d.RetryAfter(now).Seconds(),
	}); err != nil {
		return err
	}
	if c.FailOnDeny && !d.Allowed {
		return fmt.Errorf("%w: %w", errDenied, d.Err())
	}
	return nil
}

// RecordCmd records usage without a check.
type RecordCmd struct {
	Scope ScopeFlags `embed:""`

	Quantity int64     `help:"Units to record." default:"1"`
	At       time.Time `help:"Record as of this RFC3339 time (default now)."`
}

func (c *RecordCmd) Run(cli *CLI, out io.Writer) error {
	ctx := context.Background()
	b, err := cli.open(ctx, nil)
	if err != nil {
		return err
	}
	defer b.close()

	now := c.At
	if now.IsZero() {
		now = time.Now()
	}
	if err := b.engine.Record(ctx, c.Scope.scope(), c.Quantity, now); err != nil {
		return err
	}
	return writeJSON(out, map[string]any{
		"scope":       c.Scope.scope(),
		"quantity":    c.Quantity,
		"recorded_at": now.UTC(),
	})
}

// UsageCmd shows aggregated usage and current window utilization.
type UsageCmd struct {
	Scope ScopeFlags `embed:""`

	Since time.Duration `help:"How far back to aggregate." default:"24h"`
	At    time.Time     `help:"Aggregate up to this RFC3339 time (default now)."`
}

type usageOutput struct {
	quotaguard.Stats
	Utilization []quotaguard.WindowUsage `json:"utilization,omitempty"`
}

func (c *UsageCmd) Run(cli *CLI, out io.Writer) error {
	if c.Since <= 0 {
		return fmt.Errorf("since must be positive")
	}

	ctx := context.Background()
	b, err := cli.open(ctx, nil)
	if err != nil {
		return err
	}
	defer b.close()

	now := c.At
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	scope := c.Scope.scope()

	stats, err := b.engine.UsageSince(ctx, scope, now.Add(-c.Since), now)
	if err != nil {
		return err
	}
	util, err := b.engine.Reporter().Utilization(ctx, scope, now)
	if err != nil && !errors.Is(err, quotaguard.ErrPolicyNotFound) {
		return err
	}
	return writeJSON(out, usageOutput{Stats: stats, Utilization: util})
}

// SweepCmd runs a single sweep.
type SweepCmd struct {
	OlderThan time.Duration `name:"older-than" help:"Delete buckets that ended this long ago (default: configured retention)."`
}

func (c *SweepCmd) Run(cli *CLI, out io.Writer) error {
	ctx := context.Background()
	b, err := cli.open(ctx, nil)
	if err != nil {
		return err
	}
	defer b.close()

	olderThan := c.OlderThan
	if olderThan == 0 {
		olderThan = b.cfg.Retention
	}
	if olderThan < quotaguard.MinRetention {
		return fmt.Errorf("older-than %s is shorter than the minimum %s", olderThan, quotaguard.MinRetention)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted, err := b.engine.Sweep(ctx, cutoff)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{"cutoff": cutoff, "deleted": deleted})
}
