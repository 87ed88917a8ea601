package quotaguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// committedEvaluateTimeout bounds the evaluation that follows a committed
// increment, which no longer follows the caller's context.
const committedEvaluateTimeout = 5 * time.Second

// Engine decides whether requests for a scope may proceed and records the
// usage of accepted ones.
type Engine struct {
	policies  PolicyStore
	ledger    UsageLedger
	evaluator *WindowEvaluator
	cache     *policyCache
	reporter  *Reporter
	janitor   *Janitor
	meter     Meter
	now       func() time.Time
	cacheTTL  time.Duration
	retention time.Duration
}

var _ PolicyStore = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithPolicyCacheTTL sets how long policies are cached. A TTL of zero or
// less reads the policy store on every check.
func WithPolicyCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// WithClock overrides the clock used when a caller passes a zero time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetention sets the retention of the engine's janitor.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// New creates an Engine over the given stores. A single value implementing
// both interfaces (such as quota.MemoryStore) may be passed twice.
func New(policies PolicyStore, ledger UsageLedger, opts ...Option) (*Engine, error) {
	if policies == nil {
		return nil, fmt.Errorf("quotaguard: policy store is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("quotaguard: usage ledger is required")
	}

	e := &Engine{
		policies:  policies,
		ledger:    ledger,
		cacheTTL:  DefaultPolicyCacheTTL,
		retention: DefaultRetention,
	}

	for _, opt := range opts {
		opt(e)
	}

	// Apply defaults after options.
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	if e.now == nil {
		e.now = time.Now
	}

	janitor, err := NewJanitor(ledger,
		WithJanitorRetention(e.retention),
		WithJanitorMeter(e.meter),
		WithJanitorClock(e.now),
	)
	if err != nil {
		return nil, err
	}

	e.evaluator = NewWindowEvaluator(ledger)
	e.cache = newPolicyCache(policies, e.cacheTTL, e.now)
	e.reporter = NewReporter(policies, ledger)
	e.janitor = janitor
	return e, nil
}

// Janitor returns the engine's retention janitor.
func (e *Engine) Janitor() *Janitor { return e.janitor }

// Reporter returns the engine's stats reporter.
func (e *Engine) Reporter() *Reporter { return e.reporter }

// Check reports whether a request for scope may proceed at now without
// recording anything. A zero now means the engine clock.
//
// Scopes without a policy are allowed with Remaining = Unlimited. Store
// failures return a *BackendError and the caller decides whether to fail
// open or closed.
func (e *Engine) Check(ctx context.Context, scope Scope, health Health, now time.Time) (Decision, error) {
	start := time.Now()
	d, err := e.check(ctx, scope, health, now)
	e.emitCheck(d, scope, health, 0, time.Since(start), err)
	return d, err
}

func (e *Engine) check(ctx context.Context, scope Scope, health Health, now time.Time) (Decision, error) {
	if err := scope.Validate(); err != nil {
		return Decision{}, err
	}
	now = e.resolve(now)

	policy, found, err := e.cache.get(ctx, scope)
	if err != nil {
		return Decision{}, wrapBackend(ctx, "get policy", scope, err)
	}
	if !found {
		return unlimitedDecision(scope, now), nil
	}

	eval, err := e.evaluator.Evaluate(ctx, scope, effectiveLimits(policy, health), now)
	if err != nil {
		return Decision{}, wrapBackend(ctx, "evaluate", scope, err)
	}
	return decide(scope, eval, false, now), nil
}

// Record adds quantity to the current minute bucket of scope.
func (e *Engine) Record(ctx context.Context, scope Scope, quantity int64, now time.Time) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.increment(ctx, scope, quantity, e.resolve(now))
	return err
}

// CheckAndRecord increments usage first and then judges the request against
// the post-increment totals. A request is denied when any window exceeds
// its limit. Denied increments are kept, so retries of a rejected request
// keep counting against the window.
//
// Usage is recorded even when the scope has no policy. A context cancelled
// before the increment records nothing; once the increment has committed the
// evaluation ignores cancellation so the caller always learns the outcome of
// the charged request.
func (e *Engine) CheckAndRecord(ctx context.Context, scope Scope, health Health, quantity int64, now time.Time) (Decision, error) {
	start := time.Now()
	d, recorded, err := e.checkAndRecord(ctx, scope, health, quantity, now)
	var qty int64
	if recorded {
		qty = quantity
	}
	e.emitCheck(d, scope, health, qty, time.Since(start), err)
	return d, err
}

func (e *Engine) checkAndRecord(ctx context.Context, scope Scope, health Health, quantity int64, now time.Time) (Decision, bool, error) {
	if err := scope.Validate(); err != nil {
		return Decision{}, false, err
	}
	if quantity <= 0 {
		return Decision{}, false, ErrInvalidQuantity
	}
	now = e.resolve(now)

	policy, found, err := e.cache.get(ctx, scope)
	if err != nil {
		return Decision{}, false, wrapBackend(ctx, "get policy", scope, err)
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, false, err
	}

	if _, err := e.increment(ctx, scope, quantity, now); err != nil {
		return Decision{}, false, err
	}
	if !found {
		return unlimitedDecision(scope, now), true, nil
	}

	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), committedEvaluateTimeout)
	defer cancel()
	eval, err := e.evaluator.Evaluate(evalCtx, scope, effectiveLimits(policy, health), now)
	if err != nil {
		return Decision{}, true, wrapBackend(evalCtx, "evaluate", scope, err)
	}
	return decide(scope, eval, true, now), true, nil
}

func (e *Engine) increment(ctx context.Context, scope Scope, quantity int64, now time.Time) (int64, error) {
	windowStart := WindowMinute.Start(now)
	total, err := e.ledger.IncrementBucket(ctx, scope, windowStart, quantity)
	if err != nil {
		err = wrapBackend(ctx, "increment", scope, err)
	}
	e.meter.OnRecord(RecordEvent{
		Scope:       scope,
		Quantity:    quantity,
		BucketTotal: total,
		WindowStart: windowStart,
		Error:       err,
	})
	return total, err
}

// SetPolicy validates and stores the policy for scope. The engine's cache
// is refreshed so subsequent checks in this process see it immediately.
func (e *Engine) SetPolicy(ctx context.Context, scope Scope, policy Policy) (Policy, error) {
	if err := scope.Validate(); err != nil {
		return Policy{}, err
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}

	policy = policy.Clone()
	policy.UpdatedAt = e.now().UTC()

	stored, err := e.policies.SetPolicy(ctx, scope, policy)
	if err != nil {
		e.cache.invalidate(scope)
		return Policy{}, wrapBackend(ctx, "set policy", scope, err)
	}
	e.cache.put(scope, stored)
	return stored, nil
}

// GetPolicy reads the policy for scope from the store, bypassing the cache.
// It returns ErrPolicyNotFound when none is configured.
func (e *Engine) GetPolicy(ctx context.Context, scope Scope) (Policy, error) {
	if err := scope.Validate(); err != nil {
		return Policy{}, err
	}
	p, err := e.policies.GetPolicy(ctx, scope)
	if errors.Is(err, ErrPolicyNotFound) {
		return Policy{}, err
	}
	if err != nil {
		return Policy{}, wrapBackend(ctx, "get policy", scope, err)
	}
	return p, nil
}

// UsageSince aggregates the usage of scope between since and now.
func (e *Engine) UsageSince(ctx context.Context, scope Scope, since, now time.Time) (Stats, error) {
	return e.reporter.UsageSince(ctx, scope, since, e.resolve(now))
}

// Sweep deletes every usage bucket that ended before cutoff. The cutoff is
// clamped to now - MinRetention so buckets inside a live window are never
// deleted; use Janitor().Sweep for an unclamped sweep.
func (e *Engine) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	if floor := e.now().UTC().Add(-MinRetention); cutoff.After(floor) {
		cutoff = floor
	}
	return e.janitor.Sweep(ctx, cutoff)
}

func (e *Engine) resolve(now time.Time) time.Time {
	if now.IsZero() {
		return e.now().UTC()
	}
	return now.UTC()
}

func (e *Engine) emitCheck(d Decision, scope Scope, health Health, recorded int64, elapsed time.Duration, err error) {
	e.meter.OnCheck(CheckEvent{
		DecisionID:  d.ID,
		Scope:       scope,
		Allowed:     d.Allowed,
		PolicyFound: d.PolicyFound,
		Remaining:   d.Remaining,
		Window:      d.Window,
		Recorded:    recorded,
		Health:      health,
		Duration:    elapsed,
		Error:       err,
	})
}

// effectiveLimits returns the policy's static limits with the minute limit
// replaced by its burst-adjusted value.
func effectiveLimits(p Policy, h Health) map[WindowType]int64 {
	limits := p.Limits()
	if base, ok := limits[WindowMinute]; ok {
		limits[WindowMinute] = EffectiveLimit(p, base, h)
	}
	return limits
}

func unlimitedDecision(scope Scope, now time.Time) Decision {
	return Decision{
		ID:        uuid.New().String(),
		Scope:     scope,
		Allowed:   true,
		Remaining: Unlimited,
		Limit:     Unlimited,
		ResetAt:   now.Add(time.Second),
	}
}

// decide turns an evaluation into a decision. strict is set when the
// evaluated usage already includes the request being judged.
func decide(scope Scope, eval Evaluation, strict bool, now time.Time) Decision {
	d := Decision{
		ID:          uuid.New().String(),
		Scope:       scope,
		PolicyFound: true,
		Usage:       eval.Windows,
	}

	if u, breached := eval.Breached(strict); breached {
		d.Window = u.Window
		d.Limit = u.Limit
		d.ResetAt = u.ResetAt
		return d
	}

	d.Allowed = true
	d.Remaining = Unlimited
	d.Limit = Unlimited
	d.ResetAt = WindowMinute.End(now)
	if u, ok := eval.Tightest(); ok {
		d.Window = u.Window
		d.Limit = u.Limit
		d.Remaining = u.Remaining()
	}
	return d
}

// wrapBackend turns a store failure into a *BackendError. Cancellation by
// the caller is returned as the context error instead.
func wrapBackend(ctx context.Context, op string, scope Scope, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Scope: scope, Err: err}
}
