package quotaguard

import (
	"context"
	"time"
)

// Guard runs calls under quota. Each call is admitted with CheckAndRecord
// using the operation's observed health, and its latency and outcome are fed
// back into the HealthMonitor so later calls burst only while the operation
// stays healthy.
type Guard struct {
	engine *Engine
	health *HealthMonitor
}

// NewGuard creates a Guard over engine. A nil monitor gets a default one.
func NewGuard(engine *Engine, health *HealthMonitor) *Guard {
	if health == nil {
		health = NewHealthMonitor()
	}
	return &Guard{engine: engine, health: health}
}

// Monitor returns the health monitor fed by Do.
func (g *Guard) Monitor() *HealthMonitor { return g.health }

// Do admits quantity units for scope and, if allowed, runs fn. A denied call
// returns the decision together with a *RateLimitError and fn is not run.
// Errors from fn are returned unchanged and count as failures of the
// operation.
func (g *Guard) Do(ctx context.Context, scope Scope, quantity int64, fn func(context.Context) error) (Decision, error) {
	health := g.health.Signal(scope.OperationKey)

	d, err := g.engine.CheckAndRecord(ctx, scope, health, quantity, time.Time{})
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, d.Err()
	}

	start := time.Now()
	err = fn(ctx)
	g.health.Observe(scope.OperationKey, time.Since(start), err)
	return d, err
}
