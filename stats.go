package quotaguard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Reporter aggregates stored usage for dashboards and alerts. It only reads.
type Reporter struct {
	policies  PolicyStore
	ledger    UsageLedger
	evaluator *WindowEvaluator
}

// NewReporter creates a Reporter.
func NewReporter(policies PolicyStore, ledger UsageLedger) *Reporter {
	return &Reporter{
		policies:  policies,
		ledger:    ledger,
		evaluator: NewWindowEvaluator(ledger),
	}
}

// UsageSince returns the total usage of scope in [since, now] together with
// per-hour subtotals, oldest hour first.
func (r *Reporter) UsageSince(ctx context.Context, scope Scope, since, now time.Time) (Stats, error) {
	if err := scope.Validate(); err != nil {
		return Stats{}, err
	}
	since, now = since.UTC(), now.UTC()
	if since.After(now) {
		return Stats{}, fmt.Errorf("quotaguard: since %s is after %s", since.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	buckets, err := r.ledger.Buckets(ctx, scope, since, now)
	if err != nil {
		return Stats{}, wrapBackend(ctx, "usage since", scope, err)
	}

	stats := Stats{
		Scope:         scope,
		Since:         since,
		Until:         now,
		BucketsByHour: []HourBucket{},
	}
	byHour := make(map[time.Time]int64)
	for _, b := range buckets {
		stats.Total += b.Quantity
		byHour[WindowHour.Start(b.WindowStart)] += b.Quantity
	}
	for start, qty := range byHour {
		stats.BucketsByHour = append(stats.BucketsByHour, HourBucket{Start: start, Quantity: qty})
	}
	sort.Slice(stats.BucketsByHour, func(i, j int) bool {
		return stats.BucketsByHour[i].Start.Before(stats.BucketsByHour[j].Start)
	})
	return stats, nil
}

// Utilization returns used-vs-limit for each configured window of scope at
// now, using the static limits. It returns ErrPolicyNotFound when the scope
// has no policy.
func (r *Reporter) Utilization(ctx context.Context, scope Scope, now time.Time) ([]WindowUsage, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	policy, err := r.policies.GetPolicy(ctx, scope)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, wrapBackend(ctx, "utilization", scope, err)
	}

	eval, err := r.evaluator.Evaluate(ctx, scope, policy.Limits(), now.UTC())
	if err != nil {
		return nil, wrapBackend(ctx, "utilization", scope, err)
	}
	return eval.Windows, nil
}
