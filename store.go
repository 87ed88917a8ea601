package quotaguard

import (
	"context"
	"time"
)

// PolicyStore is the durable mapping of scope to quota policy.
type PolicyStore interface {
	// GetPolicy returns ErrPolicyNotFound when the scope has no policy.
	GetPolicy(ctx context.Context, scope Scope) (Policy, error)

	// SetPolicy creates or replaces the policy for a scope and returns the stored value.
	SetPolicy(ctx context.Context, scope Scope, policy Policy) (Policy, error)
}

// UsageLedger stores usage in minute buckets.
//
// Implementations must be safe for concurrent use; IncrementBucket must be
// atomic so that concurrent increments never lose updates.
type UsageLedger interface {
	// SumInWindow returns the total quantity of the buckets that start
	// within [window.Start(asOf), asOf].
	SumInWindow(ctx context.Context, scope Scope, window WindowType, asOf time.Time) (int64, error)

	// IncrementBucket atomically adds quantity to the bucket starting at
	// windowStart and returns the bucket's new quantity.
	IncrementBucket(ctx context.Context, scope Scope, windowStart time.Time, quantity int64) (int64, error)

	// DeleteOlderThan deletes every bucket with windowStart+BucketWidth < cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Buckets returns the buckets of a scope starting within
	// [floor(since), until], oldest first.
	Buckets(ctx context.Context, scope Scope, since, until time.Time) ([]Bucket, error)
}

// Bucket is one stored usage row.
type Bucket struct {
	Scope       Scope     `json:"scope"`
	WindowStart time.Time `json:"window_start"`
	Quantity    int64     `json:"quantity"`
}

// Expired reports whether the bucket ends strictly before cutoff.
func (b Bucket) Expired(cutoff time.Time) bool {
	return b.WindowStart.Add(BucketWidth).Before(cutoff)
}

// SweepThreshold returns the newest windowStart that is still deleted for
// cutoff: a bucket is expired when windowStart < SweepThreshold(cutoff).
func SweepThreshold(cutoff time.Time) time.Time {
	return cutoff.UTC().Add(-BucketWidth)
}
