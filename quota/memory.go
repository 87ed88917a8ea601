package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/quotaguard"
)

// MemoryStore is an in-process PolicyStore and UsageLedger. It is safe for
// concurrent use within one process; use the redis or postgres stores to
// share quotas between instances.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[quotaguard.Scope]quotaguard.Policy
	usage    map[quotaguard.Scope]map[int64]int64 // scope -> bucket start (unix) -> quantity
}

var (
	_ quotaguard.PolicyStore = (*MemoryStore)(nil)
	_ quotaguard.UsageLedger = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[quotaguard.Scope]quotaguard.Policy),
		usage:    make(map[quotaguard.Scope]map[int64]int64),
	}
}

// GetPolicy returns the policy for scope.
func (s *MemoryStore) GetPolicy(_ context.Context, scope quotaguard.Scope) (quotaguard.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[scope]
	if !ok {
		return quotaguard.Policy{}, quotaguard.ErrPolicyNotFound
	}
	return p.Clone(), nil
}

// SetPolicy creates or replaces the policy for scope.
func (s *MemoryStore) SetPolicy(_ context.Context, scope quotaguard.Scope, p quotaguard.Policy) (quotaguard.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.policies[scope] = p.Clone()
	return p.Clone(), nil
}

// SumInWindow sums the buckets of scope starting within [window.Start(asOf), asOf].
func (s *MemoryStore) SumInWindow(ctx context.Context, scope quotaguard.Scope, window quotaguard.WindowType, asOf time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	from := window.Start(asOf).Unix()
	to := asOf.Unix()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for start, qty := range s.usage[scope] {
		if start >= from && start <= to {
			total += qty
		}
	}
	return total, nil
}

// IncrementBucket adds quantity to a bucket under the store lock.
func (s *MemoryStore) IncrementBucket(ctx context.Context, scope quotaguard.Scope, windowStart time.Time, quantity int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buckets, ok := s.usage[scope]
	if !ok {
		buckets = make(map[int64]int64)
		s.usage[scope] = buckets
	}
	key := windowStart.UTC().Unix()
	buckets[key] += quantity
	return buckets[key], nil
}

// DeleteOlderThan deletes every bucket that ended before cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	threshold := quotaguard.SweepThreshold(cutoff)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for scope, buckets := range s.usage {
		for start := range buckets {
			if time.Unix(start, 0).Before(threshold) {
				delete(buckets, start)
				deleted++
			}
		}
		if len(buckets) == 0 {
			delete(s.usage, scope)
		}
	}
	return deleted, nil
}

// Buckets returns the buckets of scope starting within [floor(since), until].
func (s *MemoryStore) Buckets(ctx context.Context, scope quotaguard.Scope, since, until time.Time) ([]quotaguard.Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from := quotaguard.WindowMinute.Start(since).Unix()
	to := until.Unix()

	s.mu.RLock()
	out := make([]quotaguard.Bucket, 0, len(s.usage[scope]))
	for start, qty := range s.usage[scope] {
		if start >= from && start <= to {
			out = append(out, quotaguard.Bucket{
				Scope:       scope,
				WindowStart: time.Unix(start, 0).UTC(),
				Quantity:    qty,
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}
