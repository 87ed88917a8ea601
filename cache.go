package quotaguard

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultPolicyCacheTTL is how long a loaded policy (or its absence) is reused.
const DefaultPolicyCacheTTL = 5 * time.Second

// policyCache caches policy lookups per scope for a short TTL. Concurrent
// misses for one scope share a single store read.
type policyCache struct {
	ttl   time.Duration
	now   func() time.Time
	store PolicyStore

	mu      sync.RWMutex
	entries map[Scope]cachedPolicy
	group   singleflight.Group
}

type cachedPolicy struct {
	policy  Policy
	found   bool
	expires time.Time
}

func newPolicyCache(store PolicyStore, ttl time.Duration, now func() time.Time) *policyCache {
	return &policyCache{
		ttl:     ttl,
		now:     now,
		store:   store,
		entries: make(map[Scope]cachedPolicy),
	}
}

// get returns the policy for scope and whether one is configured.
func (c *policyCache) get(ctx context.Context, scope Scope) (Policy, bool, error) {
	if c.ttl <= 0 {
		return c.load(ctx, scope)
	}

	c.mu.RLock()
	e, ok := c.entries[scope]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.policy.Clone(), e.found, nil
	}

	ch := c.group.DoChan(scope.Key(), func() (any, error) {
		p, found, err := c.load(ctx, scope)
		if err != nil {
			return nil, err
		}
		entry := cachedPolicy{policy: p, found: found, expires: c.now().Add(c.ttl)}
		c.mu.Lock()
		c.entries[scope] = entry
		c.mu.Unlock()
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return Policy{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Policy{}, false, res.Err
		}
		entry := res.Val.(cachedPolicy)
		return entry.policy.Clone(), entry.found, nil
	}
}

func (c *policyCache) load(ctx context.Context, scope Scope) (Policy, bool, error) {
	p, err := c.store.GetPolicy(ctx, scope)
	if errors.Is(err, ErrPolicyNotFound) {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, err
	}
	return p, true, nil
}

// put replaces the cached entry after a write through the engine.
func (c *policyCache) put(scope Scope, p Policy) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[scope] = cachedPolicy{policy: p.Clone(), found: true, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// invalidate drops the cached entry for scope.
func (c *policyCache) invalidate(scope Scope) {
	c.mu.Lock()
	delete(c.entries, scope)
	c.mu.Unlock()
}
