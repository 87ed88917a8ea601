// Package redis provides a Redis-backed PolicyStore and UsageLedger for quotaguard.
//
// Each scope's minute buckets live in one hash keyed by bucket start, so
// increments are a single HINCRBY and window sums are one HMGET over the
// window's bucket fields.
// This makes it safe for multi-instance deployments. On Redis Cluster the
// key prefix must contain a hash tag so the scope set and usage hashes share
// a slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaguard"
)

// Store is a Redis-backed PolicyStore and UsageLedger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	scanCount int64
}

var (
	_ quotaguard.PolicyStore = (*Store)(nil)
	_ quotaguard.UsageLedger = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotaguard:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithScanCount sets the SSCAN batch size used by DeleteOlderThan.
func WithScanCount(n int64) Option {
	return func(s *Store) { s.scanCount = n }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotaguard:",
		scanCount: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) policyKey(scope quotaguard.Scope) string {
	return s.keyPrefix + "policy:" + scope.Key()
}

func (s *Store) usageKey(scopeKey string) string {
	return s.keyPrefix + "usage:" + scopeKey
}

func (s *Store) scopesKey() string {
	return s.keyPrefix + "scopes"
}

// sweepScript deletes the hash fields below a bucket start and forgets the
// scope once its hash is empty.
// KEYS[1] = usage hash key
// KEYS[2] = scopes set key
// ARGV[1] = limit (unix seconds, exclusive)
// ARGV[2] = scope member
//
// Returns the number of deleted buckets.
var sweepScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local starts = redis.call("HKEYS", KEYS[1])
local deleted = 0
for _, start in ipairs(starts) do
    if tonumber(start) < limit then
        redis.call("HDEL", KEYS[1], start)
        deleted = deleted + 1
    end
end
if redis.call("HLEN", KEYS[1]) == 0 then
    redis.call("SREM", KEYS[2], ARGV[2])
end
return deleted
`)

// GetPolicy returns the policy for scope.
func (s *Store) GetPolicy(ctx context.Context, scope quotaguard.Scope) (quotaguard.Policy, error) {
	data, err := s.client.Get(ctx, s.policyKey(scope)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return quotaguard.Policy{}, quotaguard.ErrPolicyNotFound
	}
	if err != nil {
		return quotaguard.Policy{}, fmt.Errorf("quotaguard/redis: get policy: %w", err)
	}

	var p quotaguard.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return quotaguard.Policy{}, fmt.Errorf("quotaguard/redis: decode policy: %w", err)
	}
	return p, nil
}

// SetPolicy creates or replaces the policy for scope.
func (s *Store) SetPolicy(ctx context.Context, scope quotaguard.Scope, p quotaguard.Policy) (quotaguard.Policy, error) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return quotaguard.Policy{}, fmt.Errorf("quotaguard/redis: encode policy: %w", err)
	}
	if err := s.client.Set(ctx, s.policyKey(scope), data, 0).Err(); err != nil {
		return quotaguard.Policy{}, fmt.Errorf("quotaguard/redis: set policy: %w", err)
	}
	return p.Clone(), nil
}

// SumInWindow sums the buckets of scope starting within [window.Start(asOf), asOf].
// Only the window's own bucket fields are fetched, so the cost is bounded by
// the window length rather than by retention.
func (s *Store) SumInWindow(ctx context.Context, scope quotaguard.Scope, window quotaguard.WindowType, asOf time.Time) (int64, error) {
	fields := bucketFields(window.Start(asOf), quotaguard.WindowMinute.Start(asOf))

	vals, err := s.client.HMGet(ctx, s.usageKey(scope.Key()), fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("quotaguard/redis: sum %s window: %w", window, err)
	}

	var total int64
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // missing bucket
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("quotaguard/redis: bucket %q quantity: %w", fields[i], err)
		}
		total += n
	}
	return total, nil
}

// bucketFields lists the hash fields of every minute bucket in [from, to].
func bucketFields(from, to time.Time) []string {
	fields := make([]string, 0, int(to.Sub(from)/quotaguard.BucketWidth)+1)
	for t := from; !t.After(to); t = t.Add(quotaguard.BucketWidth) {
		fields = append(fields, strconv.FormatInt(t.Unix(), 10))
	}
	return fields
}

// IncrementBucket atomically adds quantity to a bucket with HINCRBY and
// registers the scope for sweeping in the same transaction.
func (s *Store) IncrementBucket(ctx context.Context, scope quotaguard.Scope, windowStart time.Time, quantity int64) (int64, error) {
	scopeKey := scope.Key()
	field := strconv.FormatInt(windowStart.UTC().Unix(), 10)

	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, s.usageKey(scopeKey), field, quantity)
		pipe.SAdd(ctx, s.scopesKey(), scopeKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("quotaguard/redis: increment: %w", err)
	}
	return incr.Val(), nil
}

// DeleteOlderThan deletes every bucket that ended before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	threshold := quotaguard.SweepThreshold(cutoff)
	limit := threshold.Unix()
	if threshold.Nanosecond() > 0 {
		limit++
	}

	var deleted int64
	iter := s.client.SScan(ctx, s.scopesKey(), 0, "", s.scanCount).Iterator()
	for iter.Next(ctx) {
		member := iter.Val()
		n, err := sweepScript.Run(ctx, s.client,
			[]string{s.usageKey(member), s.scopesKey()},
			limit, member,
		).Int64()
		if err != nil {
			return deleted, fmt.Errorf("quotaguard/redis: sweep: %w", err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("quotaguard/redis: scan scopes: %w", err)
	}
	return deleted, nil
}

// Buckets returns the buckets of scope starting within [floor(since), until].
func (s *Store) Buckets(ctx context.Context, scope quotaguard.Scope, since, until time.Time) ([]quotaguard.Bucket, error) {
	vals, err := s.client.HGetAll(ctx, s.usageKey(scope.Key())).Result()
	if err != nil {
		return nil, fmt.Errorf("quotaguard/redis: buckets: %w", err)
	}

	from := quotaguard.WindowMinute.Start(since).Unix()
	to := until.Unix()

	out := make([]quotaguard.Bucket, 0, len(vals))
	for field, val := range vals {
		start, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quotaguard/redis: bucket field %q: %w", field, err)
		}
		if start < from || start > to {
			continue
		}
		qty, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quotaguard/redis: bucket %q quantity: %w", field, err)
		}
		out = append(out, quotaguard.Bucket{
			Scope:       scope,
			WindowStart: time.Unix(start, 0).UTC(),
			Quantity:    qty,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}
