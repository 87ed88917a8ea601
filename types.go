package quotaguard

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Unlimited is reported as Remaining/Limit when no limit applies.
const Unlimited int64 = math.MaxInt64

// scopeSeparator joins scope parts into storage keys. It cannot appear in
// ordinary identifiers.
const scopeSeparator = "\x1f"

// Scope identifies what is being rate-limited.
// An empty BusinessUnitID means the scope is tenant-wide.
type Scope struct {
	TenantID       string `yaml:"tenant" json:"tenant_id"`
	OperationKey   string `yaml:"operation" json:"operation_key"`
	BusinessUnitID string `yaml:"business_unit,omitempty" json:"business_unit_id,omitempty"`
}

// NewScope builds a tenant-wide scope, or a business-unit scope when bu is given.
func NewScope(tenantID, operationKey string, bu ...string) Scope {
	s := Scope{TenantID: tenantID, OperationKey: operationKey}
	if len(bu) > 0 {
		s.BusinessUnitID = bu[0]
	}
	return s
}

// Validate checks that the required scope parts are present.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidScope)
	}
	if s.OperationKey == "" {
		return fmt.Errorf("%w: operation key is required", ErrInvalidScope)
	}
	for _, part := range []string{s.TenantID, s.OperationKey, s.BusinessUnitID} {
		if strings.Contains(part, scopeSeparator) {
			return fmt.Errorf("%w: scope part %q contains a separator byte", ErrInvalidScope, part)
		}
	}
	return nil
}

// Key returns a stable storage key for the scope.
func (s Scope) Key() string {
	return s.TenantID + scopeSeparator + s.OperationKey + scopeSeparator + s.BusinessUnitID
}

// TenantWide reports whether the scope has no business unit.
func (s Scope) TenantWide() bool {
	return s.BusinessUnitID == ""
}

func (s Scope) String() string {
	if s.TenantWide() {
		return s.TenantID + "/" + s.OperationKey
	}
	return s.TenantID + "/" + s.OperationKey + "@" + s.BusinessUnitID
}

// Health is the observed health of an operation at check time.
type Health struct {
	P95LatencyMs float64 `json:"p95_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
}

// Decision is the answer to a quota check. A denied decision is a normal
// value, not an error.
type Decision struct {
	ID          string        `json:"id"`
	Scope       Scope         `json:"scope"`
	Allowed     bool          `json:"allowed"`
	Remaining   int64         `json:"remaining"`
	ResetAt     time.Time     `json:"reset_at"`
	Window      WindowType    `json:"window,omitempty"` // binding window, empty without a policy
	Limit       int64         `json:"limit"`
	PolicyFound bool          `json:"policy_found"`
	Usage       []WindowUsage `json:"usage,omitempty"`
}

// RetryAfter returns the wait until ResetAt rounded up to whole seconds,
// suitable for a Retry-After hint. It is zero for allowed decisions.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// Err returns nil for allowed decisions and a *RateLimitError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Decision: d}
}

// Stats is a read-only usage aggregation for a scope.
type Stats struct {
	Scope         Scope        `json:"scope"`
	Since         time.Time    `json:"since"`
	Until         time.Time    `json:"until"`
	Total         int64        `json:"total"`
	BucketsByHour []HourBucket `json:"buckets_by_hour"`
}

// HourBucket is the usage accumulated within one clock hour.
type HourBucket struct {
	Start    time.Time `json:"start"`
	Quantity int64     `json:"quantity"`
}
