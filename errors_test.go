package quotaguard_test

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotaguard"
)

func TestBackendError(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := fmt.Errorf("check: %w", &qg.BackendError{Op: "evaluate", Scope: qg.NewScope("t1", "op", "bu"), Err: cause})

	assert.True(t, qg.IsBackendUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, qg.IsRateLimited(err))
	assert.Contains(t, err.Error(), "evaluate scope=t1/op@bu")

	noScope := &qg.BackendError{Op: "sweep", Err: cause}
	assert.Equal(t, "quotaguard: sweep: backend unavailable: i/o timeout", noScope.Error())
}

func TestPolicyError(t *testing.T) {
	err := qg.Policy{ErrorRateThreshold: -0.1}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, qg.ErrInvalidPolicy)
	assert.Equal(t, "quotaguard: invalid policy: error_rate_threshold: must be within [0, 1]", err.Error())
}

func TestPolicyValidate_NonFinite(t *testing.T) {
	tests := []struct {
		name   string
		policy qg.Policy
		field  string
	}{
		{"nan error rate", qg.Policy{ErrorRateThreshold: math.NaN()}, "error_rate_threshold"},
		{"nan multiplier", qg.Policy{BurstMultiplier: math.NaN()}, "burst_multiplier"},
		{"infinite multiplier", qg.Policy{BurstMultiplier: math.Inf(1)}, "burst_multiplier"},
		{"nan credits", qg.Policy{PrepaidCreditsUSD: math.NaN()}, "prepaid_credits_usd"},
		{"infinite latency threshold", qg.Policy{P95LatencyThresholdMs: math.Inf(1)}, "p95_latency_threshold_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			var pe *qg.PolicyError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
			assert.ErrorIs(t, err, qg.ErrInvalidPolicy)
		})
	}
}

func TestDecision_ErrAndRetryAfter(t *testing.T) {
	now := base.Add(10 * time.Second)

	allowed := qg.Decision{Allowed: true, ResetAt: now.Add(time.Minute)}
	assert.NoError(t, allowed.Err())
	assert.Zero(t, allowed.RetryAfter(now))

	denied := qg.Decision{
		Scope:   qg.NewScope("t1", "op"),
		Window:  qg.WindowMinute,
		Limit:   5,
		ResetAt: now.Add(1200 * time.Millisecond),
	}
	err := denied.Err()
	require.Error(t, err)
	assert.True(t, qg.IsRateLimited(err))
	var rle *qg.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, qg.WindowMinute, rle.Decision.Window)
	assert.Contains(t, err.Error(), "window=minute limit=5")

	assert.Equal(t, 2*time.Second, denied.RetryAfter(now))
	assert.Zero(t, denied.RetryAfter(now.Add(time.Hour)))
}

func TestScope(t *testing.T) {
	tenant := qg.NewScope("t1", "op")
	unit := qg.NewScope("t1", "op", "bu")

	assert.True(t, tenant.TenantWide())
	assert.False(t, unit.TenantWide())
	assert.NotEqual(t, tenant.Key(), unit.Key())
	assert.Equal(t, "t1/op", tenant.String())
	assert.Equal(t, "t1/op@bu", unit.String())

	// Keys stay unambiguous when parts contain ordinary separators.
	assert.NotEqual(t, qg.NewScope("a:b", "c").Key(), qg.NewScope("a", "b:c").Key())

	assert.NoError(t, unit.Validate())
	assert.ErrorIs(t, qg.NewScope("", "op").Validate(), qg.ErrInvalidScope)
	assert.ErrorIs(t, qg.NewScope("t1", "").Validate(), qg.ErrInvalidScope)
	assert.ErrorIs(t, qg.NewScope("t1\x1fx", "op").Validate(), qg.ErrInvalidScope)
}

func TestPolicy_CloneDoesNotAlias(t *testing.T) {
	p := qg.Policy{LimitPerMinute: qg.LimitOf(5)}
	c := p.Clone()
	*c.LimitPerMinute = 99
	assert.Equal(t, int64(5), *p.LimitPerMinute)

	limits := p.Limits()
	assert.Equal(t, map[qg.WindowType]int64{qg.WindowMinute: 5}, limits)
	assert.Equal(t, 1.0, p.Multiplier())
}
