package quotaguard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotaguard"
)

func guardPolicy() qg.Policy {
	return qg.Policy{
		LimitPerMinute:        qg.LimitOf(2),
		BurstMultiplier:       2,
		PrepaidCreditsUSD:     10,
		P95LatencyThresholdMs: 10_000,
		ErrorRateThreshold:    0.1,
		AutoScaleEnabled:      true,
	}
}

func TestGuard_RunsAllowedCalls(t *testing.T) {
	e, _ := newTestEngine(t)
	scope := qg.NewScope("t1", "send_email")
	setPolicy(t, e, scope, qg.Policy{LimitPerMinute: qg.LimitOf(5)})

	g := qg.NewGuard(e, nil)
	calls := 0
	d, err := g.Do(context.Background(), scope, 1, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)
	assert.Equal(t, 1, calls)
}

func TestGuard_DeniedCallIsNotRun(t *testing.T) {
	e, _ := newTestEngine(t)
	scope := qg.NewScope("t1", "send_email")
	setPolicy(t, e, scope, qg.Policy{LimitPerMinute: qg.LimitOf(1)})

	g := qg.NewGuard(e, nil)
	run := func(context.Context) error { return nil }

	_, err := g.Do(context.Background(), scope, 1, run)
	require.NoError(t, err)

	called := false
	d, err := g.Do(context.Background(), scope, 1, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.False(t, d.Allowed)

	var rl *qg.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, qg.WindowMinute, rl.Decision.Window)
}

func TestGuard_ReturnsCallErrorAndObservesIt(t *testing.T) {
	e, _ := newTestEngine(t)
	scope := qg.NewScope("t1", "send_email")

	g := qg.NewGuard(e, nil)
	boom := errors.New("smtp down")
	_, err := g.Do(context.Background(), scope, 1, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	h := g.Monitor().Signal("send_email")
	assert.Equal(t, 1.0, h.ErrorRate)
}

func TestGuard_FailuresStopBursting(t *testing.T) {
	tests := []struct {
		name        string
		fail        bool
		wantAllowed bool
	}{
		{name: "healthy operation bursts", fail: false, wantAllowed: true},
		{name: "failing operation falls back to base limit", fail: true, wantAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			scope := qg.NewScope("t1", "send_email")
			setPolicy(t, e, scope, guardPolicy())

			g := qg.NewGuard(e, qg.NewHealthMonitor())
			call := func(context.Context) error {
				if tt.fail {
					return errors.New("failed")
				}
				return nil
			}

			for range 2 {
				d, _ := g.Do(context.Background(), scope, 1, call)
				require.True(t, d.Allowed)
			}

			d, _ := g.Do(context.Background(), scope, 1, call)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
		})
	}
}

func TestGuard_InvalidQuantity(t *testing.T) {
	e, _ := newTestEngine(t)
	g := qg.NewGuard(e, nil)

	_, err := g.Do(context.Background(), qg.NewScope("t1", "op"), 0, func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, qg.ErrInvalidQuantity)
}
