package meter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaguard"
	"github.com/ineyio/quotaguard/meter"
)

var scope = quotaguard.NewScope("t1", "send_sms")

func TestPrometheusMeter_Decisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPrometheusMeter(reg)

	m.OnCheck(quotaguard.CheckEvent{Scope: scope, Allowed: true, Window: quotaguard.WindowMinute, Duration: time.Millisecond})
	m.OnCheck(quotaguard.CheckEvent{Scope: scope, Allowed: true, Window: quotaguard.WindowMinute})
	m.OnCheck(quotaguard.CheckEvent{Scope: scope, Allowed: false, Window: quotaguard.WindowDay})
	m.OnCheck(quotaguard.CheckEvent{Scope: scope, Error: errors.New("boom")})

	expected := `
# HELP quotaguard_decisions_total Total number of quota decisions
# TYPE quotaguard_decisions_total counter
quotaguard_decisions_total{operation="send_sms",result="allowed",window="minute"} 2
quotaguard_decisions_total{operation="send_sms",result="denied",window="day"} 1
quotaguard_decisions_total{operation="send_sms",result="error",window=""} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "quotaguard_decisions_total"))
	n, err := testutil.GatherAndCount(reg, "quotaguard_check_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPrometheusMeter_RecordAndSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPrometheusMeter(reg)

	m.OnRecord(quotaguard.RecordEvent{Scope: scope, Quantity: 3})
	m.OnRecord(quotaguard.RecordEvent{Scope: scope, Quantity: 4})
	m.OnRecord(quotaguard.RecordEvent{Scope: scope, Quantity: 9, Error: errors.New("down")})
	m.OnSweep(quotaguard.SweepEvent{Deleted: 12})
	m.OnSweep(quotaguard.SweepEvent{Error: errors.New("down")})

	expected := `
# HELP quotaguard_recorded_quantity_total Total quantity recorded in usage buckets
# TYPE quotaguard_recorded_quantity_total counter
quotaguard_recorded_quantity_total{operation="send_sms"} 7
# HELP quotaguard_record_errors_total Total number of failed usage increments
# TYPE quotaguard_record_errors_total counter
quotaguard_record_errors_total{operation="send_sms"} 1
# HELP quotaguard_swept_buckets_total Total number of usage buckets deleted by retention sweeps
# TYPE quotaguard_swept_buckets_total counter
quotaguard_swept_buckets_total 12
# HELP quotaguard_sweep_errors_total Total number of failed retention sweeps
# TYPE quotaguard_sweep_errors_total counter
quotaguard_sweep_errors_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"quotaguard_recorded_quantity_total",
		"quotaguard_record_errors_total",
		"quotaguard_swept_buckets_total",
		"quotaguard_sweep_errors_total",
	))
}

func TestPrometheusMeter_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	meter.NewPrometheusMeter(reg)
	assert.Panics(t, func() { meter.NewPrometheusMeter(reg) })
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLogMeter_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m := meter.NewLogMeter(logger)

	m.OnCheck(quotaguard.CheckEvent{Scope: scope, Allowed: true}) // debug, filtered
	m.OnCheck(quotaguard.CheckEvent{DecisionID: "d-1", Scope: scope, Window: quotaguard.WindowHour})
	m.OnRecord(quotaguard.RecordEvent{Scope: scope, Quantity: 1, Error: errors.New("down")})
	m.OnSweep(quotaguard.SweepEvent{Deleted: 5})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "check", lines[0]["msg"])
	assert.Equal(t, "d-1", lines[0]["decision_id"])
	assert.Equal(t, "t1/send_sms", lines[0]["scope"])
	assert.Equal(t, "hour", lines[0]["window"])
	assert.Equal(t, false, lines[0]["allowed"])

	assert.Equal(t, "WARN", lines[1]["level"])
	assert.Equal(t, "record_error", lines[1]["msg"])

	assert.Equal(t, "sweep", lines[2]["msg"])
	assert.Equal(t, float64(5), lines[2]["deleted"])
}

func TestNewLogMeter_DefaultLogger(t *testing.T) {
	m := meter.NewLogMeter(nil)
	assert.Same(t, slog.Default(), m.Logger)
}

type countingMeter struct{ checks, records, sweeps int }

func (c *countingMeter) OnCheck(quotaguard.CheckEvent)   { c.checks++ }
func (c *countingMeter) OnRecord(quotaguard.RecordEvent) { c.records++ }
func (c *countingMeter) OnSweep(quotaguard.SweepEvent)   { c.sweeps++ }

func TestMulti_FansOut(t *testing.T) {
	a, b := &countingMeter{}, &countingMeter{}
	m := meter.Multi(a, nil, b, &meter.NoopMeter{})
	require.Len(t, m, 3)

	m.OnCheck(quotaguard.CheckEvent{})
	m.OnRecord(quotaguard.RecordEvent{})
	m.OnRecord(quotaguard.RecordEvent{})
	m.OnSweep(quotaguard.SweepEvent{})

	for _, c := range []*countingMeter{a, b} {
		assert.Equal(t, 1, c.checks)
		assert.Equal(t, 2, c.records)
		assert.Equal(t, 1, c.sweeps)
	}
}
