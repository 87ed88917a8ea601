package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/quotaguard"
)

// PrometheusMeter exports quota events as Prometheus metrics. Labels carry
// the operation key but never the tenant, to keep cardinality bounded.
type PrometheusMeter struct {
	decisions     *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	recorded      *prometheus.CounterVec
	recordErrors  *prometheus.CounterVec
	swept         prometheus.Counter
	sweepErrors   prometheus.Counter
}

var _ quotaguard.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates and registers the quota metrics on reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusMeter{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_decisions_total",
				Help: "Total number of quota decisions",
			},
			[]string{"operation", "result", "window"},
		),
		checkDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotaguard_check_duration_seconds",
				Help:    "Duration of quota checks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		recorded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_recorded_quantity_total",
				Help: "Total quantity recorded in usage buckets",
			},
			[]string{"operation"},
		),
		recordErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_record_errors_total",
				Help: "Total number of failed usage increments",
			},
			[]string{"operation"},
		),
		swept: f.NewCounter(
			prometheus.CounterOpts{
				Name: "quotaguard_swept_buckets_total",
				Help: "Total number of usage buckets deleted by retention sweeps",
			},
		),
		sweepErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "quotaguard_sweep_errors_total",
				Help: "Total number of failed retention sweeps",
			},
		),
	}
}

func (m *PrometheusMeter) OnCheck(e quotaguard.CheckEvent) {
	result := "denied"
	switch {
	case e.Error != nil:
		result = "error"
	case e.Allowed:
		result = "allowed"
	}
	m.decisions.WithLabelValues(e.Scope.OperationKey, result, string(e.Window)).Inc()
	m.checkDuration.WithLabelValues(e.Scope.OperationKey).Observe(e.Duration.Seconds())
}

func (m *PrometheusMeter) OnRecord(e quotaguard.RecordEvent) {
	if e.Error != nil {
		m.recordErrors.WithLabelValues(e.Scope.OperationKey).Inc()
		return
	}
	m.recorded.WithLabelValues(e.Scope.OperationKey).Add(float64(e.Quantity))
}

func (m *PrometheusMeter) OnSweep(e quotaguard.SweepEvent) {
	if e.Error != nil {
		m.sweepErrors.Inc()
	}
	m.swept.Add(float64(e.Deleted))
}
