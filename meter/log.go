package meter

import (
	"log/slog"

	"github.com/ineyio/quotaguard"
)

// LogMeter logs quota events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotaguard.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

// OnCheck logs allowed decisions at debug level and denials at info.
func (m *LogMeter) OnCheck(e quotaguard.CheckEvent) {
	switch {
	case e.Error != nil:
		m.Logger.Warn("check_error",
			"scope", e.Scope.String(),
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	case e.Allowed:
		m.Logger.Debug("check",
			"decision_id", e.DecisionID,
			"scope", e.Scope.String(),
			"allowed", true,
			"policy_found", e.PolicyFound,
			"remaining", e.Remaining,
			"window", string(e.Window),
			"recorded", e.Recorded,
			"duration_ms", e.Duration.Milliseconds(),
		)
	default:
		m.Logger.Info("check",
			"decision_id", e.DecisionID,
			"scope", e.Scope.String(),
			"allowed", false,
			"window", string(e.Window),
			"recorded", e.Recorded,
			"p95_latency_ms", e.Health.P95LatencyMs,
			"error_rate", e.Health.ErrorRate,
			"duration_ms", e.Duration.Milliseconds(),
		)
	}
}

func (m *LogMeter) OnRecord(e quotaguard.RecordEvent) {
	if e.Error != nil {
		m.Logger.Warn("record_error",
			"scope", e.Scope.String(),
			"quantity", e.Quantity,
			"error", e.Error,
		)
		return
	}
	m.Logger.Debug("record",
		"scope", e.Scope.String(),
		"quantity", e.Quantity,
		"bucket_total", e.BucketTotal,
		"window_start", e.WindowStart,
	)
}

func (m *LogMeter) OnSweep(e quotaguard.SweepEvent) {
	if e.Error != nil {
		m.Logger.Warn("sweep_error",
			"cutoff", e.Cutoff,
			"deleted", e.Deleted,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("sweep",
		"cutoff", e.Cutoff,
		"deleted", e.Deleted,
		"duration_ms", e.Duration.Milliseconds(),
	)
}
