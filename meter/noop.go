package meter

import "github.com/ineyio/quotaguard"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotaguard.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnCheck(quotaguard.CheckEvent)   {}
func (m *NoopMeter) OnRecord(quotaguard.RecordEvent) {}
func (m *NoopMeter) OnSweep(quotaguard.SweepEvent)   {}
