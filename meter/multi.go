package meter

import "github.com/ineyio/quotaguard"

// MultiMeter fans events out to several meters in order.
type MultiMeter []quotaguard.Meter

var _ quotaguard.Meter = MultiMeter(nil)

// Multi combines meters, skipping nil ones.
func Multi(meters ...quotaguard.Meter) MultiMeter {
	out := make(MultiMeter, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm MultiMeter) OnCheck(e quotaguard.CheckEvent) {
	for _, m := range mm {
		m.OnCheck(e)
	}
}

func (mm MultiMeter) OnRecord(e quotaguard.RecordEvent) {
	for _, m := range mm {
		m.OnRecord(e)
	}
}

func (mm MultiMeter) OnSweep(e quotaguard.SweepEvent) {
	for _, m := range mm {
		m.OnSweep(e)
	}
}
