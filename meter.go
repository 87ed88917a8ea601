package quotaguard

import "time"

// Meter observes engine events for monitoring, logging and auditing.
type Meter interface {
	// OnCheck is called after every Check and CheckAndRecord.
	OnCheck(event CheckEvent)

	// OnRecord is called after every Record.
	OnRecord(event RecordEvent)

	// OnSweep is called after every retention sweep.
	OnSweep(event SweepEvent)
}

// CheckEvent describes a quota decision.
type CheckEvent struct {
	DecisionID  string
	Scope       Scope
	Allowed     bool
	PolicyFound bool
	Remaining   int64
	Window      WindowType
	Recorded    int64 // quantity recorded by CheckAndRecord, zero for Check
	Health      Health
	Duration    time.Duration
	Error       error
}

// RecordEvent describes a usage increment.
type RecordEvent struct {
	Scope       Scope
	Quantity    int64
	BucketTotal int64
	WindowStart time.Time
	Error       error
}

// SweepEvent describes a retention sweep.
type SweepEvent struct {
	Cutoff   time.Time
	Deleted  int64
	Duration time.Duration
	Error    error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnCheck(CheckEvent)   {}
func (noopMeter) OnRecord(RecordEvent) {}
func (noopMeter) OnSweep(SweepEvent)   {}
