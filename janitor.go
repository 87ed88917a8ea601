package quotaguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// MinRetention keeps every bucket that can still fall inside a day window.
	MinRetention = 24*time.Hour + BucketWidth

	DefaultRetention     = 48 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Janitor deletes expired usage buckets. It shares no locks with the
// engine; stores make their deletes safe against concurrent increments.
type Janitor struct {
	ledger    UsageLedger
	retention time.Duration
	interval  time.Duration
	meter     Meter
	logger    *slog.Logger
	now       func() time.Time
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorRetention sets how long buckets are kept by Run.
func WithJanitorRetention(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.retention = d }
}

// WithSweepInterval sets how often Run sweeps.
func WithSweepInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.interval = d }
}

// WithJanitorMeter sets the meter that receives sweep events.
func WithJanitorMeter(m Meter) JanitorOption {
	return func(j *Janitor) { j.meter = m }
}

// WithJanitorLogger sets the logger used by Run.
func WithJanitorLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = l }
}

// WithJanitorClock overrides the clock used by Run.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a Janitor over ledger.
func NewJanitor(ledger UsageLedger, opts ...JanitorOption) (*Janitor, error) {
	j := &Janitor{
		ledger:    ledger,
		retention: DefaultRetention,
		interval:  DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(j)
	}

	if j.retention < MinRetention {
		return nil, fmt.Errorf("quotaguard: retention %s is shorter than the minimum %s", j.retention, MinRetention)
	}
	if j.interval <= 0 {
		return nil, fmt.Errorf("quotaguard: sweep interval must be positive")
	}
	if j.meter == nil {
		j.meter = noopMeter{}
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// Retention returns the configured retention.
func (j *Janitor) Retention() time.Duration { return j.retention }

// Sweep deletes every bucket with windowStart+BucketWidth < cutoff and
// returns how many were deleted. Repeating a sweep with the same cutoff
// deletes nothing. The cutoff is taken as given; a cutoff later than
// now - MinRetention deletes usage that live windows still count.
func (j *Janitor) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	cutoff = cutoff.UTC()

	deleted, err := j.ledger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		err = wrapBackend(ctx, "sweep", Scope{}, err)
	}
	j.meter.OnSweep(SweepEvent{
		Cutoff:   cutoff,
		Deleted:  deleted,
		Duration: time.Since(start),
		Error:    err,
	})
	return deleted, err
}

// Run sweeps once immediately and then every interval with
// cutoff = now - retention, until ctx is done. Sweep failures are logged
// and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	cutoff := j.now().UTC().Add(-j.retention)
	deleted, err := j.Sweep(ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			j.logger.Warn("quotaguard: sweep failed", "cutoff", cutoff, "error", err)
		}
		return
	}
	j.logger.Debug("quotaguard: sweep finished", "cutoff", cutoff, "deleted", deleted)
}
