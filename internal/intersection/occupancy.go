package intersection

import (
	"context"
	"time"

	"github.com/banshee-data/signal.control/internal/timeutil"
)

// DefaultEmptyTimeout is how long a lane stays occupied after its last
// non-zero observation.
const DefaultEmptyTimeout = 1500 * time.Millisecond

// Tracker converts per-frame lane counts into a debounced occupied signal.
type Tracker struct {
	reg     *Registry
	timeout time.Duration
}

// NewTracker returns a tracker writing into reg. A non-positive timeout uses
// DefaultEmptyTimeout.
func NewTracker(reg *Registry, emptyTimeout time.Duration) *Tracker {
	if emptyTimeout <= 0 {
		emptyTimeout = DefaultEmptyTimeout
	}
	return &Tracker{reg: reg, timeout: emptyTimeout}
}

// EmptyTimeout returns the decay period.
func (t *Tracker) EmptyTimeout() time.Duration { return t.timeout }

// Update records one detection cycle for a lane. Negative counts are clamped
// to zero. The only error is ErrUnknownLane.
func (t *Tracker) Update(laneID string, observed int, at time.Time) error {
	return t.reg.Update(laneID, func(l *Lane) {
		observe(l, observed, at, t.timeout)
	})
}

// Sweep decays occupancy on idle lanes that have stopped receiving frames.
// It applies the same rule as a zero-count Update without touching counts.
func (t *Tracker) Sweep(now time.Time) {
	t.reg.Transact(func(tx *Tx) {
		tx.Each(func(l *Lane) {
			if l.Count == 0 {
				decay(l, now, t.timeout)
			}
		})
	})
}

// Run sweeps every interval until ctx is done, so lanes whose detector went
// silent still clear.
func (t *Tracker) Run(ctx context.Context, clock timeutil.Clock, every time.Duration) error {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			t.Sweep(clock.Now())
		}
	}
}

func observe(l *Lane, observed int, at time.Time, timeout time.Duration) {
	if observed < 0 {
		observed = 0
	}
	l.Count = observed
	if observed > 0 {
		l.Occupied = true
		if at.After(l.LastSeenAt) {
			l.LastSeenAt = at
		}
		return
	}
	decay(l, at, timeout)
}

func decay(l *Lane, now time.Time, timeout time.Duration) {
	if l.Occupied && now.Sub(l.LastSeenAt) >= timeout {
		l.Occupied = false
	}
}
