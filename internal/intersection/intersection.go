package intersection

import (
	"fmt"
	"time"

	"github.com/banshee-data/signal.control/internal/timeutil"
)

// Intersection owns one lane registry together with the tracker and scheduler
// that mutate it.
type Intersection struct {
	ID        string
	Registry  *Registry
	Tracker   *Tracker
	Scheduler *Scheduler
	Pairs     []LanePair
}

// Options configures New.
type Options struct {
	Timing       Timing
	EmptyTimeout time.Duration
	Resolution   time.Duration
	Clock        timeutil.Clock
	Emitter      Emitter
}

// New builds an intersection from static lane and pair definitions.
// initialGreen names the unit or lane that boots GREEN; empty selects the
// first unit.
func New(id string, lanes []Lane, pairs []LanePair, initialGreen string, opts Options) (*Intersection, error) {
	reg, err := NewRegistry(lanes)
	if err != nil {
		return nil, fmt.Errorf("intersection %s: %w", id, err)
	}
	for _, p := range pairs {
		if !reg.Has(p.A) || !reg.Has(p.B) {
			return nil, fmt.Errorf("intersection %s: pair %q: %w", id, p.ID, ErrUnknownLane)
		}
	}
	units, err := BuildUnits(reg.IDs(), pairs)
	if err != nil {
		return nil, fmt.Errorf("intersection %s: %w", id, err)
	}

	timing := opts.Timing
	if timing == (Timing{}) {
		timing = DefaultTiming()
	}
	schedOpts := []Option{WithResolution(opts.Resolution)}
	if opts.Clock != nil {
		schedOpts = append(schedOpts, WithClock(opts.Clock))
	}
	if opts.Emitter != nil {
		schedOpts = append(schedOpts, WithEmitter(opts.Emitter))
	}
	sched, err := NewScheduler(id, reg, units, initialGreen, timing, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("intersection %s: %w", id, err)
	}

	return &Intersection{
		ID:        id,
		Registry:  reg,
		Tracker:   NewTracker(reg, opts.EmptyTimeout),
		Scheduler: sched,
		Pairs:     append([]LanePair(nil), pairs...),
	}, nil
}

// Statuses returns the per-lane status snapshot.
func (in *Intersection) Statuses() []LaneStatus {
	return in.Registry.Statuses()
}

// Snapshot is the scheduler state and every lane of one intersection, read
// under a single lock.
type Snapshot struct {
	ID string `json:"id"`
	Status
	Lanes []LaneStatus `json:"lanes"`
}

// Snapshot returns a consistent view for dashboards and status streams.
func (in *Intersection) Snapshot() Snapshot {
	snap := Snapshot{ID: in.ID}
	in.Registry.View(func(tx *Tx) {
		snap.Status = in.Scheduler.status()
		tx.Each(func(l *Lane) { snap.Lanes = append(snap.Lanes, l.Status()) })
	})
	return snap
}
