package intersection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/banshee-data/signal.control/internal/metrics"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

var logf = monitoring.Prefixed("scheduler")

// Timing holds the phase contract of a scheduler.
type Timing struct {
	Green       time.Duration
	Yellow      time.Duration
	SwitchDelta int
}

// DefaultTiming matches the field deployment: 5s green, 2s yellow, switch
// when a waiting unit leads the active one by two vehicles.
func DefaultTiming() Timing {
	return Timing{Green: 5 * time.Second, Yellow: 2 * time.Second, SwitchDelta: 2}
}

// Unit is one schedulable group: a single lane or a synchronized pair.
type Unit struct {
	ID    string
	Lanes []string
}

// Transition is emitted for every color change of a unit.
type Transition struct {
	Intersection string
	Unit         string
	Lanes        []string
	Color        Color
	At           time.Time
}

// Emitter receives transitions. Implementations must not block.
type Emitter interface {
	Emit(Transition)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Transition)

func (f EmitterFunc) Emit(t Transition) { f(t) }

// Emitters fans a transition out to several emitters in order.
type Emitters []Emitter

func (es Emitters) Emit(t Transition) {
	for _, e := range es {
		if e != nil {
			e.Emit(t)
		}
	}
}

type unitState struct {
	Unit
	index     int
	color     Color
	since     time.Time
	lastGreen time.Time
}

// UnitStatus is the read-only view of one unit.
type UnitStatus struct {
	ID        string    `json:"id"`
	Lanes     []string  `json:"lanes"`
	Signal    Color     `json:"signal"`
	Since     time.Time `json:"since"`
	LastGreen time.Time `json:"last_green,omitempty"`
}

// Status is the read-only view of a scheduler.
type Status struct {
	ActiveGroup string       `json:"active_group"`
	Signal      Color        `json:"signal"`
	PhaseSince  time.Time    `json:"phase_since"`
	Units       []UnitStatus `json:"units"`
}

// Scheduler runs the phase machine of one intersection. All of its state is
// read and written inside the registry's critical section, so at most one unit
// is GREEN at any instant observable by a registry reader.
type Scheduler struct {
	id         string
	reg        *Registry
	timing     Timing
	clock      timeutil.Clock
	resolution time.Duration
	emit       Emitter

	units  []*unitState
	active int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(c timeutil.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithEmitter sets the transition sink.
func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emit = e }
}

// WithResolution sets how often Run evaluates the phase timers.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.resolution = d
		}
	}
}

// NewScheduler boots a scheduler over units. Every unit starts RED except
// initial (the first unit when empty), which starts GREEN. The boot colors are
// written to the registry and emitted.
func NewScheduler(id string, reg *Registry, units []Unit, initial string, timing Timing, opts ...Option) (*Scheduler, error) {
	if len(units) == 0 {
		return nil, errors.New("scheduler needs at least one unit")
	}
	if timing.Green <= 0 || timing.Yellow <= 0 {
		return nil, fmt.Errorf("green and yellow times must be positive, got %v/%v", timing.Green, timing.Yellow)
	}

	s := &Scheduler{
		id:         id,
		reg:        reg,
		timing:     timing,
		clock:      timeutil.RealClock{},
		resolution: 100 * time.Millisecond,
		emit:       Emitters(nil),
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]string)
	ids := make(map[string]bool, len(units))
	s.active = -1
	for i, u := range units {
		if len(u.Lanes) == 0 {
			return nil, fmt.Errorf("unit %q has no lanes", u.ID)
		}
		if ids[u.ID] {
			return nil, fmt.Errorf("duplicate unit id %q", u.ID)
		}
		ids[u.ID] = true
		// a unit may only be named after a lane it contains
		if reg.Has(u.ID) && !lo.Contains(u.Lanes, u.ID) {
			return nil, fmt.Errorf("unit id %q names a lane outside the unit", u.ID)
		}
		for _, l := range u.Lanes {
			if !reg.Has(l) {
				return nil, fmt.Errorf("unit %q: %w: %s", u.ID, ErrUnknownLane, l)
			}
			if other, ok := seen[l]; ok {
				return nil, fmt.Errorf("lane %q is in units %q and %q", l, other, u.ID)
			}
			seen[l] = u.ID
		}
		if u.ID == initial || (initial != "" && lo.Contains(u.Lanes, initial)) {
			s.active = i
		}
		s.units = append(s.units, &unitState{Unit: u, index: i})
	}
	if s.active < 0 {
		if initial != "" {
			return nil, fmt.Errorf("initial green %q is not a unit or lane", initial)
		}
		s.active = 0
	}

	now := s.clock.Now()
	var out []Transition
	s.reg.Transact(func(tx *Tx) {
		for i, u := range s.units {
			c := Red
			if i == s.active {
				c = Green
			}
			out = append(out, s.set(tx, u, c, now, now))
		}
	})
	s.publish(out)
	return s, nil
}

// ID returns the intersection id.
func (s *Scheduler) ID() string { return s.id }

// Units returns the units in round-robin order.
func (s *Scheduler) Units() []Unit {
	return lo.Map(s.units, func(u *unitState, _ int) Unit { return u.Unit })
}

// Timing returns the phase contract.
func (s *Scheduler) Timing() Timing { return s.timing }

// Tick advances the phase machine to now and returns the transitions it
// emitted. At most one phase step is taken per call.
func (s *Scheduler) Tick(now time.Time) []Transition {
	var out []Transition
	s.reg.Transact(func(tx *Tx) {
		a := s.units[s.active]
		elapsed := now.Sub(a.since)

		switch a.color {
		case Green:
			if elapsed >= s.timing.Green {
				since := s.phaseStart(a.since.Add(s.timing.Green), now)
				out = append(out, s.set(tx, a, Yellow, since, now))
			}
		case Yellow:
			if elapsed >= s.timing.Yellow {
				since := s.phaseStart(a.since.Add(s.timing.Yellow), now)
				next := s.arbitrate(tx)
				a.lastGreen = since
				out = append(out, s.set(tx, a, Red, since, now))
				for _, u := range s.units {
					if u.index != next && u.color != Red {
						out = append(out, s.set(tx, u, Red, since, now))
					}
				}
				s.active = next
				out = append(out, s.set(tx, s.units[next], Green, since, now))
			}
		}
	})
	s.publish(out)
	return out
}

// arbitrate picks the unit to receive GREEN once the active unit clears.
// A RED unit whose count leads the active unit's by at least SwitchDelta wins,
// highest count first, then longest since its last GREEN, then nearest in
// round-robin order. With no such unit the next unit in order is chosen.
func (s *Scheduler) arbitrate(tx *Tx) int {
	n := len(s.units)
	a := s.units[s.active]
	activeCount := unitCount(tx, a.Unit)

	counts := make(map[int]int, n)
	candidates := lo.Filter(s.units, func(u *unitState, _ int) bool {
		if u.index == s.active || u.color != Red {
			return false
		}
		counts[u.index] = unitCount(tx, u.Unit)
		return counts[u.index]-activeCount >= s.timing.SwitchDelta
	})
	if len(candidates) == 0 {
		return (s.active + 1) % n
	}

	distance := func(u *unitState) int { return (u.index - s.active + n) % n }
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if counts[ci.index] != counts[cj.index] {
			return counts[ci.index] > counts[cj.index]
		}
		if !ci.lastGreen.Equal(cj.lastGreen) {
			return ci.lastGreen.Before(cj.lastGreen)
		}
		return distance(ci) < distance(cj)
	})
	winner := candidates[0]
	logf("%s: %s (count %d) preempts round-robin over %s (count %d)",
		s.id, winner.ID, counts[winner.index], a.ID, activeCount)
	return winner.index
}

// phaseStart returns the instant the next phase is timed from: the expired
// phase's deadline, so tick lateness does not stretch every cycle, unless the
// tick is at least a full resolution late. After a stall the next phase starts
// now and keeps its whole duration.
func (s *Scheduler) phaseStart(deadline, now time.Time) time.Time {
	if now.Sub(deadline) >= s.resolution {
		return now
	}
	return deadline
}

// set changes u to c. since times the phase; the emitted command carries
// now.
func (s *Scheduler) set(tx *Tx, u *unitState, c Color, since, now time.Time) Transition {
	u.color = c
	u.since = since
	for _, id := range u.Lanes {
		l := tx.Lane(id)
		l.Signal = c
		l.SignalSince = since
	}
	return Transition{
		Intersection: s.id,
		Unit:         u.ID,
		Lanes:        append([]string(nil), u.Lanes...),
		Color:        c,
		At:           now,
	}
}

func (s *Scheduler) publish(out []Transition) {
	for _, t := range out {
		metrics.SignalTransitions.WithLabelValues(t.Intersection, t.Color.String()).Inc()
		s.emit.Emit(t)
	}
}

func unitCount(tx *Tx, u Unit) int {
	return lo.SumBy(u.Lanes, func(id string) int { return tx.Lane(id).Count })
}

// Status returns a consistent view of the scheduler.
func (s *Scheduler) Status() Status {
	var st Status
	s.reg.View(func(*Tx) { st = s.status() })
	return st
}

// status must be called with the registry locked.
func (s *Scheduler) status() Status {
	a := s.units[s.active]
	st := Status{ActiveGroup: a.ID, Signal: a.color, PhaseSince: a.since}
	for _, u := range s.units {
		st.Units = append(st.Units, UnitStatus{
			ID:        u.ID,
			Lanes:     append([]string(nil), u.Lanes...),
			Signal:    u.color,
			Since:     u.since,
			LastGreen: u.lastGreen,
		})
	}
	return st
}

// Run evaluates the phase timers every resolution until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.resolution)
	defer ticker.Stop()
	logf("%s: running %d units, green=%v yellow=%v delta=%d",
		s.id, len(s.units), s.timing.Green, s.timing.Yellow, s.timing.SwitchDelta)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.Tick(s.clock.Now())
		}
	}
}

// BuildUnits groups lanes into units in configuration order. A paired lane
// contributes its pair at the position of the pair's first member; unnamed
// pairs are identified as "a+b".
func BuildUnits(order []string, pairs []LanePair) ([]Unit, error) {
	pairOf := make(map[string]int)
	for i, p := range pairs {
		if p.A == p.B {
			return nil, fmt.Errorf("pair %q pairs lane %q with itself", p.ID, p.A)
		}
		for _, l := range []string{p.A, p.B} {
			if j, ok := pairOf[l]; ok {
				return nil, fmt.Errorf("lane %q is in pairs %d and %d", l, j, i)
			}
			pairOf[l] = i
		}
	}

	var units []Unit
	emitted := make(map[int]bool)
	for _, id := range order {
		i, paired := pairOf[id]
		if !paired {
			units = append(units, Unit{ID: id, Lanes: []string{id}})
			continue
		}
		if emitted[i] {
			continue
		}
		emitted[i] = true
		p := pairs[i]
		uid := p.ID
		if uid == "" {
			uid = strings.Join([]string{p.A, p.B}, "+")
		}
		units = append(units, Unit{ID: uid, Lanes: []string{p.A, p.B}})
	}
	return units, nil
}
