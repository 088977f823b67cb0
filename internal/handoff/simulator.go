package handoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/signal.control/internal/config"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/metrics"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

var logf = monitoring.Prefixed("handoff")

// Edge moves a fraction of one lane's vehicles to a lane elsewhere in the
// network on every tick.
type Edge struct {
	FromIntersection string
	FromLane         string
	ToIntersection   string
	ToLane           string
	Ratio            float64
}

func (e Edge) String() string {
	return fmt.Sprintf("%s/%s->%s/%s(%.2f)", e.FromIntersection, e.FromLane, e.ToIntersection, e.ToLane, e.Ratio)
}

// EdgesFromConfig converts the configured handoff list, keeping its order.
func EdgesFromConfig(cfg []config.HandoffConfig) []Edge {
	out := make([]Edge, len(cfg))
	for i, h := range cfg {
		out[i] = Edge{
			FromIntersection: h.FromIntersection,
			FromLane:         h.FromLane,
			ToIntersection:   h.ToIntersection,
			ToLane:           h.ToLane,
			Ratio:            h.Ratio,
		}
	}
	return out
}

// Transfer reports what one edge moved in one tick.
type Transfer struct {
	Edge  Edge
	Moved int
	At    time.Time
}

// Simulator applies every edge once per tick.
type Simulator struct {
	edges []Edge
	regs  map[string]*intersection.Registry
	tick  time.Duration
	clock timeutil.Clock
}

// NewSimulator checks every edge against the network. A non-positive tick
// uses one second.
func NewSimulator(n *Network, edges []Edge, tick time.Duration, clock timeutil.Clock) (*Simulator, error) {
	if tick <= 0 {
		tick = time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Simulator{
		edges: append([]Edge(nil), edges...),
		regs:  make(map[string]*intersection.Registry),
		tick:  tick,
		clock: clock,
	}
	for _, e := range edges {
		if e.Ratio <= 0 || e.Ratio > 1 {
			return nil, fmt.Errorf("edge %s: ratio must be in (0,1]", e)
		}
		for _, end := range [][2]string{{e.FromIntersection, e.FromLane}, {e.ToIntersection, e.ToLane}} {
			in, ok := n.Get(end[0])
			if !ok {
				return nil, fmt.Errorf("edge %s: unknown intersection %q", e, end[0])
			}
			if !in.Registry.Has(end[1]) {
				return nil, fmt.Errorf("edge %s: %w: %s", e, intersection.ErrUnknownLane, end[1])
			}
			s.regs[end[0]] = in.Registry
		}
	}
	return s, nil
}

// Edges returns the edges in processing order.
func (s *Simulator) Edges() []Edge { return append([]Edge(nil), s.edges...) }

type laneKey struct{ intersection, lane string }

// Tick applies one handoff step at now. Every involved registry is locked for
// the whole step. Transfers are computed from the counts at the start of the
// tick, so a lane that receives vehicles only passes them on in the next
// tick. When a source has several outgoing edges the later ones are capped so
// the source never gives away more than it started with.
func (s *Simulator) Tick(now time.Time) []Transfer {
	if len(s.edges) == 0 {
		return nil
	}
	out := make([]Transfer, 0, len(s.edges))
	intersection.TransactAll(s.regs, func(txs map[string]*intersection.Tx) {
		snapshot := make(map[laneKey]int)
		for _, e := range s.edges {
			k := laneKey{e.FromIntersection, e.FromLane}
			if _, ok := snapshot[k]; !ok {
				snapshot[k] = txs[e.FromIntersection].Lane(e.FromLane).Count
			}
		}
		budget := make(map[laneKey]int, len(snapshot))
		for k, v := range snapshot {
			budget[k] = v
		}

		for _, e := range s.edges {
			k := laneKey{e.FromIntersection, e.FromLane}
			moved := share(snapshot[k], e.Ratio)
			if moved > budget[k] {
				moved = budget[k]
			}
			budget[k] -= moved

			src := txs[e.FromIntersection].Lane(e.FromLane)
			dst := txs[e.ToIntersection].Lane(e.ToLane)
			src.Count = max(0, src.Count-moved)
			if moved > 0 {
				dst.Count += moved
				dst.Occupied = true
				if now.After(dst.LastSeenAt) {
					dst.LastSeenAt = now
				}
			}
			out = append(out, Transfer{Edge: e, Moved: moved, At: now})
		}
	})

	for _, t := range out {
		if t.Moved > 0 {
			metrics.HandoffVehicles.WithLabelValues(t.Edge.FromIntersection, t.Edge.ToIntersection).Add(float64(t.Moved))
		}
	}
	return out
}

// share returns floor(count*ratio). Products such as 100*0.29 land a hair
// below the integer in float64, so the epsilon keeps them whole.
func share(count int, ratio float64) int {
	return int(math.Floor(float64(count)*ratio + 1e-9))
}

// Run ticks every period until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if len(s.edges) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()
	logf("simulating %d edges every %v", len(s.edges), s.tick)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				logf("stopped")
			}
			return ctx.Err()
		case <-ticker.C():
			s.Tick(s.clock.Now())
		}
	}
}
