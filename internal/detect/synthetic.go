package detect

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

// Synthetic drives an Ingest with pseudo-random per-lane counts, standing in
// for a camera when running with -dev.
type Synthetic struct {
	ingest   *Ingest
	lanes    map[string][]string
	order    []string
	interval time.Duration
	maxCount int
	clock    timeutil.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic covers every lane of n. seed makes the sequence repeatable.
func NewSynthetic(ing *Ingest, n *handoff.Network, interval time.Duration, maxCount int, seed uint64, clock timeutil.Clock) *Synthetic {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxCount <= 0 {
		maxCount = 6
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Synthetic{
		ingest:   ing,
		lanes:    make(map[string][]string),
		interval: interval,
		maxCount: maxCount,
		clock:    clock,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for _, in := range n.All() {
		s.order = append(s.order, in.ID)
		s.lanes[in.ID] = in.Registry.IDs()
	}
	return s
}

// Step emits one observation per lane. Roughly a third of the samples are
// zero so lanes regularly go quiet and decay.
func (s *Synthetic) Step(at time.Time) []Observation {
	s.mu.Lock()
	var obs []Observation
	for _, id := range s.order {
		for _, lane := range s.lanes[id] {
			n := 0
			if s.rng.IntN(3) != 0 {
				n = s.rng.IntN(s.maxCount + 1)
			}
			obs = append(obs, Observation{Intersection: id, Lane: lane, Count: n, Timestamp: at})
		}
	}
	s.mu.Unlock()

	for _, o := range obs {
		if err := s.ingest.Observe(o); err != nil {
			logf("synthetic %s/%s: %v", o.Intersection, o.Lane, err)
		}
	}
	return obs
}

// Run steps on every interval until ctx is done.
func (s *Synthetic) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	logf("synthetic feed: %d intersections every %s", len(s.order), s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C():
			s.Step(now)
		}
	}
}
