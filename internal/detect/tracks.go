package detect

import (
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/signal.control/internal/intersection"
)

const (
	// DefaultMatchRadius is how far, in pixels, a centroid may move between
	// frames and still be matched to the same vehicle.
	DefaultMatchRadius = 50.0
	// DefaultForgetAfter drops vehicles that have not been seen for this long.
	DefaultForgetAfter = 5 * time.Second
)

// Vehicle is a detection followed across frames.
type Vehicle struct {
	ID       int                    `json:"id"`
	Lane     string                 `json:"lane,omitempty"`
	Position orb.Point              `json:"position"`
	Heading  intersection.Direction `json:"heading"`
	Moving   bool                   `json:"moving"`
	SeenAt   time.Time              `json:"seen_at"`
}

// Tracks keeps a short memory of recently seen vehicles so headings can be
// inferred from consecutive centroids. It is safe for concurrent use.
type Tracks struct {
	mu          sync.Mutex
	radius      float64
	forgetAfter time.Duration
	nextID      int
	vehicles    map[int]*Vehicle
}

// NewTracks returns an empty track memory. Non-positive arguments select the
// defaults.
func NewTracks(radius float64, forgetAfter time.Duration) *Tracks {
	if radius <= 0 {
		radius = DefaultMatchRadius
	}
	if forgetAfter <= 0 {
		forgetAfter = DefaultForgetAfter
	}
	return &Tracks{
		radius:      radius,
		forgetAfter: forgetAfter,
		nextID:      1,
		vehicles:    make(map[int]*Vehicle),
	}
}

type sighting struct {
	pos  orb.Point
	lane string
}

// Observe matches each sighting to the nearest remembered vehicle within the
// match radius, or starts a new track. A remembered vehicle is matched at most
// once per frame. Vehicles unseen for longer than forgetAfter are dropped.
// The updated vehicles are returned ordered by ID.
func (t *Tracks) Observe(sightings []sighting, at time.Time) []Vehicle {
	t.mu.Lock()
	defer t.mu.Unlock()

	claimed := make(map[int]bool, len(sightings))
	out := make([]Vehicle, 0, len(sightings))
	for _, s := range sightings {
		best, bestDist := 0, t.radius
		for id, v := range t.vehicles {
			if claimed[id] {
				continue
			}
			d := planar.Distance(v.Position, s.pos)
			if d > t.radius {
				continue
			}
			// ties go to the older track so map order never matters
			if best == 0 || d < bestDist || (d == bestDist && id < best) {
				best, bestDist = id, d
			}
		}

		var v *Vehicle
		if best != 0 {
			v = t.vehicles[best]
			if h, moving := InferHeading(v.Position, s.pos, HeadingThreshold); moving {
				v.Heading = h
				v.Moving = true
			} else {
				v.Moving = false
			}
		} else {
			v = &Vehicle{ID: t.nextID}
			t.nextID++
			t.vehicles[v.ID] = v
		}
		v.Position = s.pos
		v.Lane = s.lane
		v.SeenAt = at
		claimed[v.ID] = true
		out = append(out, *v)
	}

	for id, v := range t.vehicles {
		if at.Sub(v.SeenAt) > t.forgetAfter {
			delete(t.vehicles, id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of remembered vehicles.
func (t *Tracks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.vehicles)
}
