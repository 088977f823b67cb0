// Package detect turns object-detector output into per-lane vehicle counts
// and feeds them to each intersection's occupancy tracker.
package detect

import (
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"

	"github.com/banshee-data/signal.control/internal/intersection"
)

// VehicleClasses are the detector classes counted as vehicles.
var VehicleClasses = []string{"car", "truck", "bus"}

// IsVehicle reports whether class is one of VehicleClasses.
func IsVehicle(class string) bool {
	class = strings.ToLower(strings.TrimSpace(class))
	for _, c := range VehicleClasses {
		if c == class {
			return true
		}
	}
	return false
}

// Box is one detection in image pixel coordinates.
type Box struct {
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	Class string  `json:"class"`
}

// Centroid is the box center snapped to whole pixels.
func (b Box) Centroid() orb.Point {
	return orb.Point{math.Floor((b.X1 + b.X2) / 2), math.Floor((b.Y1 + b.Y2) / 2)}
}

type laneShape struct {
	id    string
	ring  orb.Ring
	bound orb.Bound
}

// Assigner maps image points to lanes. Lanes are tried in configuration
// order and the first lane whose polygon contains the point, boundary
// included, wins.
type Assigner struct {
	shapes []laneShape
	ids    []string
}

// NewAssigner indexes the polygons of lanes. Lanes without a polygon are
// counted as empty on every frame.
func NewAssigner(lanes []intersection.Lane) (*Assigner, error) {
	a := &Assigner{}
	for _, l := range lanes {
		a.ids = append(a.ids, l.ID)
		if len(l.Polygon) == 0 {
			continue
		}
		if len(l.Polygon) < 4 || !l.Polygon.Closed() {
			return nil, errors.Errorf("lane %s: polygon must be a closed ring of at least 3 points", l.ID)
		}
		if planar.Area(l.Polygon) == 0 {
			return nil, errors.Wrapf(errDegenerate, "lane %s", l.ID)
		}
		a.shapes = append(a.shapes, laneShape{id: l.ID, ring: l.Polygon, bound: l.Polygon.Bound()})
	}
	return a, nil
}

var errDegenerate = errors.New("polygon has zero area")

// Assign returns the lane containing p.
func (a *Assigner) Assign(p orb.Point) (string, bool) {
	for _, s := range a.shapes {
		if !s.bound.Contains(p) {
			continue
		}
		if planar.RingContains(s.ring, p) {
			return s.id, true
		}
	}
	return "", false
}

// Count tallies vehicle boxes per lane. Every lane appears in the result,
// with zero when nothing was detected in it.
func (a *Assigner) Count(boxes []Box) map[string]int {
	counts := a.empty()
	for _, b := range boxes {
		if !IsVehicle(b.Class) {
			continue
		}
		if id, ok := a.Assign(b.Centroid()); ok {
			counts[id]++
		}
	}
	return counts
}

func (a *Assigner) empty() map[string]int {
	counts := make(map[string]int, len(a.ids))
	for _, id := range a.ids {
		counts[id] = 0
	}
	return counts
}

// HeadingThreshold is the pixel displacement below which a vehicle is
// considered stationary.
const HeadingThreshold = 8

// InferHeading derives a travel direction from two centroids in image
// coordinates, where y grows downwards. It reports false when the movement on
// both axes is under threshold.
func InferHeading(prev, curr orb.Point, threshold float64) (intersection.Direction, bool) {
	dx := curr[0] - prev[0]
	dy := curr[1] - prev[1]
	if math.Abs(dx) < threshold && math.Abs(dy) < threshold {
		return intersection.DirectionUnknown, false
	}
	if math.Abs(dx) > math.Abs(dy) {
		if dx > 0 {
			return intersection.Right, true
		}
		return intersection.Left, true
	}
	if dy > 0 {
		return intersection.Down, true
	}
	return intersection.Up, true
}
