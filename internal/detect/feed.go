package detect

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/metrics"
	"github.com/banshee-data/signal.control/internal/monitoring"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

var logf = monitoring.Prefixed("detect")

var ErrUnknownIntersection = errors.New("unknown intersection")

// Observation is one per-lane count for one detection cycle.
type Observation struct {
	Intersection string    `json:"intersection"`
	Lane         string    `json:"lane"`
	Count        int       `json:"count"`
	Timestamp    time.Time `json:"timestamp"`
}

// Frame is the raw detector output for one video frame.
type Frame struct {
	Intersection string    `json:"intersection"`
	Timestamp    time.Time `json:"timestamp"`
	Boxes        []Box     `json:"boxes"`
}

// FrameResult is what a frame turned into.
type FrameResult struct {
	Counts   map[string]int `json:"counts"`
	Vehicles []Vehicle      `json:"vehicles"`
}

// Feed applies detections to one intersection.
type Feed struct {
	in       *intersection.Intersection
	assigner *Assigner
	tracks   *Tracks
}

// NewFeed indexes the lane polygons of in.
func NewFeed(in *intersection.Intersection) (*Feed, error) {
	a, err := NewAssigner(in.Registry.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("intersection %s: %w", in.ID, err)
	}
	return &Feed{in: in, assigner: a, tracks: NewTracks(0, 0)}, nil
}

// Observe applies a single lane count.
func (f *Feed) Observe(lane string, count int, at time.Time) error {
	if err := f.in.Tracker.Update(lane, count, at); err != nil {
		return err
	}
	metrics.DetectionObservations.WithLabelValues(f.in.ID).Inc()
	return nil
}

// ObserveFrame counts vehicles per lane and applies every lane's count,
// including zeros, in lane order.
func (f *Feed) ObserveFrame(boxes []Box, at time.Time) FrameResult {
	counts := f.assigner.empty()
	var sightings []sighting
	for _, b := range boxes {
		if !IsVehicle(b.Class) {
			continue
		}
		c := b.Centroid()
		lane, ok := f.assigner.Assign(c)
		if ok {
			counts[lane]++
		}
		sightings = append(sightings, sighting{pos: c, lane: lane})
	}
	for _, id := range f.assigner.ids {
		// lanes come from the registry, Update cannot fail here
		_ = f.in.Tracker.Update(id, counts[id], at)
	}
	metrics.DetectionObservations.WithLabelValues(f.in.ID).Add(float64(len(counts)))
	return FrameResult{Counts: counts, Vehicles: f.tracks.Observe(sightings, at)}
}

// Ingest routes detections to the feeds of a network.
type Ingest struct {
	feeds     map[string]*Feed
	defaultID string
	clock     timeutil.Clock
}

// NewIngest builds a feed for every intersection of n.
func NewIngest(n *handoff.Network, clock timeutil.Clock) (*Ingest, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ing := &Ingest{feeds: make(map[string]*Feed), clock: clock}
	for _, in := range n.All() {
		f, err := NewFeed(in)
		if err != nil {
			return nil, err
		}
		ing.feeds[in.ID] = f
	}
	if d := n.Default(); d != nil {
		ing.defaultID = d.ID
	}
	return ing, nil
}

func (ing *Ingest) feed(id string) (*Feed, error) {
	if id == "" {
		id = ing.defaultID
	}
	f, ok := ing.feeds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntersection, id)
	}
	return f, nil
}

func (ing *Ingest) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return ing.clock.Now()
	}
	return t
}

// Observe applies one observation. An empty intersection means the default
// one and a zero timestamp means now.
func (ing *Ingest) Observe(o Observation) error {
	f, err := ing.feed(o.Intersection)
	if err != nil {
		return err
	}
	return f.Observe(o.Lane, o.Count, ing.stamp(o.Timestamp))
}

// ObserveFrame applies a detector frame.
func (ing *Ingest) ObserveFrame(fr Frame) (FrameResult, error) {
	f, err := ing.feed(fr.Intersection)
	if err != nil {
		return FrameResult{}, err
	}
	return f.ObserveFrame(fr.Boxes, ing.stamp(fr.Timestamp)), nil
}
