// Package handoff runs a small network of intersections and simulates vehicles
// leaving one intersection's lane and arriving at another's.
package handoff

import (
	"fmt"

	"github.com/banshee-data/signal.control/internal/config"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

// Network is the fixed set of intersections a process operates.
type Network struct {
	order []string
	byID  map[string]*intersection.Intersection
}

// NewNetwork groups already-built intersections. Ids must be unique.
func NewNetwork(ins ...*intersection.Intersection) (*Network, error) {
	n := &Network{byID: make(map[string]*intersection.Intersection, len(ins))}
	for _, in := range ins {
		if _, dup := n.byID[in.ID]; dup {
			return nil, fmt.Errorf("duplicate intersection id %q", in.ID)
		}
		n.order = append(n.order, in.ID)
		n.byID[in.ID] = in
	}
	return n, nil
}

// Options configures BuildNetwork.
type Options struct {
	Clock timeutil.Clock
	// Emitter returns the transition sink of one intersection; nil or a nil
	// result discards transitions.
	Emitter func(intersectionID string) intersection.Emitter
}

// BuildNetwork constructs every configured intersection, booting its
// scheduler, in configuration order.
func BuildNetwork(cfg *config.Config, opts Options) (*Network, error) {
	var ins []*intersection.Intersection
	for i := range cfg.Intersections {
		ic := &cfg.Intersections[i]
		lanes, err := ic.BuildLanes()
		if err != nil {
			return nil, fmt.Errorf("intersection %s: %w", ic.ID, err)
		}
		o := intersection.Options{
			Timing:       cfg.Timing.PhaseTiming(),
			EmptyTimeout: cfg.Timing.GetEmptyTimeout(),
			Resolution:   cfg.Timing.GetSchedulerResolution(),
			Clock:        opts.Clock,
		}
		if opts.Emitter != nil {
			o.Emitter = opts.Emitter(ic.ID)
		}
		in, err := intersection.New(ic.ID, lanes, ic.BuildPairs(), ic.InitialGreen, o)
		if err != nil {
			return nil, err
		}
		ins = append(ins, in)
	}
	return NewNetwork(ins...)
}

// Get returns the intersection with the given id.
func (n *Network) Get(id string) (*intersection.Intersection, bool) {
	in, ok := n.byID[id]
	return in, ok
}

// IDs returns intersection ids in configuration order.
func (n *Network) IDs() []string {
	return append([]string(nil), n.order...)
}

// All returns the intersections in configuration order.
func (n *Network) All() []*intersection.Intersection {
	out := make([]*intersection.Intersection, len(n.order))
	for i, id := range n.order {
		out[i] = n.byID[id]
	}
	return out
}

// Default returns the first configured intersection.
func (n *Network) Default() *intersection.Intersection {
	if len(n.order) == 0 {
		return nil
	}
	return n.byID[n.order[0]]
}
