package intersection

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownLane = errors.New("unknown lane")

// Registry is the keyed lane store of a single intersection. One mutex covers
// the whole lane set, so a single-lane Update is atomic with respect to
// Snapshot and a Transact spans every lane for one arbitration or handoff.
type Registry struct {
	mu    sync.RWMutex
	order []string
	lanes map[string]*Lane
}

// NewRegistry creates a registry holding copies of the given lanes in order.
func NewRegistry(lanes []Lane) (*Registry, error) {
	r := &Registry{
		order: make([]string, 0, len(lanes)),
		lanes: make(map[string]*Lane, len(lanes)),
	}
	for _, l := range lanes {
		if l.ID == "" {
			return nil, errors.New("lane id is required")
		}
		if _, dup := r.lanes[l.ID]; dup {
			return nil, fmt.Errorf("duplicate lane %q", l.ID)
		}
		lane := l
		r.lanes[l.ID] = &lane
		r.order = append(r.order, l.ID)
	}
	return r, nil
}

// IDs returns the lane ids in configuration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Has reports whether the lane exists. The lane set is fixed at construction.
func (r *Registry) Has(id string) bool {
	_, ok := r.lanes[id]
	return ok
}

// Get returns a copy of the lane.
func (r *Registry) Get(id string) (Lane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lanes[id]
	if !ok {
		return Lane{}, false
	}
	return *l, true
}

// Update applies fn to a single lane under the registry lock.
func (r *Registry) Update(id string, fn func(*Lane)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, id)
	}
	fn(l)
	return nil
}

// Snapshot returns a point-in-time copy of every lane in configuration order.
func (r *Registry) Snapshot() []Lane {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Lane, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.lanes[id])
	}
	return out
}

// Statuses returns the status view of a consistent snapshot.
func (r *Registry) Statuses() []LaneStatus {
	lanes := r.Snapshot()
	out := make([]LaneStatus, len(lanes))
	for i, l := range lanes {
		out[i] = l.Status()
	}
	return out
}

// Transact runs fn with exclusive access to every lane.
func (r *Registry) Transact(fn func(tx *Tx)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&Tx{r: r})
}

// View runs fn with shared access. fn must not modify lanes.
func (r *Registry) View(fn func(tx *Tx)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(&Tx{r: r})
}

// Tx is the handle passed to Transact and View callbacks. It is only valid for
// the duration of the callback.
type Tx struct {
	r *Registry
}

// Lane returns the live lane record, or nil when the id is unknown.
func (tx *Tx) Lane(id string) *Lane {
	return tx.r.lanes[id]
}

// Each visits every lane in configuration order.
func (tx *Tx) Each(fn func(*Lane)) {
	for _, id := range tx.r.order {
		fn(tx.r.lanes[id])
	}
}

// TransactAll locks every registry in the map, in key order so concurrent
// callers cannot deadlock, and runs fn with one Tx per key.
func TransactAll(regs map[string]*Registry, fn func(txs map[string]*Tx)) {
	keys := make([]string, 0, len(regs))
	for k := range regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	txs := make(map[string]*Tx, len(keys))
	for _, k := range keys {
		r := regs[k]
		r.mu.Lock()
		txs[k] = &Tx{r: r}
	}
	defer func() {
		for i := len(keys) - 1; i >= 0; i-- {
			regs[keys[i]].mu.Unlock()
		}
	}()
	fn(txs)
}
