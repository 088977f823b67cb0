package db

import (
	"context"
	"time"

	"github.com/banshee-data/signal.control/internal/actuator"
	"github.com/banshee-data/signal.control/internal/handoff"
	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/metrics"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

// pruneEvery is how often Run trims rows older than the retention window.
const pruneEvery = time.Minute

// Recorder writes lane snapshots on a fixed interval and the outcome of
// every actuator command. Command results are buffered so a slow disk never
// holds up a dispatcher.
type Recorder struct {
	db        *DB
	network   *handoff.Network
	interval  time.Duration
	retention time.Duration
	clock     timeutil.Clock
	results   chan actuator.Result

	lastPrune time.Time
}

// NewRecorder returns a recorder over every intersection of n. A non-positive
// interval uses one second. Rows older than retention are pruned while Run is
// active; a non-positive retention keeps everything.
func NewRecorder(db *DB, n *handoff.Network, interval, retention time.Duration, clock timeutil.Clock) *Recorder {
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		db:        db,
		network:   n,
		interval:  interval,
		retention: retention,
		clock:     clock,
		results:   make(chan actuator.Result, 256),
	}
}

// Observe is an actuator.Dispatcher result hook. Results that arrive while
// the buffer is full are not recorded.
func (r *Recorder) Observe(res actuator.Result) {
	select {
	case r.results <- res:
	default:
		logf("recorder backlog full, dropping %s result", res.Command.Kind())
	}
}

// CommandRecordOf flattens an actuator result for storage.
func CommandRecordOf(res actuator.Result) CommandRecord {
	rec := CommandRecord{
		ID:       res.Command.CommandID().String(),
		Kind:     res.Command.Kind(),
		Duration: res.Duration,
	}
	switch c := res.Command.(type) {
	case actuator.SetSignal:
		rec.Intersection = c.Intersection
		rec.Unit = c.Unit
		rec.Color = c.Color.String()
		rec.IssuedAt = c.At
	case actuator.SetMode:
		rec.Intersection = c.Intersection
		rec.Mode = c.Mode.String()
		rec.IssuedAt = c.At
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// Snapshot records the current lanes of every intersection and refreshes the
// lane count gauge.
func (r *Recorder) Snapshot(at time.Time) error {
	for _, in := range r.network.All() {
		lanes := in.Registry.Statuses()
		samples := make([]LaneSample, len(lanes))
		for i, l := range lanes {
			samples[i] = sampleOf(l)
			metrics.LaneCount.WithLabelValues(in.ID, l.Lane).Set(float64(l.Count))
		}
		if err := r.db.RecordSnapshot(in.ID, at, samples); err != nil {
			return err
		}
	}
	return nil
}

func sampleOf(l intersection.LaneStatus) LaneSample {
	return LaneSample{
		Lane:      l.Lane,
		Direction: l.Direction.String(),
		Signal:    l.Signal.String(),
		Count:     l.Count,
		Occupied:  l.Occupied,
	}
}

// prune trims expired rows at most once per pruneEvery.
func (r *Recorder) prune(now time.Time) {
	if r.retention <= 0 || (!r.lastPrune.IsZero() && now.Sub(r.lastPrune) < pruneEvery) {
		return
	}
	r.lastPrune = now
	n, err := r.db.Prune(now.Add(-r.retention))
	if err != nil {
		logf("%v", err)
		return
	}
	if n > 0 {
		logf("pruned %d rows older than %v", n, r.retention)
	}
}

// Run records until ctx is done, then drains buffered command results.
func (r *Recorder) Run(ctx context.Context) error {
	t := r.clock.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case now := <-t.C():
			if err := r.Snapshot(now); err != nil {
				logf("snapshot failed: %v", err)
			}
			r.prune(now)
		case res := <-r.results:
			r.record(res)
		}
	}
}

func (r *Recorder) record(res actuator.Result) {
	if err := r.db.RecordCommand(CommandRecordOf(res)); err != nil {
		logf("%v", err)
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case res := <-r.results:
			r.record(res)
		default:
			return
		}
	}
}
