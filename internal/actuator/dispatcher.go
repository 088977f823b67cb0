package actuator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/signal.control/internal/intersection"
	"github.com/banshee-data/signal.control/internal/metrics"
	"github.com/banshee-data/signal.control/internal/timeutil"
)

// ErrQueueFull is reported when a command is dropped because the dispatcher
// has fallen behind.
var ErrQueueFull = errors.New("actuator queue full")

// DefaultQueueSize bounds the commands waiting for the bridge.
const DefaultQueueSize = 64

// Result is reported to observers once per command.
type Result struct {
	Command  Command
	Err      error
	Duration time.Duration
}

// Dispatcher moves commands from the scheduler to a Bridge on its own
// goroutine. Emit never blocks; each command is sent exactly once.
type Dispatcher struct {
	intersection string
	bridge       Bridge
	queue        chan Command
	timeout      time.Duration
	clock        timeutil.Clock

	reachable atomic.Bool

	mu        sync.Mutex
	observers []func(Result)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Command, n)
		}
	}
}

// WithSendTimeout bounds a single Send call; the default is 500ms.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithDispatchClock(c timeutil.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher returns a dispatcher for one intersection's controller. It
// reports reachable until a send fails.
func NewDispatcher(intersectionID string, b Bridge, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		intersection: intersectionID,
		bridge:       b,
		queue:        make(chan Command, DefaultQueueSize),
		timeout:      500 * time.Millisecond,
		clock:        timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.reachable.Store(true)
	return d
}

// Emit queues the command for a scheduler transition. It satisfies
// intersection.Emitter.
func (d *Dispatcher) Emit(t intersection.Transition) {
	_ = d.Enqueue(FromTransition(t))
}

// Enqueue queues cmd without blocking. When the queue is full the command is
// dropped and ErrQueueFull returned.
func (d *Dispatcher) Enqueue(cmd Command) error {
	select {
	case d.queue <- cmd:
		return nil
	default:
		metrics.ActuatorCommands.WithLabelValues(d.intersection, "dropped").Inc()
		logf("%s: dropping %v: %v", d.intersection, cmd, ErrQueueFull)
		d.notify(Result{Command: cmd, Err: ErrQueueFull})
		return ErrQueueFull
	}
}

// Reachable reports whether the most recent send succeeded.
func (d *Dispatcher) Reachable() bool { return d.reachable.Load() }

// Intersection returns the intersection id the dispatcher serves.
func (d *Dispatcher) Intersection() string { return d.intersection }

// OnResult registers fn to be called after every send attempt, from the
// dispatcher goroutine.
func (d *Dispatcher) OnResult(fn func(Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *Dispatcher) notify(r Result) {
	d.mu.Lock()
	obs := slices.Clone(d.observers)
	d.mu.Unlock()
	for _, fn := range obs {
		fn(r)
	}
}

// Run puts the controller in manual mode, sends queued commands until ctx is
// done, then returns the controller to auto mode. Commands still queued at
// shutdown are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.send(ctx, NewSetMode(d.intersection, ModeManual, d.clock.Now()))

	for {
		select {
		case <-ctx.Done():
			// the caller's context is gone; give the final command its own
			// deadline
			d.send(context.Background(), NewSetMode(d.intersection, ModeAuto, d.clock.Now()))
			return ctx.Err()
		case cmd := <-d.queue:
			d.send(ctx, cmd)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, cmd Command) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.bridge.Send(ctx, cmd)
	elapsed := time.Since(start)
	metrics.ActuatorSendDuration.WithLabelValues(d.intersection).Observe(elapsed.Seconds())

	if err != nil {
		metrics.ActuatorCommands.WithLabelValues(d.intersection, "failed").Inc()
		if d.reachable.Swap(false) {
			logf("%s: controller unreachable: %v", d.intersection, err)
		} else {
			logf("%s: %v not delivered: %v", d.intersection, cmd, err)
		}
	} else {
		metrics.ActuatorCommands.WithLabelValues(d.intersection, "sent").Inc()
		if !d.reachable.Swap(true) {
			logf("%s: controller reachable again", d.intersection)
		}
	}
	d.notify(Result{Command: cmd, Err: err, Duration: elapsed})
}
