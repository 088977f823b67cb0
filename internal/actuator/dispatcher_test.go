package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signal.control/internal/intersection"
)

// fakeBridge records commands and can block or fail on demand.
type fakeBridge struct {
	mu    sync.Mutex
	sent  []Command
	fail  error
	block chan struct{}
}

func (f *fakeBridge) Send(ctx context.Context, cmd Command) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.fail
}

func (f *fakeBridge) Close() error { return nil }

func (f *fakeBridge) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeBridge) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.sent...)
}

func transition(unit string, c intersection.Color) intersection.Transition {
	return intersection.Transition{Intersection: "main", Unit: unit, Lanes: []string{unit}, Color: c, At: time.Unix(10, 0)}
}

func TestDispatcher_ModeBracketsCommands(t *testing.T) {
	b := &fakeBridge{}
	d := NewDispatcher("main", b)
	d.Emit(transition("lane_1", intersection.Green))
	d.Emit(transition("lane_2", intersection.Red))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(b.commands()) == 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	cmds := b.commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, ModeManual, cmds[0].(SetMode).Mode)
	assert.Equal(t, "lane_1", cmds[1].(SetSignal).Unit)
	assert.Equal(t, intersection.Red, cmds[2].(SetSignal).Color)
	assert.Equal(t, ModeAuto, cmds[3].(SetMode).Mode)
}

func TestDispatcher_EmitNeverBlocks(t *testing.T) {
	b := &fakeBridge{block: make(chan struct{})}
	defer close(b.block)
	d := NewDispatcher("main", b, WithQueueSize(2), WithSendTimeout(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var dropped []Result
	var mu sync.Mutex
	d.OnResult(func(r Result) {
		if errors.Is(r.Err, ErrQueueFull) {
			mu.Lock()
			dropped = append(dropped, r)
			mu.Unlock()
		}
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Emit(transition("lane_1", intersection.Green))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a stalled bridge")
	}

	// manual-mode send is stuck in the bridge, two fit in the queue
	mu.Lock()
	assert.Len(t, dropped, 8)
	mu.Unlock()
	assert.ErrorIs(t, d.Enqueue(NewSetMode("main", ModeAuto, time.Now())), ErrQueueFull)
}

func TestDispatcher_FailureIsNotRetried(t *testing.T) {
	b := &fakeBridge{}
	b.setFail(ErrUnavailable)
	d := NewDispatcher("main", b)

	var mu sync.Mutex
	var results []Result
	d.OnResult(func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Emit(transition("lane_1", intersection.Yellow))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	}, time.Second, time.Millisecond)
	assert.False(t, d.Reachable())

	// give a retry a chance to show up
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, b.commands(), 2, "manual mode and the one signal command")

	b.setFail(nil)
	d.Emit(transition("lane_2", intersection.Green))
	require.Eventually(t, d.Reachable, time.Second, time.Millisecond)
}

func TestDispatcher_ObserverMayRegisterObserver(t *testing.T) {
	b := &fakeBridge{}
	d := NewDispatcher("main", b)

	var mu sync.Mutex
	var first, second int
	d.OnResult(func(Result) {
		mu.Lock()
		first++
		n := first
		mu.Unlock()
		if n == 1 {
			d.OnResult(func(Result) {
				mu.Lock()
				defer mu.Unlock()
				second++
			})
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Emit(transition("lane_1", intersection.Green))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return first == 2 && second == 1
	}, time.Second, time.Millisecond)
}

func TestDispatcher_SendTimeout(t *testing.T) {
	b := &fakeBridge{block: make(chan struct{})}
	d := NewDispatcher("main", b, WithSendTimeout(20*time.Millisecond))

	var mu sync.Mutex
	var errs []error
	d.OnResult(func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, r.Err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
	mu.Unlock()
	assert.False(t, d.Reachable())
	close(b.block)
}

func TestDispatcher_DrivesSchedulerTransitions(t *testing.T) {
	b := &fakeBridge{}
	d := NewDispatcher("main", b)
	in, err := intersection.New("main",
		[]intersection.Lane{{ID: "lane_1"}, {ID: "lane_2"}}, nil, "",
		intersection.Options{Emitter: d})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	in.Scheduler.Tick(in.Scheduler.Status().PhaseSince.Add(5 * time.Second))
	require.Eventually(t, func() bool { return len(b.commands()) == 4 }, time.Second, time.Millisecond)

	last := b.commands()[3].(SetSignal)
	assert.Equal(t, "lane_1", last.Unit)
	assert.Equal(t, intersection.Yellow, last.Color)
}
