package sizing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/docflow/internal/runtime/logging"
)

var defaultParams = Params{Min: 10, Max: 100, Threshold: 1000, Step: 10}

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		current int
		depth   int64
		load    float64
		loadOK  bool
		want    int
	}{
		{"grow above threshold", 50, 1001, 0.5, true, 60},
		{"grow clamps at max", 95, 1001, 0.5, true, 100},
		{"shrink below half threshold", 50, 499, 0.5, true, 40},
		{"shrink clamps at min", 15, 499, 0.5, true, 10},
		{"shrink under high load", 50, 5000, 0.85, true, 40},
		{"hold mid range", 50, 1000, 0.75, true, 50},
		{"hold at half threshold", 50, 500, 0.5, true, 50},
		{"backlog but busy holds", 50, 2000, 0.75, true, 50},
		{"missing load holds", 50, 5000, 0, false, 50},
		{"missing load still clamps", 500, 0, 0, false, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.current, tt.depth, tt.load, tt.loadOK, defaultParams))
		})
	}
}

func TestStateClampsAndStartsAtMin(t *testing.T) {
	s := NewState(10, 100)
	assert.Equal(t, 10, s.Load())

	assert.Equal(t, 100, s.Store(250))
	assert.Equal(t, 100, s.Load())
	assert.Equal(t, 10, s.Store(-5))

	min, max := s.Bounds()
	assert.Equal(t, 10, min)
	assert.Equal(t, 100, max)

	inverted := NewState(0, -1)
	min, max = inverted.Bounds()
	assert.Equal(t, 1, min)
	assert.Equal(t, 1, max)
}

type scriptedDepth struct {
	mu     sync.Mutex
	depths []int64
	err    error
	queues []string
}

func (s *scriptedDepth) QueueDepth(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, queue)
	if s.err != nil {
		return 0, s.err
	}
	d := s.depths[0]
	if len(s.depths) > 1 {
		s.depths = s.depths[1:]
	}
	return d, nil
}

type scriptedLoad struct {
	loads []float64
}

func (s *scriptedLoad) CPUUtilization() (float64, bool) {
	l := s.loads[0]
	if len(s.loads) > 1 {
		s.loads = s.loads[1:]
	}
	return l, true
}

type recordedTick struct {
	target int
	depth  int64
	load   float64
	loadOK bool
}

type tickRecorder struct {
	ticks []recordedTick
}

func (r *tickRecorder) RecordSizing(target int, depth int64, load float64, loadOK bool) {
	r.ticks = append(r.ticks, recordedTick{target, depth, load, loadOK})
}

func newTestController(t *testing.T, depth DepthSource, load LoadSource, rec Recorder) (*Controller, *State) {
	t.Helper()
	state := NewState(defaultParams.Min, defaultParams.Max)
	ctrl, err := NewController(ControllerConfig{
		State:    state,
		Params:   defaultParams,
		Queue:    "documents.normal",
		Interval: time.Millisecond,
		Depth:    depth,
		Load:     load,
		Recorder: rec,
		Logger:   logging.NewWatermillServiceLogger(watermill.NopLogger{}),
	})
	require.NoError(t, err)
	return ctrl, state
}

func TestControllerEndToEndScenario(t *testing.T) {
	depth := &scriptedDepth{depths: []int64{1200, 50}}
	load := &scriptedLoad{loads: []float64{0.4, 0.9}}
	rec := &tickRecorder{}
	ctrl, state := newTestController(t, depth, load, rec)

	assert.Equal(t, 20, ctrl.Tick(context.Background()))
	assert.Equal(t, 20, state.Load())

	assert.Equal(t, 10, ctrl.Tick(context.Background()))
	assert.Equal(t, 10, state.Load())

	require.Len(t, rec.ticks, 2)
	assert.Equal(t, recordedTick{20, 1200, 0.4, true}, rec.ticks[0])
	assert.Equal(t, recordedTick{10, 50, 0.9, true}, rec.ticks[1])
	assert.Equal(t, []string{"documents.normal", "documents.normal"}, depth.queues)
}

func TestControllerTreatsDepthErrorAsEmpty(t *testing.T) {
	depth := &scriptedDepth{err: errors.New("channel closed")}
	rec := &tickRecorder{}
	ctrl, state := newTestController(t, depth, LoadFunc(func() (float64, bool) { return 0.5, true }), rec)
	state.Store(50)

	assert.Equal(t, 40, ctrl.Tick(context.Background()))
	assert.Equal(t, int64(0), rec.ticks[0].depth)
}

func TestControllerHoldsWithoutLoad(t *testing.T) {
	depth := &scriptedDepth{depths: []int64{5000}}
	ctrl, state := newTestController(t, depth, LoadFunc(func() (float64, bool) { return 0, false }), nil)
	state.Store(30)

	assert.Equal(t, 30, ctrl.Tick(context.Background()))

	noLoad, state := newTestController(t, depth, nil, nil)
	state.Store(30)
	assert.Equal(t, 30, noLoad.Tick(context.Background()))
}

func TestControllerRunStopsOnCancel(t *testing.T) {
	depth := &scriptedDepth{depths: []int64{5000}}
	rec := &tickRecorder{}
	ctrl, state := newTestController(t, depth, LoadFunc(func() (float64, bool) { return 0.1, true }), rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return state.Load() == 100 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestNewControllerValidates(t *testing.T) {
	_, err := NewController(ControllerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state is required")
	assert.Contains(t, err.Error(), "logger is required")
	assert.Contains(t, err.Error(), "interval must be positive")
}

func spin(d time.Duration) int {
	n := 0
	for start := time.Now(); time.Since(start) < d; {
		n++
	}
	return n
}

func TestRuntimeLoadReportsBusyProcess(t *testing.T) {
	load := NewRuntimeLoad()

	_, ok := load.CPUUtilization()
	assert.False(t, ok, "first sample only primes the baseline")

	assert.Positive(t, spin(300*time.Millisecond))

	v, ok := load.CPUUtilization()
	require.True(t, ok)
	assert.Greater(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)

	var nilLoad *RuntimeLoad
	_, ok = nilLoad.CPUUtilization()
	assert.False(t, ok)
}

func TestRuntimeLoadArithmetic(t *testing.T) {
	var (
		cpu     time.Duration
		wall    = time.Unix(0, 0)
		readErr error
	)
	load := &RuntimeLoad{
		cpuTime: func() (time.Duration, error) { return cpu, readErr },
		now:     func() time.Time { return wall },
		numCPU:  4,
	}

	_, ok := load.CPUUtilization()
	require.False(t, ok)

	cpu, wall = 2*time.Second, wall.Add(time.Second)
	v, ok := load.CPUUtilization()
	require.True(t, ok)
	assert.InDelta(t, 0.5, v, 1e-9)

	v, ok = load.CPUUtilization()
	require.True(t, ok, "a sample without elapsed time repeats the last reading")
	assert.InDelta(t, 0.5, v, 1e-9)

	cpu, wall = 10*time.Second, wall.Add(time.Second)
	v, ok = load.CPUUtilization()
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	readErr = errors.New("getrusage failed")
	_, ok = load.CPUUtilization()
	assert.False(t, ok)
}

type constantDepth int64

func (d constantDepth) QueueDepth(context.Context, string) (int64, error) { return int64(d), nil }

func TestControllerGrowsWithRuntimeLoad(t *testing.T) {
	ctrl, state := newTestController(t, constantDepth(1200), NewRuntimeLoad(), nil)

	assert.Equal(t, 10, ctrl.Tick(context.Background()), "priming tick holds")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 20, ctrl.Tick(context.Background()))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 30, ctrl.Tick(context.Background()))
	assert.Equal(t, 30, state.Load())
}
