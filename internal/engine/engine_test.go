package engine_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/seqlab/internal/engine"
	"github.com/rahul/seqlab/internal/plugins"
	"github.com/rahul/seqlab/internal/sequence"
)

// fakeMeter is a controllable measurement plugin. When gated, every Measure
// call announces itself on started and blocks until the test releases it.
type fakeMeter struct {
	plugins.Base

	started chan struct{}
	release chan struct{}

	failOnCall  int // 1-based Measure call that returns an error
	panicOnCall int // 1-based Measure call that panics
	initErr     error

	mu           sync.Mutex
	initCount    int
	cleanupCount int
	measureCount int
	lastParams   map[string]float64
}

func newFakeMeter(name string) *fakeMeter {
	return &fakeMeter{
		Base: plugins.NewBase(name, "1.0", "test meter", plugins.TypeMeasurement, nil),
	}
}

func (f *fakeMeter) gate() *fakeMeter {
	f.started = make(chan struct{})
	f.release = make(chan struct{})
	return f
}

func (f *fakeMeter) Initialize() error {
	f.mu.Lock()
	f.initCount++
	f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.MarkInitialized()
	return nil
}

func (f *fakeMeter) Cleanup() error {
	f.mu.Lock()
	f.cleanupCount++
	f.mu.Unlock()
	f.MarkCleaned()
	return nil
}

func (f *fakeMeter) SetParameters(params map[string]float64) error {
	f.mu.Lock()
	f.lastParams = params
	f.mu.Unlock()
	return nil
}

func (f *fakeMeter) Measure() (map[string]any, error) {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	f.measureCount++
	n := f.measureCount
	f.mu.Unlock()

	if f.panicOnCall != 0 && n == f.panicOnCall {
		panic("instrument firmware crashed")
	}
	if f.failOnCall != 0 && n == f.failOnCall {
		return nil, errors.New("instrument fault")
	}
	return map[string]any{
		"reading":   float64(n),
		"unit_info": map[string]string{"reading": "u"},
	}, nil
}

func (f *fakeMeter) Units() map[string]string { return map[string]string{"reading": "u"} }

func (f *fakeMeter) measures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measureCount
}

func (f *fakeMeter) cleanups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanupCount
}

type fakeFilter struct {
	plugins.Base
	mu           sync.Mutex
	cleanupCount int
}

func newFakeFilter(name string) *fakeFilter {
	return &fakeFilter{
		Base: plugins.NewBase(name, "1.0", "test filter", plugins.TypeProcessing, nil),
	}
}

func (f *fakeFilter) Initialize() error { f.MarkInitialized(); return nil }

func (f *fakeFilter) Cleanup() error {
	f.mu.Lock()
	f.cleanupCount++
	f.mu.Unlock()
	f.MarkCleaned()
	return nil
}

func (f *fakeFilter) Process(results map[string]map[string]any) (map[string]any, error) {
	return map[string]any{"derived": 1.0}, nil
}

func (f *fakeFilter) RequiredInputs() []string { return nil }

// memRecorder is an in-memory Recorder capturing persisted points in order.
type memRecorder struct {
	mu         sync.Mutex
	points     []string
	timestamps []string
	results    []map[string]map[string]any
	failOnName string
}

func (r *memRecorder) SaveMeasurement(sequenceName, pointName, timestamp string, parameters map[string]float64, results map[string]map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOnName != "" && pointName == r.failOnName {
		return fmt.Errorf("database locked")
	}
	r.points = append(r.points, pointName)
	r.timestamps = append(r.timestamps, timestamp)
	r.results = append(r.results, results)
	return nil
}

func (r *memRecorder) saved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.points...)
}

// eventCounter tallies emitted events per type. Reads are only valid after
// the run's Done channel closed.
type eventCounter struct {
	mu     sync.Mutex
	counts map[engine.EventType]int
	lastPc float64
}

func countEvents(e *engine.Engine) *eventCounter {
	c := &eventCounter{counts: make(map[engine.EventType]int)}
	for _, et := range []engine.EventType{
		engine.EventStart, engine.EventPointComplete, engine.EventProgress,
		engine.EventComplete, engine.EventError,
	} {
		et := et
		e.Subscribe(et, func(ev engine.Event) {
			c.mu.Lock()
			c.counts[et]++
			if et == engine.EventProgress {
				c.lastPc = ev.Percent
			}
			c.mu.Unlock()
		})
	}
	return c
}

func (c *eventCounter) count(et engine.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[et]
}

func sweep(points int, activePlugins, processors []string) *sequence.Sequence {
	seq := sequence.New("test-sweep", "")
	seq.AddParameterRange(sequence.ParameterRange{ParameterName: "x", Start: 0, End: float64(points - 1), Steps: points})
	seq.ActivePlugins = activePlugins
	seq.ProcessingPlugins = processors
	seq.GeneratePoints()
	return seq
}

func newTestEngine(t *testing.T, rec engine.Recorder, fakes ...plugins.Plugin) *engine.Engine {
	t.Helper()
	r := plugins.NewRegistry(t.TempDir())
	for _, p := range fakes {
		p := p
		r.Register(p.Name(), func() plugins.Plugin { return p })
	}
	return engine.New(r, rec, engine.Options{SettleDelay: time.Millisecond})
}

func waitDone(t *testing.T, e *engine.Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func TestEngine_RunCompletes(t *testing.T) {
	meter := newFakeMeter("meter")
	filter := newFakeFilter("filter")
	rec := &memRecorder{}
	e := newTestEngine(t, rec, meter, filter)
	events := countEvents(e)

	e.SetSequence(sweep(3, []string{"meter"}, []string{"filter"}))
	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.Equal(t, engine.StateCompleted, e.State())
	assert.False(t, e.IsRunning())
	assert.NotEmpty(t, e.RunID())

	assert.Equal(t, []string{"Point_1", "Point_2", "Point_3"}, rec.saved())
	assert.Equal(t, 3, meter.measures())
	assert.Equal(t, 1, meter.cleanups())
	assert.Equal(t, map[string]float64{"x": 2}, meter.lastParams)

	// Processor output lands under its own derived key.
	require.Len(t, rec.results, 3)
	assert.Contains(t, rec.results[0], "meter")
	assert.Contains(t, rec.results[0], "filter_processed")
	assert.Equal(t, 1.0, rec.results[0]["filter_processed"]["derived"])

	assert.Equal(t, 1, events.count(engine.EventStart))
	assert.Equal(t, 3, events.count(engine.EventPointComplete))
	assert.Equal(t, 3, events.count(engine.EventProgress))
	assert.Equal(t, 1, events.count(engine.EventComplete))
	assert.Zero(t, events.count(engine.EventError))
	assert.Equal(t, 100.0, events.lastPc)
}

func TestEngine_StartWithoutSequence(t *testing.T) {
	e := newTestEngine(t, &memRecorder{})
	err := e.Start()
	var nl *engine.NotLoadedError
	require.ErrorAs(t, err, &nl)
	assert.Equal(t, engine.StateIdle, e.State())
}

func TestEngine_StartWhileRunning(t *testing.T) {
	meter := newFakeMeter("meter").gate()
	e := newTestEngine(t, &memRecorder{}, meter)
	e.SetSequence(sweep(2, []string{"meter"}, nil))

	require.NoError(t, e.Start())
	firstRun := e.RunID()
	<-meter.started // worker is mid-measure on Point_1

	err := e.Start()
	var ar *engine.AlreadyRunningError
	require.ErrorAs(t, err, &ar)
	assert.Equal(t, "test-sweep", ar.Sequence)
	assert.Equal(t, firstRun, e.RunID(), "rejected start must not replace the run")

	meter.release <- struct{}{}
	<-meter.started
	meter.release <- struct{}{}
	waitDone(t, e)

	// Each point measured exactly once despite the second Start.
	assert.Equal(t, 2, meter.measures())
	assert.Equal(t, engine.StateCompleted, e.State())
}

func TestEngine_PauseResume(t *testing.T) {
	meter := newFakeMeter("meter").gate()
	rec := &memRecorder{}
	e := newTestEngine(t, rec, meter)
	e.SetSequence(sweep(3, []string{"meter"}, nil))

	require.NoError(t, e.Start())
	<-meter.started
	e.Pause() // lands while Point_1 is mid-measure
	meter.release <- struct{}{}

	// The in-flight point finishes; the next one must not begin.
	select {
	case <-meter.started:
		t.Fatal("worker started a point while paused")
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, e.IsPaused())
	assert.Equal(t, engine.StatePaused, e.State())
	assert.Equal(t, 1, meter.measures())
	assert.Equal(t, []string{"Point_1"}, rec.saved())

	e.Resume()
	for i := 0; i < 2; i++ {
		<-meter.started
		meter.release <- struct{}{}
	}
	waitDone(t, e)

	assert.Equal(t, engine.StateCompleted, e.State())
	assert.Equal(t, 3, meter.measures(), "resume must not re-execute completed points")
	assert.Equal(t, []string{"Point_1", "Point_2", "Point_3"}, rec.saved())
}

func TestEngine_StopFinishesInFlightPoint(t *testing.T) {
	meter := newFakeMeter("meter").gate()
	rec := &memRecorder{}
	e := newTestEngine(t, rec, meter)
	events := countEvents(e)
	e.SetSequence(sweep(3, []string{"meter"}, nil))

	require.NoError(t, e.Start())
	<-meter.started
	e.Stop() // Point_1 is mid-measure
	meter.release <- struct{}{}
	waitDone(t, e)

	assert.Equal(t, engine.StateStopped, e.State())
	assert.False(t, e.IsRunning())
	assert.Equal(t, 1, meter.measures(), "stop must not start further points")
	assert.Equal(t, []string{"Point_1"}, rec.saved(), "in-flight point stays persisted")
	assert.Equal(t, 1, meter.cleanups())
	assert.Zero(t, events.count(engine.EventComplete), "a stopped run is not a completed run")
	assert.Zero(t, events.count(engine.EventError))
}

func TestEngine_StopWhilePaused(t *testing.T) {
	meter := newFakeMeter("meter").gate()
	e := newTestEngine(t, &memRecorder{}, meter)
	e.SetSequence(sweep(3, []string{"meter"}, nil))

	require.NoError(t, e.Start())
	<-meter.started
	e.Pause()
	meter.release <- struct{}{}
	e.Stop()
	waitDone(t, e)

	assert.Equal(t, engine.StateStopped, e.State())
	assert.False(t, e.IsPaused())
	assert.Equal(t, 1, meter.measures())
}

func TestEngine_MeasureErrorAborts(t *testing.T) {
	meter := newFakeMeter("meter")
	meter.failOnCall = 2
	filter := newFakeFilter("filter")
	rec := &memRecorder{}
	e := newTestEngine(t, rec, meter, filter)

	var mu sync.Mutex
	var errs []error
	e.Subscribe(engine.EventError, func(ev engine.Event) {
		mu.Lock()
		errs = append(errs, ev.Err)
		mu.Unlock()
	})

	e.SetSequence(sweep(3, []string{"meter"}, []string{"filter"}))
	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.Equal(t, engine.StateError, e.State())
	assert.False(t, e.IsRunning())
	assert.Equal(t, []string{"Point_1"}, rec.saved(), "points before the failure stay persisted")

	require.Len(t, errs, 1, "exactly one error event per failed run")
	var merr *engine.MeasurementError
	require.ErrorAs(t, errs[0], &merr)
	assert.Equal(t, "meter", merr.Plugin)
	assert.Equal(t, "Point_2", merr.Point)

	// Every initialized plugin is cleaned up on the abort path.
	assert.Equal(t, 1, meter.cleanups())
	assert.Equal(t, 1, filter.cleanupCount)
}

func TestEngine_MeasurePanicAborts(t *testing.T) {
	meter := newFakeMeter("meter")
	meter.panicOnCall = 1
	rec := &memRecorder{}
	e := newTestEngine(t, rec, meter)

	var mu sync.Mutex
	var errs []error
	e.Subscribe(engine.EventError, func(ev engine.Event) {
		mu.Lock()
		errs = append(errs, ev.Err)
		mu.Unlock()
	})

	e.SetSequence(sweep(2, []string{"meter"}, nil))
	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.Equal(t, engine.StateError, e.State())
	assert.Empty(t, rec.saved())
	require.Len(t, errs, 1)
	var merr *engine.MeasurementError
	require.ErrorAs(t, errs[0], &merr)
	assert.Contains(t, merr.Err.Error(), "panic")
	assert.Equal(t, 1, meter.cleanups())
}

func TestEngine_InitializeErrorAborts(t *testing.T) {
	good := newFakeMeter("good")
	bad := newFakeMeter("bad")
	bad.initErr = errors.New("no response on bus")
	rec := &memRecorder{}
	e := newTestEngine(t, rec, good, bad)
	events := countEvents(e)

	e.SetSequence(sweep(2, []string{"good", "bad"}, nil))
	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.Equal(t, engine.StateError, e.State())
	assert.Empty(t, rec.saved())
	assert.Equal(t, 1, events.count(engine.EventError))
	// Only the plugin that initialized successfully gets cleaned up.
	assert.Equal(t, 1, good.cleanups())
	assert.Zero(t, bad.cleanups())
}

func TestEngine_RecorderErrorAborts(t *testing.T) {
	meter := newFakeMeter("meter")
	rec := &memRecorder{failOnName: "Point_2"}
	e := newTestEngine(t, rec, meter)
	events := countEvents(e)

	e.SetSequence(sweep(3, []string{"meter"}, nil))
	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.Equal(t, engine.StateError, e.State())
	assert.Equal(t, []string{"Point_1"}, rec.saved())
	assert.Equal(t, 1, events.count(engine.EventError))
	assert.Equal(t, 1, meter.cleanups())
}

func TestEngine_HandlerPanicIsolated(t *testing.T) {
	meter := newFakeMeter("meter")
	e := newTestEngine(t, &memRecorder{}, meter)

	e.Subscribe(engine.EventPointComplete, func(engine.Event) {
		panic("consumer bug")
	})
	var mu sync.Mutex
	seen := 0
	e.Subscribe(engine.EventPointComplete, func(engine.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	e.SetSequence(sweep(3, []string{"meter"}, nil))
	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.Equal(t, engine.StateCompleted, e.State())
	assert.Equal(t, 3, seen, "a panicking handler must not starve other subscribers")
}

func TestEngine_Unsubscribe(t *testing.T) {
	meter := newFakeMeter("meter")
	e := newTestEngine(t, &memRecorder{}, meter)

	var mu sync.Mutex
	seen := 0
	sub := e.Subscribe(engine.EventPointComplete, func(engine.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	e.Unsubscribe(sub)

	e.SetSequence(sweep(2, []string{"meter"}, nil))
	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.Zero(t, seen)
}

func TestEngine_Restart(t *testing.T) {
	meter := newFakeMeter("meter")
	rec := &memRecorder{}
	e := newTestEngine(t, rec, meter)
	e.SetSequence(sweep(2, []string{"meter"}, nil))

	require.NoError(t, e.Start())
	waitDone(t, e)
	firstRun := e.RunID()

	require.NoError(t, e.Start())
	waitDone(t, e)

	assert.NotEqual(t, firstRun, e.RunID(), "each run gets its own id")
	assert.Equal(t, engine.StateCompleted, e.State())
	assert.Equal(t, []string{"Point_1", "Point_2", "Point_1", "Point_2"}, rec.saved())
	assert.Equal(t, 2, meter.cleanups())
}

func TestEngine_PointTimestampsRecorded(t *testing.T) {
	meter := newFakeMeter("meter")
	e := newTestEngine(t, &memRecorder{}, meter)
	seq := sweep(2, []string{"meter"}, nil)
	e.SetSequence(seq)

	require.NoError(t, e.Start())
	waitDone(t, e)

	for _, p := range seq.Points {
		ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		require.NoError(t, err, "point %s timestamp %q", p.Name, p.Timestamp)
		assert.WithinDuration(t, time.Now(), ts, time.Minute)
	}
}

// The store orders points by comparing timestamp strings, so the timestamps
// the engine writes must sort lexically in execution order even when several
// points land in the same second. That requires a fixed-width fraction;
// RFC3339Nano-style trimming would make ".51" sort before ".5".
func TestEngine_TimestampsSortLexically(t *testing.T) {
	meter := newFakeMeter("meter")
	rec := &memRecorder{}
	e := newTestEngine(t, rec, meter)
	e.SetSequence(sweep(6, []string{"meter"}, nil))

	require.NoError(t, e.Start())
	waitDone(t, e)

	require.Len(t, rec.timestamps, 6)
	for i, ts := range rec.timestamps {
		dot := strings.IndexByte(ts, '.')
		require.Greater(t, dot, 0, "timestamp %q has no fractional part", ts)
		assert.Regexp(t, `^\.\d{9}`, ts[dot:dot+10], "timestamp %q fraction not fixed width", ts)
		assert.Len(t, ts, len(rec.timestamps[0]), "timestamps must share one width")
		if i > 0 {
			assert.LessOrEqual(t, rec.timestamps[i-1], ts, "timestamps must sort in execution order")
		}
	}
}
