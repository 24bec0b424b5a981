// Package engine drives a loaded sequence through its points on a single
// background worker, applying a cooperative pause/stop state machine and
// emitting lifecycle events. At most one worker is ever active; overlapping
// starts are rejected.
package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahul/seqlab/internal/plugins"
	"github.com/rahul/seqlab/internal/sequence"
)

// State is the engine's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// DefaultSettleDelay is the wait between applying point parameters and
// measuring, giving hardware time to stabilize.
const DefaultSettleDelay = 500 * time.Millisecond

// pointTimeLayout is a fixed-width RFC3339 layout. The store orders points by
// comparing timestamp strings, so the fraction must not be trimmed the way
// time.RFC3339Nano trims it; two points landing in the same second would
// otherwise sort by fraction length instead of by time.
const pointTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Recorder persists one executed point. *store.Store satisfies it; tests
// substitute an in-memory implementation.
type Recorder interface {
	SaveMeasurement(sequenceName, pointName, timestamp string, parameters map[string]float64, results map[string]map[string]any) error
}

// Options tune the engine. Zero values select the defaults.
type Options struct {
	SettleDelay time.Duration
}

// Engine executes measurement sequences. Pause and stop are observed only at
// point boundaries: a plugin call already in progress always runs to its
// natural end.
type Engine struct {
	registry *plugins.Registry
	recorder Recorder
	settle   time.Duration
	events   *dispatcher

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	running bool
	paused  bool
	seq     *sequence.Sequence
	runID   string
	done    chan struct{}
}

func New(registry *plugins.Registry, recorder Recorder, opts Options) *Engine {
	settle := opts.SettleDelay
	if settle == 0 {
		settle = DefaultSettleDelay
	}
	e := &Engine{
		registry: registry,
		recorder: recorder,
		settle:   settle,
		events:   newDispatcher(),
		state:    StateIdle,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// CreateSequence makes a fresh sequence the engine's current one.
func (e *Engine) CreateSequence(name, description string) *sequence.Sequence {
	seq := sequence.New(name, description)
	e.SetSequence(seq)
	return seq
}

// LoadSequence reads a sequence definition file and makes it current.
func (e *Engine) LoadSequence(path string) (*sequence.Sequence, error) {
	seq, err := sequence.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	e.SetSequence(seq)
	return seq, nil
}

// SaveSequence writes the current sequence to a definition file.
func (e *Engine) SaveSequence(path string) error {
	e.mu.Lock()
	seq := e.seq
	e.mu.Unlock()
	if seq == nil {
		return &NotLoadedError{}
	}
	return seq.SaveToFile(path)
}

// SetSequence installs the sequence the next Start will execute.
func (e *Engine) SetSequence(seq *sequence.Sequence) {
	e.mu.Lock()
	e.seq = seq
	e.mu.Unlock()
}

// Sequence returns the current sequence.
func (e *Engine) Sequence() *sequence.Sequence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Subscribe registers a handler for one event type and returns a handle for
// Unsubscribe. Handlers run on the worker goroutine.
func (e *Engine) Subscribe(event EventType, h Handler) Subscription {
	return e.events.subscribe(event, h)
}

// Unsubscribe removes a previously registered handler.
func (e *Engine) Unsubscribe(sub Subscription) {
	e.events.unsubscribe(sub)
}

// Start spins up the background worker for the current sequence. It fails
// with NotLoadedError when no sequence is set and AlreadyRunningError while a
// run is in flight; neither affects a running sequence.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.seq == nil {
		e.mu.Unlock()
		return &NotLoadedError{}
	}
	if e.running {
		name := e.seq.Name
		e.mu.Unlock()
		log.Printf("sequence %q is already running", name)
		return &AlreadyRunningError{Sequence: name}
	}
	e.running = true
	e.paused = false
	e.state = StateRunning
	e.runID = uuid.NewString()
	e.done = make(chan struct{})
	seq, runID, done := e.seq, e.runID, e.done
	e.mu.Unlock()

	go e.run(seq, runID, done)
	log.Printf("sequence started: %s (run %s)", seq.Name, runID)
	return nil
}

// Pause suspends execution at the next point boundary. A plugin call in
// progress is not interrupted.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.running && !e.paused {
		e.paused = true
		e.state = StatePaused
		e.cond.Broadcast()
		log.Printf("sequence paused")
	}
	e.mu.Unlock()
}

// Resume continues a paused run at the same point index.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.running && e.paused {
		e.paused = false
		e.state = StateRunning
		e.cond.Broadcast()
		log.Printf("sequence resumed")
	}
	e.mu.Unlock()
}

// Stop requests cooperative cancellation. The worker observes it at the next
// point boundary; the in-flight point, if any, completes and stays persisted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.running {
		e.running = false
		e.paused = false
		e.cond.Broadcast()
		log.Printf("sequence stop requested")
	}
	e.mu.Unlock()
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RunID identifies the current (or last) run.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Done returns a channel closed when the current run's worker exits. It is
// nil before the first Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// run is the background worker: one instance at most, owning every plugin
// call for the duration of the run.
func (e *Engine) run(seq *sequence.Sequence, runID string, done chan struct{}) {
	defer close(done)

	e.events.emit(Event{Type: EventStart, RunID: runID, Sequence: seq})

	inited, err := e.initializePlugins(seq)
	if err != nil {
		e.fail(inited, runID, err)
		return
	}

	total := len(seq.Points)
	stopped := false
	for idx, point := range seq.Points {
		if !e.awaitResume() {
			stopped = true
			break
		}
		if err := e.executePoint(seq, point); err != nil {
			e.fail(inited, runID, err)
			return
		}
		e.events.emit(Event{Type: EventPointComplete, RunID: runID, Sequence: seq, Point: point})
		e.events.emit(Event{
			Type:    EventProgress,
			RunID:   runID,
			Index:   idx + 1,
			Total:   total,
			Percent: float64(idx+1) / float64(total) * 100,
		})
	}

	e.cleanupPlugins(inited)

	e.mu.Lock()
	if stopped {
		e.state = StateStopped
	} else {
		e.state = StateCompleted
	}
	completed := !stopped
	e.running = false
	e.paused = false
	e.mu.Unlock()

	if completed {
		e.events.emit(Event{Type: EventComplete, RunID: runID, Sequence: seq})
		log.Printf("sequence completed: %s", seq.Name)
	} else {
		log.Printf("sequence stopped: %s", seq.Name)
	}
}

// awaitResume blocks while the run is paused and reports whether the run is
// still live. No CPU is spent waiting: pause, resume and stop all signal the
// condition.
func (e *Engine) awaitResume() bool {
	e.mu.Lock()
	for e.paused && e.running {
		e.cond.Wait()
	}
	ok := e.running
	e.mu.Unlock()
	return ok
}

// executePoint runs one point end to end: timestamp, parameter application,
// settle delay, measurements, processing, persistence. Any error aborts the
// sequence; nothing here is retried.
func (e *Engine) executePoint(seq *sequence.Sequence, point *sequence.Point) error {
	point.Timestamp = time.Now().Format(pointTimeLayout)
	point.Results = make(map[string]map[string]any)

	log.Printf("executing %s", point.Name)

	for _, name := range seq.ActivePlugins {
		mp, err := e.registry.Measurement(name)
		if err != nil {
			return &MeasurementError{Plugin: name, Point: point.Name, Err: err}
		}
		if err := safeSetParameters(mp, point.Parameters); err != nil {
			return &MeasurementError{Plugin: name, Point: point.Name, Err: err}
		}
	}

	time.Sleep(e.settle)

	for _, name := range seq.ActivePlugins {
		mp, err := e.registry.Measurement(name)
		if err != nil {
			return &MeasurementError{Plugin: name, Point: point.Name, Err: err}
		}
		result, err := safeMeasure(mp)
		if err != nil {
			return &MeasurementError{Plugin: name, Point: point.Name, Err: err}
		}
		point.Results[name] = result
	}

	for _, name := range seq.ProcessingPlugins {
		pp, err := e.registry.Processor(name)
		if err != nil {
			return &ProcessingError{Plugin: name, Point: point.Name, Err: err}
		}
		warnMissingInputs(pp, point.Results)
		out, err := safeProcess(pp, point.Results)
		if err != nil {
			return &ProcessingError{Plugin: name, Point: point.Name, Err: err}
		}
		point.Results[name+"_processed"] = out
	}

	if err := e.recorder.SaveMeasurement(seq.Name, point.Name, point.Timestamp, point.Parameters, point.Results); err != nil {
		return err
	}
	return nil
}

// initializePlugins brings up every active measurement and processing plugin
// in selection order. On failure the already-initialized plugins are returned
// so the abort path can clean them up.
func (e *Engine) initializePlugins(seq *sequence.Sequence) ([]plugins.Plugin, error) {
	var inited []plugins.Plugin
	names := make([]string, 0, len(seq.ActivePlugins)+len(seq.ProcessingPlugins))
	names = append(names, seq.ActivePlugins...)
	names = append(names, seq.ProcessingPlugins...)

	for _, name := range names {
		p, err := e.registry.GetOrCreate(name)
		if err != nil {
			return inited, err
		}
		if err := p.Initialize(); err != nil {
			return inited, fmt.Errorf("initialize plugin %s: %w", name, err)
		}
		inited = append(inited, p)
	}
	return inited, nil
}

// cleanupPlugins tears down every initialized plugin, isolating individual
// failures.
func (e *Engine) cleanupPlugins(inited []plugins.Plugin) {
	for _, p := range inited {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("cleanup panic in %s: %v", p.Name(), rec)
				}
			}()
			if err := p.Cleanup(); err != nil {
				log.Printf("cleanup error in %s: %v", p.Name(), err)
			}
		}()
	}
}

// fail is the single abort path: cleanup, terminal Error state, exactly one
// on_error event. The failure never escapes to the caller's goroutine.
func (e *Engine) fail(inited []plugins.Plugin, runID string, err error) {
	log.Printf("sequence aborted: %v", err)
	e.cleanupPlugins(inited)

	e.mu.Lock()
	e.state = StateError
	e.running = false
	e.paused = false
	e.mu.Unlock()

	e.events.emit(Event{Type: EventError, RunID: runID, Err: err})
}

// warnMissingInputs checks a processor's declared required inputs against the
// results collected so far. Missing inputs are logged, not enforced: the
// processor still runs and owns its behavior.
func warnMissingInputs(pp plugins.ProcessingPlugin, results map[string]map[string]any) {
	for _, input := range pp.RequiredInputs() {
		if _, ok := results[input]; !ok {
			log.Printf("processor %s: required input %q not present at this point", pp.Name(), input)
		}
	}
}

// The safe* wrappers convert plugin panics into errors so a misbehaving
// plugin follows the same explicit abort path as one returning an error.

func safeSetParameters(mp plugins.MeasurementPlugin, params map[string]float64) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in SetParameters: %v", rec)
		}
	}()
	return mp.SetParameters(params)
}

func safeMeasure(mp plugins.MeasurementPlugin) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("panic in Measure: %v", rec)
		}
	}()
	return mp.Measure()
}

func safeProcess(pp plugins.ProcessingPlugin, results map[string]map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("panic in Process: %v", rec)
		}
	}()
	return pp.Process(results)
}
