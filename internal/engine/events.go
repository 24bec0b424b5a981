package engine

import (
	"log"
	"sync"

	"github.com/rahul/seqlab/internal/sequence"
)

// EventType names the lifecycle events the engine emits.
type EventType string

const (
	EventStart         EventType = "on_start"
	EventPointComplete EventType = "on_point_complete"
	EventProgress      EventType = "on_progress"
	EventComplete      EventType = "on_complete"
	EventError         EventType = "on_error"
)

// Event is the payload delivered to subscribers. Which fields are set depends
// on the event type. Handlers run on the worker goroutine and must not block.
type Event struct {
	Type     EventType
	RunID    string
	Sequence *sequence.Sequence
	Point    *sequence.Point
	Index    int // 1-based, progress events
	Total    int
	Percent  float64
	Err      error
}

// Handler receives engine events.
type Handler func(Event)

// Subscription identifies one registered handler for later removal.
type Subscription struct {
	event EventType
	id    int
}

type subscriber struct {
	id      int
	handler Handler
}

// dispatcher fans events out to subscribers. A panicking handler is logged
// and isolated so a failing external consumer cannot corrupt the state
// machine or starve other subscribers.
type dispatcher struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventType][]subscriber
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[EventType][]subscriber)}
}

func (d *dispatcher) subscribe(event EventType, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subs[event] = append(d.subs[event], subscriber{id: d.nextID, handler: h})
	return Subscription{event: event, id: d.nextID}
}

func (d *dispatcher) unsubscribe(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			d.subs[sub.event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	list := make([]subscriber, len(d.subs[ev.Type]))
	copy(list, d.subs[ev.Type])
	d.mu.Unlock()

	for _, s := range list {
		invoke(s.handler, ev)
	}
}

func invoke(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("event handler panic (%s): %v", ev.Type, rec)
		}
	}()
	h(ev)
}
