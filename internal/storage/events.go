package storage

import "sync"

// EventKind identifies a lifecycle event of a channel, stream or session.
type EventKind int

// Lifecycle events. A producer emits at most one EventResponse and at most one
// EventMetadata, then exactly one of EventComplete or EventError.
const (
	EventResponse EventKind = iota + 1
	EventMetadata
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventResponse:
		return "response"
	case EventMetadata:
		return "metadata"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification.
type Event struct {
	Kind     EventKind
	Response *ResponseMeta
	Object   *ObjectAttrs
	Err      error
}

// eventBuffer is large enough to hold every event a producer can emit, so
// emitting never blocks even when nobody listens.
const eventBuffer = 3

// emitter enforces the event ordering contract and closes the event channel
// after the terminal event.
type emitter struct {
	mu        sync.Mutex
	events    chan Event
	done      chan struct{}
	responded bool
	described bool
	finished  bool
	err       error
}

func newEmitter() *emitter {
	return &emitter{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// response emits EventResponse unless one was already emitted or the
// producer is finished.
func (e *emitter) response(meta *ResponseMeta) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished || e.responded {
		return false
	}

	e.responded = true
	e.events <- Event{Kind: EventResponse, Response: meta}

	return true
}

// metadata emits EventMetadata at most once before the terminal event.
func (e *emitter) metadata(attrs *ObjectAttrs) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished || e.described {
		return false
	}

	e.described = true
	e.events <- Event{Kind: EventMetadata, Object: attrs}

	return true
}

// finish emits the terminal event. Only the first call has any effect; it
// reports whether this call was the one that finished the producer.
func (e *emitter) finish(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return false
	}

	e.finished = true
	e.err = err

	if err != nil {
		e.events <- Event{Kind: EventError, Err: err}
	} else {
		e.events <- Event{Kind: EventComplete}
	}

	close(e.events)
	close(e.done)

	return true
}

// state returns whether the producer finished and with which error.
func (e *emitter) state() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.finished, e.err
}
