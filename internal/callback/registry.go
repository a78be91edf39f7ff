// Package callback holds the event-to-handler table used to notify the
// recorder's caller about lifecycle events. Handlers are keyed by event type,
// one per type, and the table can be torn down exactly once so that no
// handler runs after the owner has started its own teardown.
package callback

import (
	"errors"
	"fmt"
	"sync"
)

// Event identifies a notification the recorder emits.
type Event int

// Recorder events.
const (
	EventStart    Event = iota // recording started; no payload
	EventSaved                 // final output path
	EventError                 // error message
	EventProgress              // percentage 0-100
	eventCount
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventSaved:
		return "saved"
	case EventError:
		return "error"
	case EventProgress:
		return "progress"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Shape is the payload kind an event carries.
type Shape int

// Payload shapes.
const (
	ShapeGeneral Shape = iota
	ShapeString
	ShapeInt
)

// ShapeOf returns the payload shape of e.
func ShapeOf(e Event) Shape {
	switch e {
	case EventSaved, EventError:
		return ShapeString
	case EventProgress:
		return ShapeInt
	default:
		return ShapeGeneral
	}
}

// GeneralHandler handles events without payload.
type GeneralHandler interface {
	Handle()
}

// StringHandler handles events carrying a string.
type StringHandler interface {
	HandleString(s string)
}

// IntHandler handles events carrying an integer.
type IntHandler interface {
	HandleInt(i int)
}

// GeneralFunc adapts a plain function to GeneralHandler.
type GeneralFunc func()

// Handle calls f().
func (f GeneralFunc) Handle() { f() }

// StringFunc adapts a plain function to StringHandler.
type StringFunc func(string)

// HandleString calls f(s).
func (f StringFunc) HandleString(s string) { f(s) }

// IntFunc adapts a plain function to IntHandler.
type IntFunc func(int)

// HandleInt calls f(i).
func (f IntFunc) HandleInt(i int) { f(i) }

// Errors returned by registration.
var (
	ErrUnknownEvent = errors.New("callback: unknown event")
	ErrHandlerShape = errors.New("callback: handler shape does not match event")
	ErrTornDown     = errors.New("callback: registry torn down")
)

// state is the registry's lifecycle: live until TornDown, never back.
type state int

const (
	stateLive state = iota
	stateTornDown
)

type binding struct {
	general GeneralHandler
	str     StringHandler
	num     IntHandler
}

// Registry maps events to handlers. It is safe for concurrent use: Fire may
// run on the GL thread, worker goroutines and the control goroutine at once.
//
// Fire holds a read lock while the handler runs and Disable takes the write
// lock, so once Disable returns no handler is running and none will run
// again. A handler must therefore never call Disable (directly or through
// the recorder's Destroy) on its own goroutine.
type Registry struct {
	mu       sync.RWMutex
	state    state
	bindings [eventCount]binding
}

// New creates an empty, live registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) bind(e Event, want Shape, b binding) error {
	if e < 0 || e >= eventCount {
		return fmt.Errorf("%w: %d", ErrUnknownEvent, int(e))
	}
	if ShapeOf(e) != want {
		return fmt.Errorf("%w: %s", ErrHandlerShape, e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateTornDown {
		return ErrTornDown
	}
	r.bindings[e] = b
	return nil
}

// RegisterGeneral binds h to e, replacing any previous handler. A nil h
// clears the binding.
func (r *Registry) RegisterGeneral(e Event, h GeneralHandler) error {
	return r.bind(e, ShapeGeneral, binding{general: h})
}

// RegisterString binds h to e, replacing any previous handler.
func (r *Registry) RegisterString(e Event, h StringHandler) error {
	return r.bind(e, ShapeString, binding{str: h})
}

// RegisterInt binds h to e, replacing any previous handler.
func (r *Registry) RegisterInt(e Event, h IntHandler) error {
	return r.bind(e, ShapeInt, binding{num: h})
}

// Fire invokes the general handler bound to e, if any.
func (r *Registry) Fire(e Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == stateTornDown || e < 0 || e >= eventCount {
		return false
	}
	h := r.bindings[e].general
	if h == nil {
		return false
	}
	h.Handle()
	return true
}

// FireString invokes the string handler bound to e, if any.
func (r *Registry) FireString(e Event, s string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == stateTornDown || e < 0 || e >= eventCount {
		return false
	}
	h := r.bindings[e].str
	if h == nil {
		return false
	}
	h.HandleString(s)
	return true
}

// FireInt invokes the integer handler bound to e, if any.
func (r *Registry) FireInt(e Event, i int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == stateTornDown || e < 0 || e >= eventCount {
		return false
	}
	h := r.bindings[e].num
	if h == nil {
		return false
	}
	h.HandleInt(i)
	return true
}

// Disable tears the registry down. It is idempotent and one-way; bindings
// are dropped so caller state captured by handlers becomes unreachable.
func (r *Registry) Disable() {
	r.mu.Lock()
	r.state = stateTornDown
	r.bindings = [eventCount]binding{}
	r.mu.Unlock()
}

// Disabled reports whether Disable has been called.
func (r *Registry) Disabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == stateTornDown
}
