package recorder

import "github.com/zsiec/glrec/internal/callback"

// Event identifies a lifecycle notification.
type Event = callback.Event

// Events and the handler shape each expects.
const (
	EventStart    = callback.EventStart    // GeneralHandler
	EventSaved    = callback.EventSaved    // StringHandler, receives the output path
	EventError    = callback.EventError    // StringHandler, receives the error message
	EventProgress = callback.EventProgress // IntHandler, receives 0-100
)

// Handler shapes and their func adapters.
type (
	GeneralHandler = callback.GeneralHandler
	StringHandler  = callback.StringHandler
	IntHandler     = callback.IntHandler
	GeneralFunc    = callback.GeneralFunc
	StringFunc     = callback.StringFunc
	IntFunc        = callback.IntFunc
)

// RegisterGeneral binds h to e, replacing any earlier handler. Handlers run
// synchronously on the goroutine that fires the event and must not call
// Destroy or StopCapture.
func (r *Recorder) RegisterGeneral(e Event, h GeneralHandler) error {
	return r.callbacks.RegisterGeneral(e, h)
}

// RegisterString binds h to e, replacing any earlier handler.
func (r *Recorder) RegisterString(e Event, h StringHandler) error {
	return r.callbacks.RegisterString(e, h)
}

// RegisterInt binds h to e, replacing any earlier handler.
func (r *Recorder) RegisterInt(e Event, h IntHandler) error {
	return r.callbacks.RegisterInt(e, h)
}
