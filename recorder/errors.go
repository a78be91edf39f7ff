package recorder

import (
	"errors"
	"fmt"

	"github.com/zsiec/glrec/internal/callback"
	"github.com/zsiec/glrec/internal/encode"
	"github.com/zsiec/glrec/internal/pbo"
)

var (
	// ErrInvalidConfig is wrapped by every *ConfigError.
	ErrInvalidConfig = errors.New("recorder: invalid configuration")
	// ErrMissingGLFunc reports an unregistered GL entry point.
	ErrMissingGLFunc = pbo.ErrMissingFunc
	// ErrBusy is returned when an operation needs the recorder to be idle.
	ErrBusy = errors.New("recorder: capture in progress")
	// ErrNotCapturing is returned by StopCapture without an active capture.
	ErrNotCapturing = errors.New("recorder: not capturing")
	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("recorder: destroyed")
	// ErrHandlerShape is returned when a handler does not match its event.
	ErrHandlerShape = callback.ErrHandlerShape
)

// ConfigError is returned by InitConfig. The recorder has already fallen
// back to DefaultConfig when it is returned.
type ConfigError struct {
	Config Config // the rejected configuration, after alignment
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("recorder: invalid configuration, using defaults: %v", e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrInvalidConfig, e.Err} }

// SetupError is returned by PrepareCapture. The recorder state is unchanged.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("recorder: prepare capture: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// EncoderError is an encoder failure. It is delivered through the error
// event and returned by StopCapture if the capture was stopping.
type EncoderError = encode.Error
