// Package pbo manages the fixed set of GPU readback buffers the capture
// scheduler rotates through. All methods must run on the thread that owns
// the GL context.
package pbo

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

// GL enum values used for readback.
const (
	GLRGBA            uint32 = 0x1908
	GLUnsignedByte    uint32 = 0x1401
	GLPixelPackBuffer uint32 = 0x88EB
	GLStreamRead      uint32 = 0x88E1
	GLReadOnly        uint32 = 0x88B8
)

// GL entry points supplied by the caller. The signatures match the
// go-gl bindings so gl.ReadPixels, gl.GenBuffers and friends can be
// registered as-is.
type (
	ReadPixelsFunc    func(x, y, width, height int32, format, xtype uint32, pixels unsafe.Pointer)
	GenBuffersFunc    func(n int32, buffers *uint32)
	BindBufferFunc    func(target, buffer uint32)
	BufferDataFunc    func(target uint32, size int, data unsafe.Pointer, usage uint32)
	DeleteBuffersFunc func(n int32, buffers *uint32)
	MapBufferFunc     func(target, access uint32) unsafe.Pointer
	UnmapBufferFunc   func(target uint32) bool
)

// Funcs is the GL function table. ReadPixels is always required; the
// buffer functions are required only for triple buffering.
type Funcs struct {
	ReadPixels    ReadPixelsFunc
	GenBuffers    GenBuffersFunc
	BindBuffer    BindBufferFunc
	BufferData    BufferDataFunc
	DeleteBuffers DeleteBuffersFunc
	MapBuffer     MapBufferFunc
	UnmapBuffer   UnmapBufferFunc
}

// ErrMissingFunc reports an unregistered GL entry point.
var ErrMissingFunc = errors.New("pbo: required GL function not registered")

// Validate checks that every function needed for the requested mode is
// present. The returned error names the missing entry points.
func (f *Funcs) Validate(tripleBuffering bool) error {
	var missing []string
	if f.ReadPixels == nil {
		missing = append(missing, "ReadPixels")
	}
	if tripleBuffering {
		if f.GenBuffers == nil {
			missing = append(missing, "GenBuffers")
		}
		if f.BindBuffer == nil {
			missing = append(missing, "BindBuffer")
		}
		if f.BufferData == nil {
			missing = append(missing, "BufferData")
		}
		if f.DeleteBuffers == nil {
			missing = append(missing, "DeleteBuffers")
		}
		if f.MapBuffer == nil {
			missing = append(missing, "MapBuffer")
		}
		if f.UnmapBuffer == nil {
			missing = append(missing, "UnmapBuffer")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFunc, strings.Join(missing, ", "))
	}
	return nil
}
