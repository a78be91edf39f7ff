// Package softgl is a CPU implementation of the GL entry points the recorder
// consumes. It backs tests and the demo binary, where no real GL context
// exists, and records call counts so tests can assert on GPU traffic.
package softgl

import (
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	"github.com/zsiec/glrec/internal/pbo"
)

// Context emulates a framebuffer plus pixel-pack buffer objects.
type Context struct {
	mu sync.Mutex

	width, height int
	framebuffer   []byte

	nextHandle uint32
	buffers    map[uint32][]byte
	bound      uint32
	mapped     uint32

	// MapDelay simulates a GPU readback that has not finished yet.
	MapDelay time.Duration
	// FailMap makes MapBuffer return nil.
	FailMap bool

	reads   int
	maps    int
	deletes int
}

// New creates a context with a width x height RGBA framebuffer.
func New(width, height int) *Context {
	return &Context{
		width:       width,
		height:      height,
		framebuffer: make([]byte, width*height*4),
		nextHandle:  1,
		buffers:     make(map[uint32][]byte),
	}
}

// SetFramebuffer replaces the framebuffer contents with pix (RGBA, bottom
// row first). Short input is zero-padded.
func (c *Context) SetFramebuffer(pix []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(c.framebuffer, pix)
	clear(c.framebuffer[n:])
}

// Stamp writes v into the first four bytes of the framebuffer and fills the
// rest with the low byte of v. Tests use it to tag rendered frames.
func (c *Context) Stamp(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.framebuffer {
		c.framebuffer[i] = byte(v)
	}
	if len(c.framebuffer) >= 4 {
		binary.LittleEndian.PutUint32(c.framebuffer, v)
	}
}

// StampOf extracts the value written by Stamp from captured pixels.
func StampOf(pix []byte) uint32 {
	if len(pix) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(pix)
}

// Funcs returns the full function table, suitable for triple buffering.
func (c *Context) Funcs() *pbo.Funcs {
	return &pbo.Funcs{
		ReadPixels:    c.ReadPixels,
		GenBuffers:    c.GenBuffers,
		BindBuffer:    c.BindBuffer,
		BufferData:    c.BufferData,
		DeleteBuffers: c.DeleteBuffers,
		MapBuffer:     c.MapBuffer,
		UnmapBuffer:   c.UnmapBuffer,
	}
}

// ReadPixels copies the framebuffer into the bound pack buffer, or into
// pixels when no buffer is bound.
func (c *Context) ReadPixels(x, y, width, height int32, format, xtype uint32, pixels unsafe.Pointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++

	n := int(width) * int(height) * 4
	if n > len(c.framebuffer) {
		n = len(c.framebuffer)
	}
	if c.bound != 0 {
		buf := c.buffers[c.bound]
		offset := int(uintptr(pixels))
		if offset < len(buf) {
			copy(buf[offset:], c.framebuffer[:n])
		}
		return
	}
	if pixels == nil {
		return
	}
	copy(unsafe.Slice((*byte)(pixels), n), c.framebuffer[:n])
}

// GenBuffers allocates n buffer names.
func (c *Context) GenBuffers(n int32, buffers *uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := unsafe.Slice(buffers, n)
	for i := range out {
		out[i] = c.nextHandle
		c.buffers[c.nextHandle] = nil
		c.nextHandle++
	}
}

// BindBuffer binds buffer to the pack target; 0 unbinds.
func (c *Context) BindBuffer(target, buffer uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target == pbo.GLPixelPackBuffer {
		c.bound = buffer
	}
}

// BufferData (re)allocates storage for the bound buffer.
func (c *Context) BufferData(target uint32, size int, data unsafe.Pointer, usage uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound == 0 {
		return
	}
	buf := make([]byte, size)
	if data != nil {
		copy(buf, unsafe.Slice((*byte)(data), size))
	}
	c.buffers[c.bound] = buf
}

// DeleteBuffers frees n buffer names.
func (c *Context) DeleteBuffers(n int32, buffers *uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range unsafe.Slice(buffers, n) {
		delete(c.buffers, h)
		c.deletes++
	}
}

// MapBuffer returns a pointer to the bound buffer's storage.
func (c *Context) MapBuffer(target, access uint32) unsafe.Pointer {
	c.mu.Lock()
	delay := c.MapDelay
	c.maps++
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.buffers[c.bound]
	if c.FailMap || len(buf) == 0 {
		return nil
	}
	c.mapped = c.bound
	return unsafe.Pointer(&buf[0])
}

// UnmapBuffer releases the mapping of the bound buffer.
func (c *Context) UnmapBuffer(target uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.mapped == c.bound && c.mapped != 0
	c.mapped = 0
	return ok
}

// Counts reports ReadPixels, MapBuffer and deleted-buffer totals.
func (c *Context) Counts() (reads, maps, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads, c.maps, c.deletes
}

// LiveBuffers returns the number of allocated buffer names.
func (c *Context) LiveBuffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}
