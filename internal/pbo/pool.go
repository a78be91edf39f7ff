package pbo

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"unsafe"
)

// TripleBufferSlots is the pool size when triple buffering is enabled.
const TripleBufferSlots = 3

// ErrMapFailed is returned when the driver refuses to map a buffer.
var ErrMapFailed = errors.New("pbo: map buffer failed")

// Slot is one readback target. InFlight and Seq form the ownership token:
// a slot that is in flight holds the pixels of frame Seq on the GPU and must
// be harvested before it is reused.
type Slot struct {
	Handle   uint32
	InFlight bool
	Seq      uint64
}

// Pool is the arena of readback slots indexed by sequence mod size. It has
// a single writer, the capture scheduler on the GL thread.
type Pool struct {
	gl       *Funcs
	slots    []Slot
	width    int32
	height   int32
	size     int
	released bool
}

// New allocates n pixel-pack buffers sized for width x height RGBA frames.
func New(gl *Funcs, n, width, height int) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("pbo: invalid pool size %d", n)
	}
	if err := gl.Validate(true); err != nil {
		return nil, err
	}
	size := width * height * 4
	handles := make([]uint32, n)
	gl.GenBuffers(int32(n), &handles[0])

	p := &Pool{
		gl:     gl,
		slots:  make([]Slot, n),
		width:  int32(width),
		height: int32(height),
		size:   size,
	}
	for i, h := range handles {
		p.slots[i].Handle = h
		gl.BindBuffer(GLPixelPackBuffer, h)
		gl.BufferData(GLPixelPackBuffer, size, nil, GLStreamRead)
	}
	gl.BindBuffer(GLPixelPackBuffer, 0)
	return p, nil
}

// Len returns the number of slots.
func (p *Pool) Len() int { return len(p.slots) }

// FrameBytes returns the byte size of one frame.
func (p *Pool) FrameBytes() int { return p.size }

// SlotFor returns the slot that frame seq rotates into.
func (p *Pool) SlotFor(seq uint64) *Slot {
	return &p.slots[seq%uint64(len(p.slots))]
}

// Issue starts an asynchronous read of the current framebuffer into s and
// tags it with seq. The slot must not be in flight.
func (p *Pool) Issue(s *Slot, seq uint64) error {
	if s.InFlight {
		return fmt.Errorf("pbo: slot %d still holds frame %d", s.Handle, s.Seq)
	}
	p.gl.BindBuffer(GLPixelPackBuffer, s.Handle)
	// With a pack buffer bound the pixels argument is a byte offset.
	p.gl.ReadPixels(0, 0, p.width, p.height, GLRGBA, GLUnsignedByte, nil)
	p.gl.BindBuffer(GLPixelPackBuffer, 0)
	s.InFlight = true
	s.Seq = seq
	return nil
}

// Harvest maps s, copies its pixels into dst and returns the slot to the
// pool. It may wait for the GPU if the read has not completed yet.
func (p *Pool) Harvest(s *Slot, dst []byte) error {
	if !s.InFlight {
		return fmt.Errorf("pbo: slot %d has no pending read", s.Handle)
	}
	p.gl.BindBuffer(GLPixelPackBuffer, s.Handle)
	ptr := p.gl.MapBuffer(GLPixelPackBuffer, GLReadOnly)
	if ptr == nil {
		p.gl.BindBuffer(GLPixelPackBuffer, 0)
		s.InFlight = false
		return fmt.Errorf("%w: slot %d frame %d", ErrMapFailed, s.Handle, s.Seq)
	}
	copy(dst, unsafe.Slice((*byte)(ptr), p.size))
	p.gl.UnmapBuffer(GLPixelPackBuffer)
	p.gl.BindBuffer(GLPixelPackBuffer, 0)
	s.InFlight = false
	return nil
}

// Pending returns the in-flight slots in sequence order.
func (p *Pool) Pending() []*Slot {
	var out []*Slot
	for i := range p.slots {
		if p.slots[i].InFlight {
			out = append(out, &p.slots[i])
		}
	}
	slices.SortFunc(out, func(a, b *Slot) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Release deletes the GL buffers. Pending reads are discarded. Safe to call
// more than once.
func (p *Pool) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	handles := make([]uint32, len(p.slots))
	for i := range p.slots {
		handles[i] = p.slots[i].Handle
		p.slots[i].InFlight = false
	}
	p.gl.DeleteBuffers(int32(len(handles)), &handles[0])
}
