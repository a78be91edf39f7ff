// Package capture runs the per-frame readback on the caller's GL thread.
//
// Each Capture call rotates through the buffer pool by sequence number. A
// slot that still holds an earlier frame is harvested first (map, copy,
// unmap, enqueue), then the current framebuffer is read into it. With three
// slots the GPU copy of frame k overlaps the CPU copy of frame k-3, so the
// GL thread only waits when the pipeline is a full pool behind.
package capture

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zsiec/glrec/internal/logx"
	"github.com/zsiec/glrec/internal/pbo"
	"github.com/zsiec/glrec/internal/queue"
	"github.com/zsiec/glrec/media"
)

// Config wires a Scheduler.
type Config struct {
	GL        *pbo.Funcs
	Pool      *pbo.Pool // nil selects direct synchronous reads
	Frames    *queue.Queue[*media.RawFrame]
	Width     int
	Height    int
	FrameRate uint32
	Logger    *slog.Logger
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Captured uint64 // frames handed to the frame queue
	Dropped  uint64 // frames the queue discarded
	Stalls   uint64 // captures that had to harvest before reading
	Errors   uint64 // harvests that failed to map
}

// Scheduler owns the sequence counter and the buffer pool. It is not safe
// for concurrent use; every method must run on the GL thread.
type Scheduler struct {
	log    *slog.Logger
	gl     *pbo.Funcs
	pool   *pbo.Pool
	frames *queue.Queue[*media.RawFrame]

	width, height int
	fps           uint32
	seq           uint64

	captured    atomic.Uint64
	stalls      atomic.Uint64
	errors      atomic.Uint64
	lastDropLog atomic.Int64
}

// New creates a Scheduler. The frame queue should use queue.DropOldest so
// Capture never waits on encoders.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		log:    logx.Component(cfg.Logger, "capture"),
		gl:     cfg.GL,
		pool:   cfg.Pool,
		frames: cfg.Frames,
		width:  cfg.Width,
		height: cfg.Height,
		fps:    cfg.FrameRate,
	}
	cfg.Frames.OnDrop(func(f *media.RawFrame, total uint64) {
		if logx.Every(&s.lastDropLog, time.Second) {
			s.log.Warn("frame queue full, dropped oldest frame",
				"seq", f.Seq, "total_dropped", total, "queue", s.frames.Cap())
		}
	})
	return s
}

// NextSeq returns the sequence number the next Capture will use.
func (s *Scheduler) NextSeq() uint64 { return s.seq }

// Capture reads the current framebuffer. In pool mode the read is
// asynchronous and the frame reaches the queue on a later call or on Flush.
func (s *Scheduler) Capture() error {
	seq := s.seq
	s.seq++

	if s.pool == nil {
		f := s.newFrame(seq)
		s.gl.ReadPixels(0, 0, int32(s.width), int32(s.height),
			pbo.GLRGBA, pbo.GLUnsignedByte, unsafe.Pointer(&f.Pix[0]))
		return s.push(f)
	}

	slot := s.pool.SlotFor(seq)
	var harvestErr error
	if slot.InFlight {
		s.stalls.Add(1)
		harvestErr = s.harvest(slot)
	}
	if err := s.pool.Issue(slot, seq); err != nil {
		return err
	}
	return harvestErr
}

// Flush harvests every pending read in sequence order. Called once at stop
// time, still on the GL thread.
func (s *Scheduler) Flush() error {
	if s.pool == nil {
		return nil
	}
	var firstErr error
	for _, slot := range s.pool.Pending() {
		if err := s.harvest(slot); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Captured: s.captured.Load(),
		Dropped:  s.frames.Dropped(),
		Stalls:   s.stalls.Load(),
		Errors:   s.errors.Load(),
	}
}

func (s *Scheduler) newFrame(seq uint64) *media.RawFrame {
	return &media.RawFrame{
		Seq:       seq,
		Timestamp: media.FrameTimestamp(seq, s.fps),
		Width:     s.width,
		Height:    s.height,
		Pix:       make([]byte, s.width*s.height*4),
	}
}

func (s *Scheduler) harvest(slot *pbo.Slot) error {
	f := s.newFrame(slot.Seq)
	if err := s.pool.Harvest(slot, f.Pix); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("capture: harvest frame %d: %w", f.Seq, err)
	}
	return s.push(f)
}

func (s *Scheduler) push(f *media.RawFrame) error {
	if err := s.frames.Push(f); err != nil {
		return fmt.Errorf("capture: enqueue frame %d: %w", f.Seq, err)
	}
	s.captured.Add(1)
	return nil
}
