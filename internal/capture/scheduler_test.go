package capture

import (
	"errors"
	"testing"

	"github.com/zsiec/glrec/internal/pbo"
	"github.com/zsiec/glrec/internal/queue"
	"github.com/zsiec/glrec/internal/softgl"
	"github.com/zsiec/glrec/media"
)

const (
	testW = 16
	testH = 4
)

func newPooled(t *testing.T, gl *softgl.Context, slots, queueSize int) (*Scheduler, *queue.Queue[*media.RawFrame], *pbo.Pool) {
	t.Helper()
	pool, err := pbo.New(gl.Funcs(), slots, testW, testH)
	if err != nil {
		t.Fatalf("pbo.New: %v", err)
	}
	t.Cleanup(pool.Release)
	frames := queue.New[*media.RawFrame](queueSize, queue.DropOldest)
	s := New(Config{GL: gl.Funcs(), Pool: pool, Frames: frames, Width: testW, Height: testH, FrameRate: 30})
	return s, frames, pool
}

func drain(q *queue.Queue[*media.RawFrame]) []*media.RawFrame {
	var out []*media.RawFrame
	for {
		f, ok, _ := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestNoMapsWithinPoolDepth(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	s, frames, _ := newPooled(t, gl, pbo.TripleBufferSlots, 16)

	for i := 0; i < pbo.TripleBufferSlots; i++ {
		if err := s.Capture(); err != nil {
			t.Fatalf("Capture %d: %v", i, err)
		}
	}
	if _, maps, _ := gl.Counts(); maps != 0 {
		t.Fatalf("maps = %d, want 0 within pool depth", maps)
	}
	if frames.Len() != 0 {
		t.Fatalf("queue len = %d, want 0 before any harvest", frames.Len())
	}
	if st := s.Stats(); st.Stalls != 0 {
		t.Fatalf("stalls = %d, want 0", st.Stalls)
	}

	if err := s.Capture(); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, maps, _ := gl.Counts(); maps != 1 {
		t.Fatalf("maps = %d, want 1 after wrapping", maps)
	}
}

func TestSequenceContiguousAfterFlush(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	s, frames, pool := newPooled(t, gl, pbo.TripleBufferSlots, 32)

	const n = 10
	for i := uint32(0); i < n; i++ {
		gl.Stamp(100 + i)
		if err := s.Capture(); err != nil {
			t.Fatalf("Capture %d: %v", i, err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(pool.Pending()) != 0 {
		t.Fatal("slots still pending after Flush")
	}

	got := drain(frames)
	if len(got) != n {
		t.Fatalf("frames = %d, want %d", len(got), n)
	}
	for i, f := range got {
		if f.Seq != uint64(i) {
			t.Fatalf("frame %d seq = %d, want %d", i, f.Seq, i)
		}
		if stamp := softgl.StampOf(f.Pix); stamp != 100+uint32(i) {
			t.Fatalf("frame %d stamp = %d, want %d", i, stamp, 100+i)
		}
		if want := media.FrameTimestamp(uint64(i), 30); f.Timestamp != want {
			t.Fatalf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}
	if st := s.Stats(); st.Captured != n || st.Stalls != n-pbo.TripleBufferSlots {
		t.Fatalf("stats = %+v, want captured %d stalls %d", st, n, n-pbo.TripleBufferSlots)
	}
}

func TestDirectMode(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	frames := queue.New[*media.RawFrame](4, queue.DropOldest)
	s := New(Config{GL: &pbo.Funcs{ReadPixels: gl.ReadPixels}, Frames: frames, Width: testW, Height: testH, FrameRate: 60})

	gl.Stamp(7)
	if err := s.Capture(); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	f, ok, _ := frames.TryPop()
	if !ok {
		t.Fatal("direct capture did not enqueue synchronously")
	}
	if softgl.StampOf(f.Pix) != 7 || f.Seq != 0 {
		t.Fatalf("got seq %d stamp %d, want seq 0 stamp 7", f.Seq, softgl.StampOf(f.Pix))
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	frames := queue.New[*media.RawFrame](2, queue.DropOldest)
	s := New(Config{GL: &pbo.Funcs{ReadPixels: gl.ReadPixels}, Frames: frames, Width: testW, Height: testH, FrameRate: 30})

	for i := 0; i < 5; i++ {
		if err := s.Capture(); err != nil {
			t.Fatalf("Capture %d: %v", i, err)
		}
	}
	if st := s.Stats(); st.Dropped != 3 {
		t.Fatalf("dropped = %d, want 3", st.Dropped)
	}
	got := drain(frames)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("remaining frames wrong: %d frames", len(got))
	}
}

func TestHarvestFailureStillIssues(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	s, _, pool := newPooled(t, gl, 1, 4)

	if err := s.Capture(); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	gl.FailMap = true
	if err := s.Capture(); !errors.Is(err, pbo.ErrMapFailed) {
		t.Fatalf("Capture: got %v, want ErrMapFailed", err)
	}
	if p := pool.Pending(); len(p) != 1 || p[0].Seq != 1 {
		t.Fatal("frame 1 was not issued after failed harvest of frame 0")
	}
	if s.Stats().Errors != 1 {
		t.Fatalf("errors = %d, want 1", s.Stats().Errors)
	}
}

func TestCaptureAfterQueueClosed(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	frames := queue.New[*media.RawFrame](2, queue.DropOldest)
	s := New(Config{GL: &pbo.Funcs{ReadPixels: gl.ReadPixels}, Frames: frames, Width: testW, Height: testH, FrameRate: 30})
	frames.Close()
	if err := s.Capture(); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Capture: got %v, want ErrClosed", err)
	}
}
