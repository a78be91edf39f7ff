package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/glrec/internal/logx"
	"github.com/zsiec/glrec/internal/queue"
	"github.com/zsiec/glrec/media"
)

// DefaultChunkFrames is the number of sample frames per chunk, about 21 ms
// at 48 kHz.
const DefaultChunkFrames = 1024

// Adapter reads a Source on its own goroutine and pushes PCMChunks with a
// running sample offset.
type Adapter struct {
	src         Source
	out         *queue.Queue[*media.PCMChunk]
	chunkFrames int
	log         *slog.Logger

	offset      atomic.Uint64
	chunks      atomic.Uint64
	lastDropLog atomic.Int64
}

// NewAdapter wires src to out. chunkFrames <= 0 uses DefaultChunkFrames.
func NewAdapter(src Source, out *queue.Queue[*media.PCMChunk], chunkFrames int, logger *slog.Logger) *Adapter {
	if chunkFrames <= 0 {
		chunkFrames = DefaultChunkFrames
	}
	a := &Adapter{
		src:         src,
		out:         out,
		chunkFrames: chunkFrames,
		log:         logx.Component(logger, "audio"),
	}
	out.OnDrop(func(c *media.PCMChunk, total uint64) {
		if logx.Every(&a.lastDropLog, time.Second) {
			a.log.Warn("audio queue full, dropped oldest chunk", "offset", c.Offset, "total_dropped", total)
		}
	})
	return a
}

// Run reads until the source reports io.EOF (normally after Close) and
// then closes the output queue. A read error other than io.EOF is
// returned after closing the queue.
func (a *Adapter) Run() error {
	defer a.out.Close()

	f := a.src.Format()
	if err := f.Validate(); err != nil {
		return err
	}
	for {
		buf := make([]int16, a.chunkFrames*f.Channels)
		n, err := a.src.Read(buf)
		n -= n % f.Channels
		if n > 0 {
			offset := a.offset.Add(uint64(n/f.Channels)) - uint64(n/f.Channels)
			chunk := &media.PCMChunk{
				Samples:    buf[:n],
				Channels:   f.Channels,
				SampleRate: f.SampleRate,
				Offset:     offset,
				Timestamp:  media.SampleTimestamp(offset, f.SampleRate),
			}
			if perr := a.out.Push(chunk); perr != nil {
				// Queue closed or aborted by the controller.
				return nil
			}
			a.chunks.Add(1)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio: read source: %w", err)
		}
	}
}

// Samples returns the number of sample frames read so far.
func (a *Adapter) Samples() uint64 { return a.offset.Load() }

// Chunks returns the number of chunks queued.
func (a *Adapter) Chunks() uint64 { return a.chunks.Load() }
