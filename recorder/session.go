package recorder

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/glrec/audio"
	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/internal/capture"
	"github.com/zsiec/glrec/internal/encode"
	"github.com/zsiec/glrec/internal/logx"
	"github.com/zsiec/glrec/internal/mux"
	"github.com/zsiec/glrec/internal/pbo"
	"github.com/zsiec/glrec/internal/queue"
	"github.com/zsiec/glrec/internal/srtout"
	"github.com/zsiec/glrec/media"
)

// session is one PrepareCapture..StopCapture cycle: the buffer pool, the
// queues and the worker goroutines that drain them.
type session struct {
	id   uuid.UUID
	log  *slog.Logger
	cfg  Config
	path string
	file *os.File

	pool *pbo.Pool // nil in direct mode

	// glMu serializes GL-thread work on the scheduler with the stop flush.
	glMu    sync.Mutex
	sched   *capture.Scheduler
	stopped bool

	frames    *queue.Queue[*media.RawFrame]
	chunks    *queue.Queue[*media.PCMChunk]
	videoPkts *queue.Queue[media.Packet]
	audioPkts *queue.Queue[media.Packet]

	src     audio.Source
	adapter *audio.Adapter
	muxer   *mux.Muxer
	live    *srtout.Sink

	cancel     context.CancelFunc
	group      *errgroup.Group
	abortOnce  sync.Once
	failOnce   sync.Once
	firstErr   error
	destroyed  atomic.Bool
	lastErrLog atomic.Int64

	done chan struct{}
	err  error
}

type sessionDeps struct {
	cfg        Config
	path       string
	file       *os.File
	gl         *pbo.Funcs
	pool       *pbo.Pool
	codecs     *codec.Registry
	src        audio.Source
	live       *srtout.Sink
	frameQueue int
	chunkQueue int
	log        *slog.Logger
	onProgress func(int)
}

func newSession(d sessionDeps) *session {
	id := uuid.New()
	log := d.log.With("session", id.String())
	s := &session{
		id:        id,
		log:       log,
		cfg:       d.cfg,
		path:      d.path,
		file:      d.file,
		pool:      d.pool,
		src:       d.src,
		live:      d.live,
		frames:    queue.New[*media.RawFrame](d.frameQueue, queue.DropOldest),
		videoPkts: queue.New[media.Packet](media.PacketQueueSize, queue.Block),
		done:      make(chan struct{}),
	}
	s.sched = capture.New(capture.Config{
		GL:        d.gl,
		Pool:      d.pool,
		Frames:    s.frames,
		Width:     int(d.cfg.Width),
		Height:    int(d.cfg.Height),
		FrameRate: d.cfg.FrameRate,
		Logger:    log,
	})
	if s.src != nil {
		s.chunks = queue.New[*media.PCMChunk](d.chunkQueue, queue.DropOldest)
		s.audioPkts = queue.New[media.Packet](media.PacketQueueSize, queue.Block)
		s.adapter = audio.NewAdapter(s.src, s.chunks, 0, log)
	}

	muxCfg := mux.Config{
		Output:     d.file,
		DocType:    d.cfg.VideoFormat.Container().DocType,
		SegmentUID: id[:],
		Tracks:     &mux.Tracks{},
		Video:      s.videoPkts,
		Audio:      s.audioPkts,
		OnProgress: d.onProgress,
		Logger:     log,
	}
	if s.live != nil {
		muxCfg.Tee = s.live
	}
	s.muxer = mux.New(muxCfg)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.goWorker(func() error {
		return encode.RunVideo(ctx, encode.VideoConfig{
			Codecs: d.codecs,
			Format: d.cfg.VideoFormat,
			Params: codec.VideoParams{
				Width:     int(d.cfg.Width),
				Height:    int(d.cfg.Height),
				FrameRate: d.cfg.FrameRate,
				BitRate:   d.cfg.VideoBitrate,
				Quality:   int(d.cfg.JPEGQuality),
			},
			In:     s.frames,
			Out:    s.videoPkts,
			Tracks: muxCfg.Tracks,
			Logger: log,
		})
	})
	if s.adapter != nil {
		f := s.src.Format()
		s.goWorker(s.adapter.Run)
		s.goWorker(func() error {
			return encode.RunAudio(ctx, encode.AudioConfig{
				Codecs: d.codecs,
				Format: d.cfg.AudioFormat,
				Params: codec.AudioParams{
					SampleRate: f.SampleRate,
					Channels:   f.Channels,
					BitRate:    d.cfg.AudioBitrate,
				},
				In:     s.chunks,
				Out:    s.audioPkts,
				Tracks: muxCfg.Tracks,
				Logger: log,
			})
		})
	}
	s.goWorker(func() error { return s.muxer.Run(ctx) })
	return s
}

// goWorker runs fn in the group. The first failure is recorded before
// every queue is aborted, so the workers that unblock with cancellation
// errors cannot mask it.
func (s *session) goWorker(fn func() error) {
	s.group.Go(func() error {
		err := fn()
		if err != nil {
			s.failOnce.Do(func() { s.firstErr = err })
			s.abort()
		}
		return err
	})
}

// abort tears the pipeline down without flushing. Safe from any goroutine.
func (s *session) abort() {
	s.abortOnce.Do(func() {
		s.cancel()
		s.frames.Abort()
		s.videoPkts.Abort()
		if s.chunks != nil {
			s.chunks.Abort()
			s.audioPkts.Abort()
		}
		if s.src != nil {
			_ = s.src.Close()
		}
	})
}

// capture runs on the GL thread.
func (s *session) capture() {
	s.glMu.Lock()
	defer s.glMu.Unlock()
	if s.stopped {
		return
	}
	if err := s.sched.Capture(); err != nil && logx.Every(&s.lastErrLog, time.Second) {
		s.log.Warn("capture failed", "error", err)
	}
}

// drain flushes pending readbacks and closes the inputs so the workers
// finish. Runs on the GL thread when a pool is in use.
func (s *session) drain() {
	s.glMu.Lock()
	if !s.stopped {
		s.stopped = true
		if err := s.sched.Flush(); err != nil {
			s.log.Warn("flush failed", "error", err)
		}
		s.muxer.SetExpected(s.frames.Pushed() - s.frames.Dropped())
		s.frames.Close()
	}
	s.glMu.Unlock()

	if s.src != nil {
		_ = s.src.Close()
	}
}

// markStopped makes later capture calls no-ops after an abort.
func (s *session) markStopped() {
	s.glMu.Lock()
	s.stopped = true
	s.glMu.Unlock()
}

// watch calls finish once the workers exit. finish runs before done is
// closed, so waiters observe its effects.
func (s *session) watch(finish func(*session, error)) {
	go func() {
		err := s.group.Wait()
		if s.firstErr != nil {
			err = s.firstErr
		}
		s.cancel()
		if s.live != nil {
			_ = s.live.Close()
		}
		if cerr := s.file.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if errors.Is(err, context.Canceled) && s.destroyed.Load() {
			err = ErrDestroyed
		}
		s.err = err
		finish(s, err)
		close(s.done)
	}()
}

func (s *session) stats() Stats {
	st := Stats{Session: s.id.String()}
	cs := s.sched.Stats()
	st.FramesCaptured = cs.Captured
	st.FramesDropped = cs.Dropped
	st.GLStalls = cs.Stalls
	st.HarvestErrors = cs.Errors
	if s.adapter != nil {
		st.AudioSamples = s.adapter.Samples()
		st.ChunksDropped = s.chunks.Dropped()
	}
	ms := s.muxer.Stats()
	st.VideoPackets = ms.VideoPackets
	st.AudioPackets = ms.AudioPackets
	st.Keyframes = ms.Keyframes
	st.BytesWritten = ms.Bytes
	if s.live != nil {
		ls := s.live.Stats()
		st.LiveChunks = ls.Chunks
		st.LiveDropped = ls.Dropped
	}
	return st
}
