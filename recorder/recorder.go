// Package recorder records a live OpenGL render target to a Matroska or
// WebM file without stalling the rendering thread.
//
// The caller owns the GL context and registers the GL entry points the
// recorder needs. Each rendered frame the caller invokes Capture on the GL
// thread; the recorder reads the framebuffer back through a rotating set of
// pixel buffer objects and hands finished frames to background encode and
// mux goroutines.
//
// Calls that touch GL (PrepareCapture, Capture, and StopCapture and Destroy
// when triple buffering is enabled) must run on the thread that owns the
// GL context.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/zsiec/glrec/audio"
	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/internal/callback"
	"github.com/zsiec/glrec/internal/logx"
	"github.com/zsiec/glrec/internal/pbo"
	"github.com/zsiec/glrec/internal/srtout"
	"github.com/zsiec/glrec/media"
)

// DefaultSavedName is the output stem used until SetSavedName is called.
const DefaultSavedName = "recording"

// Recorder is the capture controller. Create one with New.
type Recorder struct {
	log        *slog.Logger
	codecs     *codec.Registry
	openAudio  AudioOpener
	live       LiveConfig
	frameQueue int
	chunkQueue int
	dialLive   func(context.Context, srtout.Config, *slog.Logger) (*srtout.Sink, error)

	callbacks *callback.Registry
	capturing atomic.Bool

	mu         sync.Mutex
	state      State
	cfg        Config
	stem       string
	gl         pbo.Funcs
	sess       *session
	parked     []*pbo.Pool // pools of sessions that ended off the GL thread
	lastStats  Stats
	lastOutput string
}

// New returns an idle recorder using DefaultConfig.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		codecs:     codec.Default,
		frameQueue: media.FrameQueueSize,
		chunkQueue: media.ChunkQueueSize,
		callbacks:  callback.New(),
		cfg:        DefaultConfig(),
		stem:       DefaultSavedName,
		dialLive:   srtout.Dial,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logx.Component(r.log, "recorder")
	return r
}

// InitConfig validates and installs cfg. Width is floored to a multiple of
// 8 and height to a multiple of 2. On failure DefaultConfig is installed
// and a *ConfigError is returned; no error event is fired.
func (r *Recorder) InitConfig(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.idleLocked(); err != nil {
		return err
	}

	cfg = cfg.Normalize()
	r.state = StateConfigured
	if err := cfg.Validate(); err != nil {
		r.cfg = DefaultConfig()
		r.log.Warn("invalid configuration, using defaults", "error", err)
		return &ConfigError{Config: cfg, Err: err}
	}
	r.cfg = cfg
	return nil
}

// Config returns the installed configuration.
func (r *Recorder) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetSavedName sets the output path without extension. The extension is
// chosen from the video codec at PrepareCapture.
func (r *Recorder) SetSavedName(stem string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.idleLocked(); err != nil {
		return err
	}
	if stem == "" {
		return errors.New("recorder: empty saved name")
	}
	r.stem = stem
	r.state = StateConfigured
	return nil
}

func (r *Recorder) idleLocked() error {
	switch r.state {
	case StateDestroyed:
		return ErrDestroyed
	case StateCapturing, StateStopping:
		return ErrBusy
	}
	return nil
}

// PrepareCapture allocates the buffer pool and queues, opens the output
// file and starts the workers. On success the recorder is capturing and
// the start event fires. On failure a *SetupError is returned and the
// state is unchanged. GL thread only.
func (r *Recorder) PrepareCapture() error {
	r.mu.Lock()
	err := r.idleLocked()
	if err == nil {
		if verr := r.gl.Validate(r.cfg.TripleBuffering); verr != nil {
			err = &SetupError{Op: "gl functions", Err: verr}
		}
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	// The dial can take up to its timeout, so it runs unlocked.
	live := r.connectLive()

	r.mu.Lock()
	if err := r.idleLocked(); err != nil {
		r.mu.Unlock()
		closeLive(live)
		return err
	}
	r.releaseParkedLocked()

	sess, err := r.setupLocked(live)
	if err != nil {
		r.mu.Unlock()
		closeLive(live)
		return err
	}
	r.sess = sess
	r.state = StateCapturing
	r.lastOutput = sess.path
	r.capturing.Store(true)
	r.mu.Unlock()

	sess.watch(r.sessionEnded)
	sess.log.Info("capture started",
		"path", sess.path,
		"size", fmt.Sprintf("%dx%d", sess.cfg.Width, sess.cfg.Height),
		"video", sess.cfg.VideoFormat,
		"audio", sess.src != nil,
		"triple_buffering", sess.pool != nil,
	)
	r.callbacks.Fire(EventStart)
	return nil
}

// connectLive dials the live output if one is configured. A failed dial
// only costs the live stream.
func (r *Recorder) connectLive() *srtout.Sink {
	if !r.live.Enabled() {
		return nil
	}
	sink, err := r.dialLive(context.Background(), r.live, r.log)
	if err != nil {
		r.log.Warn("live output unavailable, recording to file only", "error", err)
		return nil
	}
	return sink
}

func closeLive(s *srtout.Sink) {
	if s != nil {
		_ = s.Close()
	}
}

func (r *Recorder) setupLocked(live *srtout.Sink) (*session, error) {
	cfg := r.cfg
	gl := r.gl
	if err := gl.Validate(cfg.TripleBuffering); err != nil {
		return nil, &SetupError{Op: "gl functions", Err: err}
	}

	var pool *pbo.Pool
	if cfg.TripleBuffering {
		p, err := pbo.New(&gl, pbo.TripleBufferSlots, int(cfg.Width), int(cfg.Height))
		if err != nil {
			return nil, &SetupError{Op: "buffer pool", Err: err}
		}
		pool = p
	}

	var src audio.Source
	if cfg.RecordAudio {
		if r.openAudio == nil {
			r.log.Warn("audio requested but no source configured, recording video only")
		} else {
			s, err := r.openAudio()
			if err != nil {
				pool.Release()
				return nil, &SetupError{Op: "audio source", Err: err}
			}
			if err := s.Format().Validate(); err != nil {
				_ = s.Close()
				pool.Release()
				return nil, &SetupError{Op: "audio source", Err: err}
			}
			src = s
		}
	}

	path := r.stem + cfg.Extension()
	file, err := os.Create(path)
	if err != nil {
		if src != nil {
			_ = src.Close()
		}
		pool.Release()
		return nil, &SetupError{Op: "output file", Err: err}
	}

	return newSession(sessionDeps{
		cfg:        cfg,
		path:       path,
		file:       file,
		gl:         &gl,
		pool:       pool,
		codecs:     r.codecs,
		src:        src,
		live:       live,
		frameQueue: r.frameQueue,
		chunkQueue: r.chunkQueue,
		log:        r.log,
		onProgress: func(p int) { r.callbacks.FireInt(EventProgress, p) },
	}), nil
}

// Capture reads the current framebuffer into the recording. It must be
// called once per rendered frame on the GL thread and is a no-op unless
// the recorder is capturing.
func (r *Recorder) Capture() {
	if !r.capturing.Load() {
		return
	}
	r.mu.Lock()
	s := r.sess
	r.releaseParkedLocked()
	r.mu.Unlock()
	if s != nil {
		s.capture()
	}
}

// Capturing reports whether Capture calls are being recorded.
func (r *Recorder) Capturing() bool { return r.capturing.Load() }

// StopCapture flushes pending frames, waits for the encoders and the muxer
// to finish, closes the file and fires the saved event with its path. It
// blocks until the file is complete. With triple buffering it must run on
// the GL thread.
func (r *Recorder) StopCapture() error {
	r.mu.Lock()
	if r.state == StateDestroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if r.state != StateCapturing || r.sess == nil {
		r.mu.Unlock()
		return ErrNotCapturing
	}
	s := r.sess
	r.state = StateStopping
	r.capturing.Store(false)
	r.mu.Unlock()

	s.log.Info("stopping capture", "frames", s.frames.Pushed()-s.frames.Dropped())
	s.drain()
	<-s.done

	r.mu.Lock()
	r.releaseParkedLocked()
	if r.sess == s {
		r.sess = nil
	}
	if r.state == StateStopping {
		r.state = StateIdle
	}
	r.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	r.callbacks.FireString(EventSaved, s.path)
	return nil
}

// sessionEnded runs on the session's watcher goroutine after every worker
// has exited.
func (r *Recorder) sessionEnded(s *session, err error) {
	st := s.stats()
	r.mu.Lock()
	r.lastStats = st
	if s.pool != nil {
		r.parked = append(r.parked, s.pool)
	}
	if err != nil && r.sess == s {
		r.sess = nil
		r.capturing.Store(false)
		if r.state == StateCapturing {
			r.state = StateIdle
		}
	}
	r.mu.Unlock()

	if err == nil {
		s.log.Info("capture saved", "path", s.path,
			"video_packets", st.VideoPackets, "audio_packets", st.AudioPackets,
			"dropped", st.FramesDropped, "stalls", st.GLStalls, "bytes", st.BytesWritten)
		return
	}
	s.markStopped()
	if errors.Is(err, ErrDestroyed) {
		s.log.Info("capture abandoned by destroy", "path", s.path)
		return
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.log.Warn("could not remove incomplete output", "path", s.path, "error", rmErr)
	}
	s.log.Error("capture failed", "error", err)
	r.callbacks.FireString(EventError, err.Error())
}

// Destroy disables every callback, abandons any capture without
// finalizing its file, waits for the workers and releases the buffer
// pool. The recorder cannot be used afterwards. Safe in any state; with
// triple buffering it must run on the GL thread.
func (r *Recorder) Destroy() {
	r.callbacks.Disable()

	r.mu.Lock()
	if r.state == StateDestroyed {
		r.mu.Unlock()
		return
	}
	r.state = StateDestroyed
	r.capturing.Store(false)
	s := r.sess
	r.sess = nil
	r.mu.Unlock()

	if s != nil {
		s.destroyed.Store(true)
		s.markStopped()
		s.abort()
		<-s.done
	}

	r.mu.Lock()
	r.releaseParkedLocked()
	r.mu.Unlock()
	r.log.Debug("recorder destroyed")
}

func (r *Recorder) releaseParkedLocked() {
	for _, p := range r.parked {
		p.Release()
	}
	r.parked = nil
}

// State returns the lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns counters for the running capture, or for the last one.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	s := r.sess
	last := r.lastStats
	r.mu.Unlock()
	if s != nil {
		return s.stats()
	}
	return last
}

// OutputPath returns the path of the current or most recent recording.
func (r *Recorder) OutputPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOutput
}
