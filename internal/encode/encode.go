// Package encode runs the video and audio encode workers. Each worker owns
// one encoder, drains its input queue in FIFO order, stamps packets and
// hands them to the muxer's packet queue.
package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/internal/logx"
	"github.com/zsiec/glrec/internal/mux"
	"github.com/zsiec/glrec/internal/queue"
	"github.com/zsiec/glrec/media"
)

// Error is an encoder failure. It aborts the recording.
type Error struct {
	Stream media.StreamKind
	Op     string // "open", "encode" or "flush"
	Seq    uint64 // frame sequence or chunk offset, for Op "encode"
	Err    error
}

func (e *Error) Error() string {
	if e.Op == "encode" {
		return fmt.Sprintf("%s encoder: %s %d: %v", e.Stream, e.Op, e.Seq, e.Err)
	}
	return fmt.Sprintf("%s encoder: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// VideoConfig wires a video worker.
type VideoConfig struct {
	Codecs *codec.Registry
	Format codec.VideoFormat
	Params codec.VideoParams
	In     *queue.Queue[*media.RawFrame]
	Out    *queue.Queue[media.Packet]
	Tracks *mux.Tracks
	Logger *slog.Logger
}

// RunVideo encodes frames until In is closed and drained, flushes the
// encoder and closes Out. Any encoder failure is returned as *Error and
// leaves Out open; the caller aborts the queues.
func RunVideo(ctx context.Context, cfg VideoConfig) error {
	log := logx.Component(cfg.Logger, "video-encode")
	params := cfg.Params
	params.Logger = log

	enc, err := cfg.Codecs.OpenVideo(cfg.Format, params)
	if err != nil {
		return &Error{Stream: media.StreamVideo, Op: "open", Err: err}
	}
	defer enc.Close()

	frameDur := media.FrameTimestamp(1, params.FrameRate)
	s := &stamper{out: cfg.Out, tracks: cfg.Tracks, track: enc.Track}
	emit := func(pkts []media.Packet) error {
		for i := range pkts {
			p := &pkts[i]
			p.Stream = media.StreamVideo
			p.Timestamp = media.FrameTimestamp(p.Seq, params.FrameRate)
			p.Duration = frameDur
		}
		return s.push(pkts)
	}

	log.Debug("video encoder opened", "format", cfg.Format, "width", params.Width, "height", params.Height)
	var frames uint64
	for {
		f, ok := cfg.In.Pop()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pkts, err := enc.Encode(f)
		if err != nil {
			return &Error{Stream: media.StreamVideo, Op: "encode", Seq: f.Seq, Err: err}
		}
		frames++
		if err := emit(pkts); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pkts, err := enc.Flush()
	if err != nil {
		return &Error{Stream: media.StreamVideo, Op: "flush", Err: err}
	}
	if err := emit(pkts); err != nil {
		return err
	}
	s.publish()
	cfg.Out.Close()
	log.Debug("video encoder drained", "frames", frames, "packets", s.count)
	return nil
}

// AudioConfig wires an audio worker.
type AudioConfig struct {
	Codecs *codec.Registry
	Format codec.AudioFormat
	Params codec.AudioParams
	In     *queue.Queue[*media.PCMChunk]
	Out    *queue.Queue[media.Packet]
	Tracks *mux.Tracks
	Logger *slog.Logger
}

// RunAudio is the audio counterpart of RunVideo. Packet timestamps come
// from the encoder's running sample count and are clamped to be
// non-decreasing.
func RunAudio(ctx context.Context, cfg AudioConfig) error {
	log := logx.Component(cfg.Logger, "audio-encode")
	params := cfg.Params
	params.Logger = log

	enc, err := cfg.Codecs.OpenAudio(cfg.Format, params)
	if err != nil {
		return &Error{Stream: media.StreamAudio, Op: "open", Err: err}
	}
	defer enc.Close()

	s := &stamper{out: cfg.Out, tracks: cfg.Tracks, track: enc.Track}
	emit := func(pkts []media.Packet) error {
		for i := range pkts {
			p := &pkts[i]
			p.Stream = media.StreamAudio
			if p.Timestamp < s.last {
				p.Timestamp = s.last
			}
			s.last = p.Timestamp
		}
		return s.push(pkts)
	}

	log.Debug("audio encoder opened", "format", cfg.Format, "sample_rate", params.SampleRate, "channels", params.Channels)
	for {
		c, ok := cfg.In.Pop()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pkts, err := enc.Encode(c)
		if err != nil {
			return &Error{Stream: media.StreamAudio, Op: "encode", Seq: c.Offset, Err: err}
		}
		if err := emit(pkts); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pkts, err := enc.Flush()
	if err != nil {
		return &Error{Stream: media.StreamAudio, Op: "flush", Err: err}
	}
	if err := emit(pkts); err != nil {
		return err
	}
	s.publish()
	cfg.Out.Close()
	log.Debug("audio encoder drained", "packets", s.count)
	return nil
}

// stamper publishes the track before the first packet and forwards
// packets to the mux queue.
type stamper struct {
	out       *queue.Queue[media.Packet]
	tracks    *mux.Tracks
	track     func() media.TrackInfo
	published bool
	last      time.Duration // audio only
	count     uint64
}

func (s *stamper) publish() {
	if !s.published {
		s.tracks.Publish(s.track())
		s.published = true
	}
}

func (s *stamper) push(pkts []media.Packet) error {
	for _, p := range pkts {
		s.publish()
		if err := s.out.Push(p); err != nil {
			if errors.Is(err, queue.ErrAborted) {
				return context.Canceled
			}
			return err
		}
		s.count++
	}
	return nil
}
