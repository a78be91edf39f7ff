// Package codec defines the encoder interfaces the recorder drives and a
// registry mapping codec formats to encoder implementations.
//
// The registry works like database/sql drivers: MJPEG is built in, and
// importing a backend package such as gstcodec registers the rest.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/glrec/media"
)

// ErrUnsupported is returned when no encoder is registered for a format.
var ErrUnsupported = errors.New("codec: unsupported format")

// VideoParams configures a video encoder.
type VideoParams struct {
	Width     int
	Height    int
	FrameRate uint32
	BitRate   uint32 // bits per second
	Quality   int    // 0-100, used by MJPEG
	Logger    *slog.Logger
}

// AudioParams configures an audio encoder.
type AudioParams struct {
	SampleRate int
	Channels   int
	BitRate    uint32 // bits per second
	Logger     *slog.Logger
}

// VideoEncoder compresses captured frames. Returned packets carry Stream,
// Data, Keyframe and the Seq of the frame they encode; the caller assigns
// timestamps. An encoder may buffer input, so one Encode call can return
// zero or several packets.
type VideoEncoder interface {
	Encode(f *media.RawFrame) ([]media.Packet, error)
	Flush() ([]media.Packet, error)
	// Track describes the output stream. It is complete once the first
	// packet has been returned.
	Track() media.TrackInfo
	Close() error
}

// AudioEncoder compresses PCM chunks. Returned packets carry timestamps
// derived from the running sample count.
type AudioEncoder interface {
	Encode(c *media.PCMChunk) ([]media.Packet, error)
	Flush() ([]media.Packet, error)
	Track() media.TrackInfo
	Close() error
}

// VideoFactory opens a video encoder.
type VideoFactory func(VideoParams) (VideoEncoder, error)

// AudioFactory opens an audio encoder.
type AudioFactory func(AudioParams) (AudioEncoder, error)

// Registry maps formats to encoder factories. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	video map[VideoFormat]VideoFactory
	audio map[AudioFormat]AudioFactory
}

// NewRegistry returns a registry with the built-in MJPEG encoder.
func NewRegistry() *Registry {
	r := &Registry{
		video: make(map[VideoFormat]VideoFactory),
		audio: make(map[AudioFormat]AudioFactory),
	}
	r.RegisterVideo(VideoMJPEG, NewMJPEG)
	return r
}

// Default is the registry used when the recorder is not given one.
var Default = NewRegistry()

// RegisterVideo installs f for format, replacing any earlier factory.
func (r *Registry) RegisterVideo(format VideoFormat, f VideoFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video[format] = f
}

// RegisterAudio installs f for format, replacing any earlier factory.
func (r *Registry) RegisterAudio(format AudioFormat, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[format] = f
}

// HasVideo reports whether format has a registered encoder.
func (r *Registry) HasVideo(format VideoFormat) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.video[format]
	return ok
}

// HasAudio reports whether format has a registered encoder.
func (r *Registry) HasAudio(format AudioFormat) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.audio[format]
	return ok
}

// OpenVideo creates an encoder for format.
func (r *Registry) OpenVideo(format VideoFormat, p VideoParams) (VideoEncoder, error) {
	r.mu.RLock()
	f, ok := r.video[format]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: video %s", ErrUnsupported, format)
	}
	enc, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("codec: open %s encoder: %w", format, err)
	}
	return enc, nil
}

// OpenAudio creates an encoder for format.
func (r *Registry) OpenAudio(format AudioFormat, p AudioParams) (AudioEncoder, error) {
	r.mu.RLock()
	f, ok := r.audio[format]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio %s", ErrUnsupported, format)
	}
	enc, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("codec: open %s encoder: %w", format, err)
	}
	return enc, nil
}

// RegisterVideo installs f in Default.
func RegisterVideo(format VideoFormat, f VideoFactory) { Default.RegisterVideo(format, f) }

// RegisterAudio installs f in Default.
func RegisterAudio(format AudioFormat, f AudioFactory) { Default.RegisterAudio(format, f) }
