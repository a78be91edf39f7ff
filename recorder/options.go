package recorder

import (
	"log/slog"

	"github.com/zsiec/glrec/audio"
	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/internal/srtout"
)

// LiveConfig selects an SRT listener that receives the recording as it is
// written.
type LiveConfig = srtout.Config

// AudioOpener opens the PCM source for one capture. The recorder closes the
// source when the capture ends.
type AudioOpener func() (audio.Source, error)

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithAudioSource sets how PCM is obtained when Config.RecordAudio is set.
// Without it the recorder records video only.
func WithAudioSource(open AudioOpener) Option {
	return func(r *Recorder) { r.openAudio = open }
}

// WithCodecs sets the encoder registry. The default is codec.Default.
func WithCodecs(reg *codec.Registry) Option {
	return func(r *Recorder) { r.codecs = reg }
}

// WithLiveOutput streams the container to an SRT listener while recording.
func WithLiveOutput(cfg LiveConfig) Option {
	return func(r *Recorder) { r.live = cfg }
}

// WithQueueSizes overrides the frame and PCM chunk queue capacities.
func WithQueueSizes(frames, chunks int) Option {
	return func(r *Recorder) {
		if frames > 0 {
			r.frameQueue = frames
		}
		if chunks > 0 {
			r.chunkQueue = chunks
		}
	}
}
