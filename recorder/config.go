package recorder

import (
	"errors"
	"fmt"

	"github.com/zsiec/glrec/codec"
)

// VideoFormat and AudioFormat select codecs. See the codec package.
type (
	VideoFormat = codec.VideoFormat
	AudioFormat = codec.AudioFormat
)

// Codec selections.
const (
	VideoVP8    = codec.VideoVP8
	VideoVP9    = codec.VideoVP9
	VideoMJPEG  = codec.VideoMJPEG
	VideoH264   = codec.VideoH264
	AudioVorbis = codec.AudioVorbis
)

// Config is the recording configuration. It is copied at PrepareCapture
// and immutable for the rest of the capture.
type Config struct {
	TripleBuffering bool        `yaml:"triple_buffering"`
	RecordAudio     bool        `yaml:"record_audio"`
	Width           uint32      `yaml:"width"`  // floored to a multiple of 8
	Height          uint32      `yaml:"height"` // floored to a multiple of 2
	VideoFormat     VideoFormat `yaml:"video_format"`
	AudioFormat     AudioFormat `yaml:"audio_format"`
	VideoBitrate    uint32      `yaml:"video_bitrate"` // bits per second
	AudioBitrate    uint32      `yaml:"audio_bitrate"` // bits per second
	FrameRate       uint32      `yaml:"frame_rate"`
	JPEGQuality     uint32      `yaml:"jpeg_quality"` // 0-100
}

// DefaultConfig returns the configuration installed when InitConfig
// rejects its input.
func DefaultConfig() Config {
	return Config{
		TripleBuffering: true,
		RecordAudio:     false,
		Width:           1280,
		Height:          720,
		VideoFormat:     VideoMJPEG,
		AudioFormat:     AudioVorbis,
		VideoBitrate:    1_000_000,
		AudioBitrate:    112_000,
		FrameRate:       30,
		JPEGQuality:     90,
	}
}

// Normalize floors the dimensions to their required alignment and clamps
// JPEGQuality to 100.
func (c Config) Normalize() Config {
	c.Width &^= 7
	c.Height &^= 1
	c.JPEGQuality = min(c.JPEGQuality, 100)
	return c
}

// Validate reports every problem with c, which must already be normalized.
// A zero bitrate is valid; encoders that use one pick their own default.
func (c Config) Validate() error {
	var errs []error
	if c.Width == 0 || c.Height == 0 {
		errs = append(errs, fmt.Errorf("size %dx%d is empty after alignment", c.Width, c.Height))
	}
	if !c.VideoFormat.Valid() {
		errs = append(errs, fmt.Errorf("unknown video format %d", uint32(c.VideoFormat)))
	}
	if !c.AudioFormat.Valid() {
		errs = append(errs, fmt.Errorf("unknown audio format %d", uint32(c.AudioFormat)))
	}
	if c.FrameRate == 0 {
		errs = append(errs, errors.New("frame rate is zero"))
	}
	return errors.Join(errs...)
}

// Extension returns the output file extension for the configured codec.
func (c Config) Extension() string {
	return c.VideoFormat.Container().Extension
}
