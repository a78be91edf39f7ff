package codec

import (
	"fmt"
	"strings"
)

// VideoFormat selects the video codec. The numeric values are stable and
// may be stored in configuration files.
type VideoFormat uint32

// Video formats.
const (
	VideoVP8 VideoFormat = iota
	VideoVP9
	VideoMJPEG
	VideoH264
)

var videoNames = map[VideoFormat]string{
	VideoVP8:   "vp8",
	VideoVP9:   "vp9",
	VideoMJPEG: "mjpeg",
	VideoH264:  "h264",
}

func (f VideoFormat) String() string {
	if s, ok := videoNames[f]; ok {
		return s
	}
	return fmt.Sprintf("VideoFormat(%d)", uint32(f))
}

// Valid reports whether f names a known codec.
func (f VideoFormat) Valid() bool {
	_, ok := videoNames[f]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (f VideoFormat) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("codec: unknown video format %d", uint32(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText accepts the lowercase codec name, case-insensitively.
func (f *VideoFormat) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for k, v := range videoNames {
		if v == name {
			*f = k
			return nil
		}
	}
	return fmt.Errorf("codec: unknown video format %q", name)
}

// Container returns the container the format is stored in.
func (f VideoFormat) Container() Container {
	switch f {
	case VideoVP8, VideoVP9:
		return WebM
	default:
		return Matroska
	}
}

// CodecID returns the Matroska codec identifier for f.
func (f VideoFormat) CodecID() string {
	switch f {
	case VideoVP8:
		return "V_VP8"
	case VideoVP9:
		return "V_VP9"
	case VideoMJPEG:
		return "V_MJPEG"
	case VideoH264:
		return "V_MPEG4/ISO/AVC"
	}
	return ""
}

// AudioFormat selects the audio codec.
type AudioFormat uint32

// Audio formats.
const (
	AudioVorbis AudioFormat = iota
)

func (f AudioFormat) String() string {
	if f == AudioVorbis {
		return "vorbis"
	}
	return fmt.Sprintf("AudioFormat(%d)", uint32(f))
}

// Valid reports whether f names a known codec.
func (f AudioFormat) Valid() bool { return f == AudioVorbis }

// MarshalText implements encoding.TextMarshaler.
func (f AudioFormat) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("codec: unknown audio format %d", uint32(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *AudioFormat) UnmarshalText(b []byte) error {
	if strings.EqualFold(strings.TrimSpace(string(b)), "vorbis") {
		*f = AudioVorbis
		return nil
	}
	return fmt.Errorf("codec: unknown audio format %q", string(b))
}

// CodecID returns the Matroska codec identifier for f.
func (f AudioFormat) CodecID() string {
	if f == AudioVorbis {
		return "A_VORBIS"
	}
	return ""
}

// Container is an output file family.
type Container struct {
	Extension string
	DocType   string
}

// Output containers.
var (
	WebM     = Container{Extension: ".webm", DocType: "webm"}
	Matroska = Container{Extension: ".mkv", DocType: "matroska"}
)
