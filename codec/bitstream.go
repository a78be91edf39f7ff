package codec

import (
	"errors"

	"github.com/zsiec/glrec/internal/h264"
)

// IsKeyframe reports whether data is a random access point for format.
// VP8 and VP9 frames are inspected through their uncompressed header and
// H.264 access units, which must be in Annex B form, through their NAL types.
func IsKeyframe(format VideoFormat, data []byte) bool {
	switch format {
	case VideoVP8:
		// Frame tag bit 0 is the inverse key frame flag.
		return len(data) >= 3 && data[0]&0x01 == 0
	case VideoVP9:
		return vp9Keyframe(data)
	case VideoH264:
		return h264.HasIDR(h264.ParseAnnexB(data))
	case VideoMJPEG:
		return true
	}
	return false
}

// vp9Keyframe reads frame_marker, profile, show_existing_frame and
// frame_type from the uncompressed header.
func vp9Keyframe(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	b := data[0]
	if b>>6 != 0b10 {
		return false
	}
	profile := (b>>5)&1 | (b>>4)&1<<1
	bit := 4 // next unread bit, MSB first
	if profile == 3 {
		bit++ // reserved_zero
	}
	read := func() byte {
		v := (b >> (7 - bit)) & 1
		bit++
		return v
	}
	if read() == 1 { // show_existing_frame
		return false
	}
	return read() == 0
}

// ErrLacing reports header packets that cannot be laced.
var ErrLacing = errors.New("codec: invalid xiph lacing input")

// XiphLace packs codec header packets the way Matroska stores Vorbis and
// Theora CodecPrivate: a count byte, the sizes of all packets but the last
// in 255-run encoding, then the packets back to back.
func XiphLace(packets [][]byte) ([]byte, error) {
	if len(packets) == 0 || len(packets) > 256 {
		return nil, ErrLacing
	}
	size := 1
	for _, p := range packets {
		size += len(p) + len(p)/255 + 1
	}
	out := make([]byte, 0, size)
	out = append(out, byte(len(packets)-1))
	for _, p := range packets[:len(packets)-1] {
		n := len(p)
		for n >= 255 {
			out = append(out, 255)
			n -= 255
		}
		out = append(out, byte(n))
	}
	for _, p := range packets {
		out = append(out, p...)
	}
	return out, nil
}
