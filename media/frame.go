// Package media defines the data types that flow through the recording
// pipeline, from GPU readback and PCM capture through encoding and muxing.
package media

import "time"

// Queue sizes used between the capture side (producers) and the encode and
// mux workers (consumers). Sized to absorb encoder jitter without holding
// more than a couple of seconds of raw video in memory.
const (
	FrameQueueSize  = 8
	ChunkQueueSize  = 64
	PacketQueueSize = 120
)

// StreamKind tags a packet with the elementary stream it belongs to. The
// numeric order doubles as mux priority: lower values win timestamp ties.
type StreamKind int

// Stream kinds in mux priority order.
const (
	StreamVideo StreamKind = iota
	StreamAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// RawFrame is one captured framebuffer image. Pix holds tightly packed RGBA
// rows in GL order (bottom row first). The frame owns Pix; consumers must not
// retain it after encoding.
type RawFrame struct {
	Seq       uint64
	Timestamp time.Duration
	Width     int
	Height    int
	Pix       []byte
}

// FrameTimestamp returns the presentation time of frame seq at fps. Capture
// timestamps are derived from the sequence number only, never wall clock.
func FrameTimestamp(seq uint64, fps uint32) time.Duration {
	if fps == 0 {
		return 0
	}
	return time.Duration(seq) * time.Second / time.Duration(fps)
}

// PCMChunk is one block of interleaved signed 16-bit samples. Offset is the
// running sample-frame count at the first sample of the chunk.
type PCMChunk struct {
	Samples    []int16
	Channels   int
	SampleRate int
	Offset     uint64
	Timestamp  time.Duration
}

// Frames returns the number of sample frames (samples per channel).
func (c *PCMChunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// SampleTimestamp converts a running sample-frame count to a timestamp.
func SampleTimestamp(offset uint64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(offset) * time.Second / time.Duration(sampleRate)
}

// Packet is one compressed access unit ready for muxing.
type Packet struct {
	Stream    StreamKind
	Data      []byte
	Timestamp time.Duration
	Duration  time.Duration
	Keyframe  bool
	Seq       uint64
}

// TrackInfo describes an elementary stream to the container writer. Encode
// workers publish it before their first packet.
type TrackInfo struct {
	Stream       StreamKind
	CodecID      string
	CodecPrivate []byte

	Width         int
	Height        int
	FrameDuration time.Duration

	SampleRate int
	Channels   int
	BitDepth   int
}
