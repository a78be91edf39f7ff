package gstcodec

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/media"
)

// vorbisHeaders is the number of header packets vorbisenc emits before
// audio data: identification, comment and setup.
const vorbisHeaders = 3

type vorbisEncoder struct {
	log     *slog.Logger
	p       codec.AudioParams
	pipe    *pipeline
	headers [][]byte
	samples uint64 // frames pushed, for buffers without a timestamp
	track   media.TrackInfo
}

func newVorbis(p codec.AudioParams) (codec.AudioEncoder, error) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	caps := fmt.Sprintf("audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d",
		p.SampleRate, p.Channels)
	bitrate := int(p.BitRate)
	if bitrate <= 0 {
		bitrate = -1 // managed mode off, quality based
	}
	pipe, err := newPipeline(log, caps,
		element{"audioconvert", nil},
		element{"vorbisenc", map[string]any{"bitrate": bitrate}},
	)
	if err != nil {
		return nil, fmt.Errorf("gstcodec: vorbis: %w", err)
	}
	log.Debug("gstreamer audio encoder started", "format", codec.AudioVorbis,
		"sample_rate", p.SampleRate, "channels", p.Channels, "bitrate", p.BitRate)
	return &vorbisEncoder{
		log:  log,
		p:    p,
		pipe: pipe,
		track: media.TrackInfo{
			Stream:     media.StreamAudio,
			CodecID:    codec.AudioVorbis.CodecID(),
			SampleRate: p.SampleRate,
			Channels:   p.Channels,
			BitDepth:   16,
		},
	}, nil
}

func (e *vorbisEncoder) Encode(c *media.PCMChunk) ([]media.Packet, error) {
	data := make([]byte, 0, 2*len(c.Samples))
	for _, s := range c.Samples {
		data = binary.LittleEndian.AppendUint16(data, uint16(s))
	}
	frames := uint64(c.Frames())
	dur := media.SampleTimestamp(frames, e.p.SampleRate)
	if err := e.pipe.push(data, c.Timestamp, dur); err != nil {
		return nil, err
	}
	e.samples = c.Offset + frames
	return e.packets(e.pipe.take())
}

func (e *vorbisEncoder) Flush() ([]media.Packet, error) {
	bufs, err := e.pipe.drain()
	if err != nil {
		return nil, err
	}
	return e.packets(bufs)
}

func (e *vorbisEncoder) packets(bufs []outBuf) ([]media.Packet, error) {
	var out []media.Packet
	for _, b := range bufs {
		if len(e.headers) < vorbisHeaders {
			e.headers = append(e.headers, b.data)
			if len(e.headers) == vorbisHeaders {
				priv, err := codec.XiphLace(e.headers)
				if err != nil {
					return out, err
				}
				e.track.CodecPrivate = priv
			}
			continue
		}
		ts := b.pts
		if ts < 0 {
			ts = media.SampleTimestamp(e.samples, e.p.SampleRate)
		}
		out = append(out, media.Packet{
			Stream:    media.StreamAudio,
			Data:      b.data,
			Timestamp: ts,
			Keyframe:  true,
		})
	}
	return out, nil
}

func (e *vorbisEncoder) Track() media.TrackInfo { return e.track }

func (e *vorbisEncoder) Close() error { return e.pipe.close() }
