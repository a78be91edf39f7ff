package gstcodec

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/internal/h264"
	"github.com/zsiec/glrec/media"
)

// videoEncoder feeds bottom-up RGBA frames through videoflip and
// videoconvert into a GStreamer encoder. The encoders are configured
// without frame reordering or dropping, so output buffers map to input
// sequence numbers in FIFO order.
// defaultVideoBitrate applies when VideoParams.BitRate is zero.
const defaultVideoBitrate = 1_000_000

type videoEncoder struct {
	log     *slog.Logger
	format  codec.VideoFormat
	p       codec.VideoParams
	pipe    *pipeline
	pending []uint64 // sequence numbers pushed and not yet emitted
	track   media.TrackInfo
}

func videoElements(format codec.VideoFormat, p codec.VideoParams) ([]element, error) {
	bps := int(p.BitRate)
	if bps <= 0 {
		bps = defaultVideoBitrate
	}
	kbps := bps / 1000
	fps := int(p.FrameRate)

	var enc []element
	switch format {
	case codec.VideoVP8:
		enc = []element{{"vp8enc", map[string]any{
			"target-bitrate":    bps,
			"deadline":          int64(1),
			"keyframe-max-dist": fps * 2,
			"lag-in-frames":     0,
			"drop-frame":        0,
		}}}
	case codec.VideoVP9:
		enc = []element{{"vp9enc", map[string]any{
			"target-bitrate":    bps,
			"deadline":          int64(1),
			"keyframe-max-dist": fps * 2,
			"lag-in-frames":     0,
			"drop-frame":        0,
			"cpu-used":          8,
		}}}
	case codec.VideoH264:
		enc = []element{
			{"x264enc", map[string]any{
				"bitrate":      uint(kbps),
				"key-int-max":  uint(fps * 2),
				"bframes":      uint(0),
				"byte-stream":  true,
				"speed-preset": 1, // ultrafast
				"tune":         4, // zerolatency
			}},
			{"capsfilter", map[string]any{
				"caps": gstCaps("video/x-h264,stream-format=byte-stream,alignment=au"),
			}},
		}
	default:
		return nil, fmt.Errorf("%w: %s", codec.ErrUnsupported, format)
	}

	return append([]element{
		{"videoflip", map[string]any{"method": 5}}, // vertical-flip
		{"videoconvert", nil},
		{"capsfilter", map[string]any{"caps": gstCaps("video/x-raw,format=I420")}},
	}, enc...), nil
}

func newVideo(format codec.VideoFormat) codec.VideoFactory {
	return func(p codec.VideoParams) (codec.VideoEncoder, error) {
		elems, err := videoElements(format, p)
		if err != nil {
			return nil, err
		}
		log := p.Logger
		if log == nil {
			log = slog.Default()
		}
		caps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1",
			p.Width, p.Height, p.FrameRate)
		pipe, err := newPipeline(log, caps, elems...)
		if err != nil {
			return nil, fmt.Errorf("gstcodec: %s: %w", format, err)
		}
		log.Debug("gstreamer video encoder started", "format", format, "bitrate", p.BitRate)
		return &videoEncoder{
			log:    log,
			format: format,
			p:      p,
			pipe:   pipe,
			track: media.TrackInfo{
				Stream:        media.StreamVideo,
				CodecID:       format.CodecID(),
				Width:         p.Width,
				Height:        p.Height,
				FrameDuration: media.FrameTimestamp(1, p.FrameRate),
			},
		}, nil
	}
}

func (e *videoEncoder) Encode(f *media.RawFrame) ([]media.Packet, error) {
	if err := e.pipe.push(f.Pix, f.Timestamp, e.track.FrameDuration); err != nil {
		return nil, err
	}
	e.pending = append(e.pending, f.Seq)
	return e.packets(e.pipe.take())
}

func (e *videoEncoder) Flush() ([]media.Packet, error) {
	bufs, err := e.pipe.drain()
	if err != nil {
		return nil, err
	}
	return e.packets(bufs)
}

func (e *videoEncoder) packets(bufs []outBuf) ([]media.Packet, error) {
	out := make([]media.Packet, 0, len(bufs))
	for _, b := range bufs {
		if len(e.pending) == 0 {
			return out, fmt.Errorf("gstcodec: %s produced more frames than it was given", e.format)
		}
		seq := e.pending[0]
		e.pending = e.pending[1:]

		pkt := media.Packet{
			Stream:   media.StreamVideo,
			Data:     b.data,
			Keyframe: codec.IsKeyframe(e.format, b.data),
			Seq:      seq,
		}
		if e.format == codec.VideoH264 {
			pkt.Data = e.toAVC(b.data)
		}
		out = append(out, pkt)
	}
	return out, nil
}

// toAVC converts an Annex B access unit to length-prefixed form and
// captures the decoder configuration from the first SPS/PPS seen.
func (e *videoEncoder) toAVC(au []byte) []byte {
	units := h264.ParseAnnexB(au)
	if e.track.CodecPrivate == nil {
		if sps, pps := h264.ParameterSets(units); sps != nil && pps != nil {
			e.track.CodecPrivate = h264.BuildAVCDecoderConfig(sps, pps)
			if info, err := h264.ParseSPS(sps); err == nil {
				if info.Width != e.p.Width || info.Height != e.p.Height {
					e.log.Warn("encoder picture size differs from capture size",
						"sps", fmt.Sprintf("%dx%d", info.Width, info.Height),
						"capture", fmt.Sprintf("%dx%d", e.p.Width, e.p.Height))
				}
				e.log.Debug("h264 parameter sets", "codec", info.CodecString())
			}
		}
	}
	return h264.ToAVC(units)
}

func (e *videoEncoder) Track() media.TrackInfo { return e.track }

func (e *videoEncoder) Close() error { return e.pipe.close() }
