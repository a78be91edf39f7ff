package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/zsiec/glrec/media"
)

// DefaultJPEGQuality is used when VideoParams.Quality is outside 0-100.
const DefaultJPEGQuality = 90

type mjpegEncoder struct {
	width, height int
	quality       int
	fps           uint32
	img           *image.RGBA
	buf           bytes.Buffer
}

// NewMJPEG opens the built-in Motion JPEG encoder. Every frame is an
// independent JPEG image and therefore a keyframe.
func NewMJPEG(p VideoParams) (VideoEncoder, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("mjpeg: invalid size %dx%d", p.Width, p.Height)
	}
	q := p.Quality
	switch {
	case q < 0 || q > 100:
		q = DefaultJPEGQuality
	case q == 0:
		q = 1 // image/jpeg's lowest setting
	}
	return &mjpegEncoder{
		width:   p.Width,
		height:  p.Height,
		quality: q,
		fps:     p.FrameRate,
		img:     image.NewRGBA(image.Rect(0, 0, p.Width, p.Height)),
	}, nil
}

func (e *mjpegEncoder) Encode(f *media.RawFrame) ([]media.Packet, error) {
	if f.Width != e.width || f.Height != e.height {
		return nil, fmt.Errorf("mjpeg: frame %d is %dx%d, encoder is %dx%d",
			f.Seq, f.Width, f.Height, e.width, e.height)
	}
	FlipRows(e.img.Pix, f.Pix, e.width*4, e.height)

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, e.img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("mjpeg: encode frame %d: %w", f.Seq, err)
	}
	return []media.Packet{{
		Stream:   media.StreamVideo,
		Data:     bytes.Clone(e.buf.Bytes()),
		Keyframe: true,
		Seq:      f.Seq,
	}}, nil
}

func (e *mjpegEncoder) Flush() ([]media.Packet, error) { return nil, nil }

func (e *mjpegEncoder) Track() media.TrackInfo {
	return media.TrackInfo{
		Stream:        media.StreamVideo,
		CodecID:       VideoMJPEG.CodecID(),
		Width:         e.width,
		Height:        e.height,
		FrameDuration: media.FrameTimestamp(1, e.fps),
	}
}

func (e *mjpegEncoder) Close() error { return nil }

// FlipRows copies rows of stride bytes from src to dst in reverse order,
// turning GL's bottom-up readback into top-down image order.
func FlipRows(dst, src []byte, stride, rows int) {
	for y := 0; y < rows; y++ {
		s := src[y*stride : (y+1)*stride]
		d := dst[(rows-1-y)*stride : (rows-y)*stride]
		copy(d, s)
	}
}
