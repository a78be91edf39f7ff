package mkv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned by Parse for truncated or invalid EBML.
var ErrMalformed = errors.New("mkv: malformed file")

// Block is one SimpleBlock read back from a file.
type Block struct {
	Track     uint64
	Timestamp time.Duration // absolute
	Keyframe  bool
	Data      []byte
}

// TrackEntry is a parsed TrackEntry.
type TrackEntry struct {
	Number       uint64
	Type         uint64
	CodecID      string
	CodecPrivate []byte
	Width        uint64
	Height       uint64
	SampleRate   float64
	Channels     uint64
}

// File is a parsed summary of a Matroska file, used to verify output.
type File struct {
	DocType     string
	SegmentSize int64 // -1 when unknown
	Duration    time.Duration
	Tracks      []TrackEntry
	Clusters    int
	Blocks      []Block
	Cues        []time.Duration
}

// Parse reads a complete file produced by Writer. It understands the
// subset of Matroska the Writer emits.
func Parse(data []byte) (*File, error) {
	f := &File{SegmentSize: -1}
	p := &parser{data: data}

	id, size, err := p.header()
	if err != nil {
		return nil, err
	}
	if id != idEBML || size == sizeUnknown || int(size) > len(data)-p.pos {
		return nil, fmt.Errorf("%w: missing EBML header", ErrMalformed)
	}
	end := p.pos + int(size)
	for p.pos < end {
		cid, csize, err := p.header()
		if err != nil {
			return nil, err
		}
		payload, err := p.take(csize)
		if err != nil {
			return nil, err
		}
		if cid == idDocType {
			f.DocType = string(payload)
		}
	}

	id, size, err = p.header()
	if err != nil {
		return nil, err
	}
	if id != idSegment {
		return nil, fmt.Errorf("%w: missing Segment", ErrMalformed)
	}
	segEnd := len(data)
	if size != sizeUnknown {
		f.SegmentSize = int64(size)
		segEnd = p.pos + int(size)
		if segEnd > len(data) {
			return nil, fmt.Errorf("%w: segment size %d beyond end of file", ErrMalformed, size)
		}
	}

	for p.pos < segEnd {
		cid, csize, err := p.header()
		if err != nil {
			return nil, err
		}
		payload, err := p.take(csize)
		if err != nil {
			return nil, err
		}
		switch cid {
		case idInfo:
			err = f.parseInfo(payload)
		case idTracks:
			err = f.parseTracks(payload)
		case idCluster:
			f.Clusters++
			err = f.parseCluster(payload)
		case idCues:
			err = f.parseCues(payload)
		}
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

const sizeUnknown = math.MaxUint64

type parser struct {
	data []byte
	pos  int
}

func (p *parser) vint(keepMarker bool) (uint64, error) {
	if p.pos >= len(p.data) {
		return 0, fmt.Errorf("%w: truncated at %d", ErrMalformed, p.pos)
	}
	first := p.data[p.pos]
	length := 1
	for length <= 8 && first&(0x80>>(length-1)) == 0 {
		length++
	}
	if length > 8 || p.pos+length > len(p.data) {
		return 0, fmt.Errorf("%w: bad vint at %d", ErrMalformed, p.pos)
	}
	v := uint64(first)
	if !keepMarker {
		v &^= 0x80 >> (length - 1)
	}
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(p.data[p.pos+i])
	}
	p.pos += length
	if !keepMarker && v == (1<<(7*length))-1 {
		return sizeUnknown, nil
	}
	return v, nil
}

func (p *parser) header() (id uint32, size uint64, err error) {
	raw, err := p.vint(true)
	if err != nil {
		return 0, 0, err
	}
	size, err = p.vint(false)
	if err != nil {
		return 0, 0, err
	}
	return uint32(raw), size, nil
}

func (p *parser) take(n uint64) ([]byte, error) {
	if n == sizeUnknown || uint64(len(p.data)-p.pos) < n {
		return nil, fmt.Errorf("%w: element of %d bytes at %d overruns file", ErrMalformed, n, p.pos)
	}
	b := p.data[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return b, nil
}

// children calls fn for each element in payload.
func children(payload []byte, fn func(id uint32, body []byte) error) error {
	p := &parser{data: payload}
	for p.pos < len(payload) {
		id, size, err := p.header()
		if err != nil {
			return err
		}
		body, err := p.take(size)
		if err != nil {
			return err
		}
		if err := fn(id, body); err != nil {
			return err
		}
	}
	return nil
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func readFloat(b []byte) float64 {
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (f *File) parseInfo(payload []byte) error {
	return children(payload, func(id uint32, b []byte) error {
		if id == idDuration {
			f.Duration = time.Duration(readFloat(b) * float64(time.Millisecond))
		}
		return nil
	})
}

func (f *File) parseTracks(payload []byte) error {
	return children(payload, func(id uint32, b []byte) error {
		if id != idTrackEntry {
			return nil
		}
		var t TrackEntry
		err := children(b, func(id uint32, b []byte) error {
			switch id {
			case idTrackNumber:
				t.Number = readUint(b)
			case idTrackType:
				t.Type = readUint(b)
			case idCodecID:
				t.CodecID = string(b)
			case idCodecPrivate:
				t.CodecPrivate = b
			case idVideo:
				return children(b, func(id uint32, b []byte) error {
					switch id {
					case idPixelWidth:
						t.Width = readUint(b)
					case idPixelHeight:
						t.Height = readUint(b)
					}
					return nil
				})
			case idAudio:
				return children(b, func(id uint32, b []byte) error {
					switch id {
					case idSamplingFrequency:
						t.SampleRate = readFloat(b)
					case idChannels:
						t.Channels = readUint(b)
					}
					return nil
				})
			}
			return nil
		})
		f.Tracks = append(f.Tracks, t)
		return err
	})
}

func (f *File) parseCluster(payload []byte) error {
	var base uint64
	return children(payload, func(id uint32, b []byte) error {
		switch id {
		case idTimecode:
			base = readUint(b)
		case idSimpleBlock:
			bp := &parser{data: b}
			track, err := bp.vint(false)
			if err != nil {
				return err
			}
			if len(b)-bp.pos < 3 {
				return fmt.Errorf("%w: short SimpleBlock", ErrMalformed)
			}
			rel := int16(binary.BigEndian.Uint16(b[bp.pos:]))
			flags := b[bp.pos+2]
			ms := int64(base) + int64(rel)
			f.Blocks = append(f.Blocks, Block{
				Track:     track,
				Timestamp: time.Duration(ms) * time.Millisecond,
				Keyframe:  flags&0x80 != 0,
				Data:      b[bp.pos+3:],
			})
		}
		return nil
	})
}

func (f *File) parseCues(payload []byte) error {
	return children(payload, func(id uint32, b []byte) error {
		if id != idCuePoint {
			return nil
		}
		return children(b, func(id uint32, b []byte) error {
			if id == idCueTime {
				f.Cues = append(f.Cues, time.Duration(readUint(b))*time.Millisecond)
			}
			return nil
		})
	})
}

// TrackBlocks returns the blocks of track number n in file order.
func (f *File) TrackBlocks(n uint64) []Block {
	var out []Block
	for _, b := range f.Blocks {
		if b.Track == n {
			out = append(out, b)
		}
	}
	return out
}
