package mkv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/zsiec/glrec/media"
)

// Cluster limits.
const (
	DefaultMinClusterDuration = time.Second
	maxClusterBytes           = 5 << 20
	maxBlockOffset            = math.MaxInt16
)

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("mkv: writer closed")
	// ErrUnknownTrack is returned for a packet whose stream has no track.
	ErrUnknownTrack = errors.New("mkv: packet for unknown track")
)

// Options configures a Writer.
type Options struct {
	DocType    string // "webm" or "matroska"
	Tracks     []media.TrackInfo
	SegmentUID []byte // 16 bytes, optional
	App        string
	// Tee receives a copy of every sequential write. Close-time patches
	// are not sent. Tee errors are ignored.
	Tee io.Writer
	// MinClusterDuration is how long a cluster must run before a video
	// keyframe starts a new one. Zero uses DefaultMinClusterDuration.
	MinClusterDuration time.Duration
}

type cuePoint struct {
	timeMS   uint64
	track    uint64
	position uint64
}

// Writer emits one Matroska segment. It is not safe for concurrent use.
type Writer struct {
	out  io.Writer
	at   io.WriterAt
	tee  io.Writer
	opts Options

	trackNum map[media.StreamKind]uint64
	videoNum uint64

	written      int64
	segmentStart int64 // file offset of the first Segment child
	sizeOffset   int64 // file offset of the Segment size vint
	durOffset    int64 // file offset of the Duration float payload

	cluster      []byte
	clusterStart int64 // timecode of the open cluster in ms, -1 when none
	cues         []cuePoint
	endMS        float64
	blocks       uint64

	closed bool
}

// NewWriter writes the file header, Info and Tracks to out.
func NewWriter(out io.Writer, opts Options) (*Writer, error) {
	if len(opts.Tracks) == 0 {
		return nil, errors.New("mkv: no tracks")
	}
	if opts.DocType == "" {
		opts.DocType = "matroska"
	}
	if opts.App == "" {
		opts.App = "glrec"
	}
	if opts.MinClusterDuration <= 0 {
		opts.MinClusterDuration = DefaultMinClusterDuration
	}
	w := &Writer{
		out:          out,
		tee:          opts.Tee,
		opts:         opts,
		trackNum:     make(map[media.StreamKind]uint64),
		clusterStart: -1,
	}
	w.at, _ = out.(io.WriterAt)

	for i, t := range opts.Tracks {
		n := uint64(i + 1)
		if _, dup := w.trackNum[t.Stream]; dup {
			return nil, fmt.Errorf("mkv: duplicate %s track", t.Stream)
		}
		w.trackNum[t.Stream] = n
		if t.Stream == media.StreamVideo {
			w.videoNum = n
		}
	}

	if err := w.writeHeader(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.out.Write(b)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("mkv: write: %w", err)
	}
	if w.tee != nil {
		_, _ = w.tee.Write(b)
	}
	return nil
}

func (w *Writer) writeHeader() error {
	docVersion := uint64(4)
	if w.opts.DocType == "webm" {
		docVersion = 2
	}
	var ebml []byte
	ebml = appendUint(ebml, idEBMLVersion, 1)
	ebml = appendUint(ebml, idEBMLReadVersion, 1)
	ebml = appendUint(ebml, idEBMLMaxIDLength, 4)
	ebml = appendUint(ebml, idEBMLMaxSizeLength, 8)
	ebml = appendString(ebml, idDocType, w.opts.DocType)
	ebml = appendUint(ebml, idDocTypeVersion, docVersion)
	ebml = appendUint(ebml, idDocTypeReadVersion, 2)

	b := appendElement(nil, idEBML, ebml)
	b = appendID(b, idSegment)
	w.sizeOffset = int64(len(b))
	b = append(b, unknownSize...)
	w.segmentStart = int64(len(b))

	var info []byte
	info = appendUint(info, idTimecodeScale, uint64(time.Millisecond))
	info = appendString(info, idMuxingApp, w.opts.App)
	info = appendString(info, idWritingApp, w.opts.App)
	if len(w.opts.SegmentUID) == 16 {
		info = appendElement(info, idSegmentUID, w.opts.SegmentUID)
	}
	// Duration is last so its payload offset is easy to find.
	info = appendFloat(info, idDuration, 0)
	b = appendElement(b, idInfo, info)
	w.durOffset = int64(len(b)) - 8

	var tracks []byte
	for i, t := range w.opts.Tracks {
		tracks = appendElement(tracks, idTrackEntry, trackEntry(uint64(i+1), t))
	}
	b = appendElement(b, idTracks, tracks)

	return w.write(b)
}

func trackEntry(num uint64, t media.TrackInfo) []byte {
	var e []byte
	e = appendUint(e, idTrackNumber, num)
	e = appendUint(e, idTrackUID, num)
	e = appendUint(e, idFlagLacing, 0)
	e = appendString(e, idCodecID, t.CodecID)
	if len(t.CodecPrivate) > 0 {
		e = appendElement(e, idCodecPrivate, t.CodecPrivate)
	}
	switch t.Stream {
	case media.StreamVideo:
		e = appendUint(e, idTrackType, trackTypeVideo)
		if t.FrameDuration > 0 {
			e = appendUint(e, idDefaultDuration, uint64(t.FrameDuration))
		}
		var v []byte
		v = appendUint(v, idPixelWidth, uint64(t.Width))
		v = appendUint(v, idPixelHeight, uint64(t.Height))
		e = appendElement(e, idVideo, v)
	case media.StreamAudio:
		e = appendUint(e, idTrackType, trackTypeAudio)
		var a []byte
		a = appendFloat(a, idSamplingFrequency, float64(t.SampleRate))
		a = appendUint(a, idChannels, uint64(t.Channels))
		if t.BitDepth > 0 {
			a = appendUint(a, idBitDepth, uint64(t.BitDepth))
		}
		e = appendElement(e, idAudio, a)
	}
	return e
}

// WritePacket appends p as a SimpleBlock. Packets must arrive in
// non-decreasing timestamp order.
func (w *Writer) WritePacket(p media.Packet) error {
	if w.closed {
		return ErrClosed
	}
	num, ok := w.trackNum[p.Stream]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, p.Stream)
	}
	ms := int64(p.Timestamp / time.Millisecond)
	videoKey := p.Keyframe && num == w.videoNum

	if w.needCluster(ms, videoKey) {
		if err := w.flushCluster(); err != nil {
			return err
		}
		w.clusterStart = ms
		w.cluster = appendUint(w.cluster[:0], idTimecode, uint64(ms))
		if videoKey {
			w.cues = append(w.cues, cuePoint{
				timeMS:   uint64(ms),
				track:    num,
				position: uint64(w.written - w.segmentStart),
			})
		}
	}

	block := make([]byte, 0, 4+len(p.Data))
	block = appendSize(block, num)
	block = binary.BigEndian.AppendUint16(block, uint16(int16(ms-w.clusterStart)))
	flags := byte(0)
	if p.Keyframe {
		flags |= 0x80
	}
	block = append(block, flags)
	block = append(block, p.Data...)
	w.cluster = appendElement(w.cluster, idSimpleBlock, block)
	w.blocks++

	end := float64(p.Timestamp+p.Duration) / float64(time.Millisecond)
	if end > w.endMS {
		w.endMS = end
	}
	return nil
}

func (w *Writer) needCluster(ms int64, videoKey bool) bool {
	if w.clusterStart < 0 {
		return true
	}
	rel := ms - w.clusterStart
	if rel > maxBlockOffset || rel < 0 || len(w.cluster) >= maxClusterBytes {
		return true
	}
	return videoKey && time.Duration(rel)*time.Millisecond >= w.opts.MinClusterDuration
}

func (w *Writer) flushCluster() error {
	if w.clusterStart < 0 {
		return nil
	}
	b := appendElement(nil, idCluster, w.cluster)
	w.clusterStart = -1
	return w.write(b)
}

// Close writes the last cluster and the cue index, then patches the
// segment size and duration if the output is seekable. The underlying
// writer is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushCluster(); err != nil {
		return err
	}
	if len(w.cues) > 0 {
		var cues []byte
		for _, c := range w.cues {
			var pos []byte
			pos = appendUint(pos, idCueTrack, c.track)
			pos = appendUint(pos, idCueClusterPosition, c.position)
			var cp []byte
			cp = appendUint(cp, idCueTime, c.timeMS)
			cp = appendElement(cp, idCueTrackPositions, pos)
			cues = appendElement(cues, idCuePoint, cp)
		}
		if err := w.write(appendElement(nil, idCues, cues)); err != nil {
			return err
		}
	}
	if w.at == nil {
		return nil
	}

	size := appendSizeN(nil, uint64(w.written-w.segmentStart), 8)
	if _, err := w.at.WriteAt(size, w.sizeOffset); err != nil {
		return fmt.Errorf("mkv: patch segment size: %w", err)
	}
	var dur [8]byte
	binary.BigEndian.PutUint64(dur[:], math.Float64bits(w.endMS))
	if _, err := w.at.WriteAt(dur[:], w.durOffset); err != nil {
		return fmt.Errorf("mkv: patch duration: %w", err)
	}
	return nil
}

// BytesWritten returns the number of bytes written sequentially so far.
func (w *Writer) BytesWritten() int64 { return w.written }

// Blocks returns the number of SimpleBlocks written.
func (w *Writer) Blocks() uint64 { return w.blocks }

// Duration returns the end time of the latest packet.
func (w *Writer) Duration() time.Duration {
	return time.Duration(w.endMS * float64(time.Millisecond))
}
