// Package mux interleaves encoded audio and video packets by timestamp and
// writes them to a Matroska container.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/glrec/internal/logx"
	"github.com/zsiec/glrec/internal/mkv"
	"github.com/zsiec/glrec/internal/queue"
	"github.com/zsiec/glrec/media"
)

// ErrNoVideoTrack is returned when the video worker never published a track.
var ErrNoVideoTrack = errors.New("mux: no video track published")

// Tracks collects the TrackInfo each encode worker publishes before its
// first packet.
type Tracks struct {
	mu sync.Mutex
	m  map[media.StreamKind]media.TrackInfo
}

// Publish records info for its stream, replacing any earlier value.
func (t *Tracks) Publish(info media.TrackInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[media.StreamKind]media.TrackInfo)
	}
	t.m[info.Stream] = info
}

// Get returns the published info for kind.
func (t *Tracks) Get(kind media.StreamKind) (media.TrackInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.m[kind]
	return info, ok
}

// Config wires a Muxer.
type Config struct {
	Output     io.Writer // an *os.File gets size and duration patched at close
	DocType    string
	SegmentUID []byte
	Tee        io.Writer

	Tracks *Tracks
	Video  *queue.Queue[media.Packet]
	Audio  *queue.Queue[media.Packet] // nil records video only

	// OnProgress receives each new integer percentage, 100 last.
	OnProgress func(percent int)
	Logger     *slog.Logger
}

// Stats is a snapshot of muxer counters.
type Stats struct {
	VideoPackets uint64
	AudioPackets uint64
	Keyframes    uint64
	Bytes        int64
}

// Muxer is the single consumer of both packet queues.
type Muxer struct {
	cfg Config
	log *slog.Logger
	w   *mkv.Writer

	expected atomic.Uint64
	lastPct  int

	video     atomic.Uint64
	audio     atomic.Uint64
	keyframes atomic.Uint64
	bytes     atomic.Int64
}

// New creates a Muxer. Nothing is written until the first packet.
func New(cfg Config) *Muxer {
	return &Muxer{
		cfg:     cfg,
		log:     logx.Component(cfg.Logger, "mux"),
		lastPct: -1,
	}
}

// SetExpected sets the number of video packets the recording will contain.
// Progress is reported against it. Safe to call from any goroutine.
func (m *Muxer) SetExpected(n uint64) { m.expected.Store(n) }

// Stats returns a snapshot of counters.
func (m *Muxer) Stats() Stats {
	return Stats{
		VideoPackets: m.video.Load(),
		AudioPackets: m.audio.Load(),
		Keyframes:    m.keyframes.Load(),
		Bytes:        m.bytes.Load(),
	}
}

type lane struct {
	q    *queue.Queue[media.Packet]
	head media.Packet
	has  bool
	done bool
}

func (l *lane) fill() {
	if l.has || l.done {
		return
	}
	p, ok := l.q.Pop()
	if !ok {
		l.done = true
		return
	}
	l.head, l.has = p, true
}

// Run consumes both queues until they are closed and drained, then
// finalizes the container. It returns early with ctx.Err() when ctx is
// cancelled; the queues must be aborted in that case so Pop returns.
func (m *Muxer) Run(ctx context.Context) error {
	lanes := []*lane{{q: m.cfg.Video}}
	if m.cfg.Audio != nil {
		lanes = append(lanes, &lane{q: m.cfg.Audio})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, l := range lanes {
			l.fill()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		next := pick(lanes)
		if next == nil {
			break
		}
		if err := m.write(next.head); err != nil {
			return err
		}
		next.has = false
	}
	return m.finish()
}

// pick returns the lane with the earliest head. Lanes are ordered by
// stream kind, so video wins ties.
func pick(lanes []*lane) *lane {
	var best *lane
	for _, l := range lanes {
		if !l.has {
			continue
		}
		if best == nil || l.head.Timestamp < best.head.Timestamp {
			best = l
		}
	}
	return best
}

func (m *Muxer) open() error {
	if m.w != nil {
		return nil
	}
	video, ok := m.cfg.Tracks.Get(media.StreamVideo)
	if !ok {
		return ErrNoVideoTrack
	}
	tracks := []media.TrackInfo{video}
	if m.cfg.Audio != nil {
		if audio, ok := m.cfg.Tracks.Get(media.StreamAudio); ok {
			tracks = append(tracks, audio)
		}
	}
	w, err := mkv.NewWriter(m.cfg.Output, mkv.Options{
		DocType:    m.cfg.DocType,
		Tracks:     tracks,
		SegmentUID: m.cfg.SegmentUID,
		Tee:        m.cfg.Tee,
	})
	if err != nil {
		return fmt.Errorf("mux: write header: %w", err)
	}
	m.w = w
	m.log.Debug("container header written", "tracks", len(tracks), "doctype", m.cfg.DocType)
	return nil
}

func (m *Muxer) write(p media.Packet) error {
	if err := m.open(); err != nil {
		return err
	}
	if err := m.w.WritePacket(p); err != nil {
		if errors.Is(err, mkv.ErrUnknownTrack) {
			m.log.Warn("dropping packet without track", "stream", p.Stream, "seq", p.Seq)
			return nil
		}
		return fmt.Errorf("mux: %w", err)
	}
	m.bytes.Store(m.w.BytesWritten())

	switch p.Stream {
	case media.StreamVideo:
		m.video.Add(1)
		if p.Keyframe {
			m.keyframes.Add(1)
		}
		m.progress()
	case media.StreamAudio:
		m.audio.Add(1)
	}
	return nil
}

func (m *Muxer) progress() {
	expected := m.expected.Load()
	if expected == 0 || m.cfg.OnProgress == nil {
		return
	}
	pct := int(m.video.Load() * 100 / expected)
	if pct > 99 {
		pct = 99
	}
	if pct > m.lastPct {
		m.lastPct = pct
		m.cfg.OnProgress(pct)
	}
}

func (m *Muxer) finish() error {
	if err := m.open(); err != nil {
		return err
	}
	if err := m.w.Close(); err != nil {
		return fmt.Errorf("mux: finalize: %w", err)
	}
	m.bytes.Store(m.w.BytesWritten())
	m.log.Info("container finalized",
		"video_packets", m.video.Load(),
		"audio_packets", m.audio.Load(),
		"bytes", m.w.BytesWritten(),
		"duration", m.w.Duration(),
	)
	if m.cfg.OnProgress != nil {
		m.cfg.OnProgress(100)
	}
	return nil
}
