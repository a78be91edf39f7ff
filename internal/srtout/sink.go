// Package srtout streams the muxed container bytes to a remote SRT
// listener while the file is being recorded. The sink never blocks the
// muxer: chunks queue up to a bound and the oldest is dropped when the
// network falls behind.
package srtout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/glrec/internal/logx"
)

const (
	// ChunkSize is the SRT live-mode payload size (7 x 188).
	ChunkSize = 1316

	// DefaultQueueSize bounds the number of chunks waiting for the network.
	DefaultQueueSize = 512

	// latencyNs is the SRT latency setting in nanoseconds (120ms).
	latencyNs = 120_000_000

	defaultDialTimeout = 10 * time.Second
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("srtout: sink closed")

// Config selects the remote listener.
type Config struct {
	Address     string        `yaml:"address"`
	StreamID    string        `yaml:"stream_id"`
	QueueSize   int           `yaml:"queue_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Enabled reports whether an address is configured.
func (c Config) Enabled() bool { return c.Address != "" }

// Conn is the subset of *srtgo.Conn the sink uses.
type Conn interface {
	Write(p []byte) (int, error)
	Close() error
}

// dial is replaced in tests.
var dial = func(cfg Config) (Conn, error) {
	sc := srtgo.DefaultConfig()
	sc.Latency = latencyNs
	if cfg.StreamID != "" {
		sc.StreamID = cfg.StreamID
	}
	conn, err := srtgo.Dial(cfg.Address, sc)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stats is a snapshot of sink counters.
type Stats struct {
	Chunks  uint64
	Bytes   uint64
	Dropped uint64
}

// Sink is an io.WriteCloser backed by an SRT caller connection.
type Sink struct {
	log  *slog.Logger
	conn Conn

	mu      sync.Mutex
	pending []byte
	closed  bool

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	chunks      atomic.Uint64
	bytes       atomic.Uint64
	dropped     atomic.Uint64
	failed      atomic.Bool
	lastDropLog atomic.Int64
}

// Dial connects to cfg.Address with a timeout and starts the writer
// goroutine.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Sink, error) {
	if !cfg.Enabled() {
		return nil, errors.New("srtout: address is required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	log = logx.Component(log, "srt-out")
	log.Info("dialing", "address", cfg.Address, "stream_id", cfg.StreamID)

	type dialResult struct {
		conn Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := dial(cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srtout: dial %s: %w", cfg.Address, res.err)
		}
		log.Info("connected", "address", cfg.Address)
		return newSink(res.conn, cfg.QueueSize, log), nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srtout: dial %s timed out after %s", cfg.Address, timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func newSink(conn Conn, queueSize int, log *slog.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Sink{
		log:   log,
		conn:  conn,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Write splits p into ChunkSize pieces and queues them. A trailing partial
// chunk is held until the next Write or Close. Write never blocks on the
// network.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.pending = append(s.pending, p...)
	for len(s.pending) >= ChunkSize {
		chunk := make([]byte, ChunkSize)
		copy(chunk, s.pending)
		s.pending = s.pending[ChunkSize:]
		s.enqueue(chunk)
	}
	// Avoid holding on to a large backing array.
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return len(p), nil
}

func (s *Sink) enqueue(chunk []byte) {
	select {
	case s.queue <- chunk:
		return
	default:
	}
	select {
	case <-s.queue:
		s.noteDrop()
	default:
	}
	select {
	case s.queue <- chunk:
	default:
		s.noteDrop()
	}
}

func (s *Sink) noteDrop() {
	total := s.dropped.Add(1)
	if logx.Every(&s.lastDropLog, time.Second) {
		s.log.Warn("network behind, dropped oldest chunk", "total_dropped", total, "queue", len(s.queue))
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for {
		select {
		case b := <-s.queue:
			s.send(b)
		case <-s.done:
			for {
				select {
				case b := <-s.queue:
					s.send(b)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) send(b []byte) {
	if s.failed.Load() {
		return
	}
	if _, err := s.conn.Write(b); err != nil {
		s.failed.Store(true)
		s.log.Warn("write failed, live output stopped", "error", err)
		return
	}
	s.chunks.Add(1)
	s.bytes.Add(uint64(len(b)))
}

// Close flushes the partial chunk, drains the queue and closes the
// connection. Safe to call more than once.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if len(s.pending) > 0 {
			s.enqueue(s.pending)
			s.pending = nil
		}
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()
		err = s.conn.Close()
		st := s.Stats()
		s.log.Info("live output closed", "chunks", st.Chunks, "bytes", st.Bytes, "dropped", st.Dropped)
	})
	return err
}

// Stats returns a snapshot of counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Chunks:  s.chunks.Load(),
		Bytes:   s.bytes.Load(),
		Dropped: s.dropped.Load(),
	}
}
