// Package audio pulls PCM from an external source and hands fixed-size
// chunks to the audio encode worker.
package audio

import (
	"errors"
	"io"
	"math"
	"sync"
	"time"
)

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// DefaultFormat is 48 kHz stereo.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2}

// Validate reports whether f can be encoded.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.Channels > 8 {
		return errors.New("audio: invalid format")
	}
	return nil
}

// Source is a pull-based PCM producer, typically backed by a capture
// device. Read blocks until at least one whole sample frame is available
// and returns the number of int16 values written. After Close, Read
// returns io.EOF.
type Source interface {
	Format() Format
	Read(buf []int16) (int, error)
	Close() error
}

// Tone is a sine-wave Source. When paced it delivers samples no faster
// than real time, like a capture device would.
type Tone struct {
	format    Format
	freq      float64
	amplitude float64
	paced     bool

	mu       sync.Mutex
	phase    uint64
	started  time.Time
	closed   bool
	closedCh chan struct{}
}

// NewTone returns a sine source at freq Hz with amplitude in [0,1].
func NewTone(f Format, freq, amplitude float64, paced bool) *Tone {
	return &Tone{
		format:    f,
		freq:      freq,
		amplitude: math.Max(0, math.Min(1, amplitude)),
		paced:     paced,
		closedCh:  make(chan struct{}),
	}
}

// NewSilence returns a source of zero samples.
func NewSilence(f Format, paced bool) *Tone {
	return NewTone(f, 0, 0, paced)
}

func (t *Tone) Format() Format { return t.format }

func (t *Tone) Read(buf []int16) (int, error) {
	ch := t.format.Channels
	if ch <= 0 {
		return 0, errors.New("audio: tone has no channels")
	}
	frames := len(buf) / ch
	if frames == 0 {
		return 0, io.ErrShortBuffer
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	if t.started.IsZero() {
		t.started = time.Now()
	}
	start := t.phase
	t.phase += uint64(frames)
	due := t.started.Add(time.Duration(t.phase) * time.Second / time.Duration(t.format.SampleRate))
	t.mu.Unlock()

	if t.paced {
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-t.closedCh:
				timer.Stop()
				return 0, io.EOF
			}
		}
	}

	step := 2 * math.Pi * t.freq / float64(t.format.SampleRate)
	for i := 0; i < frames; i++ {
		v := int16(t.amplitude * math.MaxInt16 * math.Sin(step*float64(start+uint64(i))))
		for c := 0; c < ch; c++ {
			buf[i*ch+c] = v
		}
	}
	return frames * ch, nil
}

// Close ends the stream and wakes a paced Read.
func (t *Tone) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closedCh)
	}
	return nil
}
