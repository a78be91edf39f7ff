package gstcodec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// eosTimeout bounds how long Flush waits for the encoder to drain.
const eosTimeout = 10 * time.Second

var errEOSTimeout = errors.New("gstcodec: timed out waiting for end of stream")

// outBuf is one encoded buffer pulled from the appsink.
type outBuf struct {
	data []byte
	pts  time.Duration // negative when unset
}

// pipeline is appsrc -> elements... -> appsink. Input is pushed
// synchronously; output is collected by the appsink callback on the
// streaming thread and drained by the caller.
type pipeline struct {
	log  *slog.Logger
	pipe *gst.Pipeline
	src  *app.Source
	sink *app.Sink

	mu  sync.Mutex
	out []outBuf
	err error
}

// element is a GStreamer factory name plus properties to set on it.
type element struct {
	factory string
	props   map[string]any
}

func newPipeline(log *slog.Logger, srcCaps string, elems ...element) (*pipeline, error) {
	ensureInit()

	pipe, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(srcCaps))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", false)
	src.SetProperty("block", true)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("emit-signals", false)

	chain := []*gst.Element{src.Element}
	for _, e := range elems {
		el, err := gst.NewElement(e.factory)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", e.factory, err)
		}
		for k, v := range e.props {
			if err := el.SetProperty(k, v); err != nil {
				log.Warn("gstcodec: property not applied", "element", e.factory, "property", k, "error", err)
			}
		}
		chain = append(chain, el)
	}
	chain = append(chain, sink.Element)

	if err := pipe.AddMany(chain...); err != nil {
		return nil, fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("link elements: %w", err)
	}

	p := &pipeline{log: log, pipe: pipe, src: src, sink: sink}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: p.onSample,
	})
	if err := pipe.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	return p, nil
}

func (p *pipeline) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	b := outBuf{data: make([]byte, len(data)), pts: buffer.PresentationTimestamp()}
	copy(b.data, data)
	buffer.Unmap()

	p.mu.Lock()
	p.out = append(p.out, b)
	p.mu.Unlock()
	return gst.FlowOK
}

// push feeds one input buffer.
func (p *pipeline) push(data []byte, pts, dur time.Duration) error {
	if err := p.busError(); err != nil {
		return err
	}
	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(pts)
	buf.SetDuration(dur)
	if ret := p.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("gstcodec: push buffer: %v", ret)
	}
	return nil
}

// take returns the buffers collected so far.
func (p *pipeline) take() []outBuf {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.out
	p.out = nil
	return out
}

// busError polls the bus without blocking and latches the first error.
func (p *pipeline) busError() error {
	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	bus := p.pipe.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			err := fmt.Errorf("gstcodec: %s: %s", gerr.Error(), gerr.DebugString())
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return err
		}
	}
}

// drain sends end of stream and waits for it to reach the appsink.
func (p *pipeline) drain() ([]outBuf, error) {
	if err := p.busError(); err != nil {
		return nil, err
	}
	if ret := p.src.EndStream(); ret != gst.FlowOK {
		return nil, fmt.Errorf("gstcodec: end stream: %v", ret)
	}

	bus := p.pipe.GetPipelineBus()
	deadline := time.Now().Add(eosTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return p.take(), nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return nil, fmt.Errorf("gstcodec: %s: %s", gerr.Error(), gerr.DebugString())
		}
	}
	return nil, errEOSTimeout
}

func (p *pipeline) close() error {
	return p.pipe.SetState(gst.StateNull)
}
