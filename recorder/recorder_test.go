package recorder_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/glrec/audio"
	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/internal/mkv"
	"github.com/zsiec/glrec/internal/softgl"
	"github.com/zsiec/glrec/media"
	"github.com/zsiec/glrec/recorder"
)

const (
	testW = 16
	testH = 8
)

// events counts callback invocations.
type events struct {
	mu       sync.Mutex
	starts   int
	saved    []string
	errs     []string
	progress []int
	errCh    chan string
}

func newEvents() *events { return &events{errCh: make(chan string, 4)} }

func (e *events) register(t *testing.T, r *recorder.Recorder) {
	t.Helper()
	must := func(err error) {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(r.RegisterGeneral(recorder.EventStart, recorder.GeneralFunc(func() {
		e.mu.Lock()
		e.starts++
		e.mu.Unlock()
	})))
	must(r.RegisterString(recorder.EventSaved, recorder.StringFunc(func(p string) {
		e.mu.Lock()
		e.saved = append(e.saved, p)
		e.mu.Unlock()
	})))
	must(r.RegisterString(recorder.EventError, recorder.StringFunc(func(msg string) {
		e.mu.Lock()
		e.errs = append(e.errs, msg)
		e.mu.Unlock()
		e.errCh <- msg
	})))
	must(r.RegisterInt(recorder.EventProgress, recorder.IntFunc(func(p int) {
		e.mu.Lock()
		e.progress = append(e.progress, p)
		e.mu.Unlock()
	})))
}

func (e *events) counts() (starts, saved, errs, progress int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, len(e.saved), len(e.errs), len(e.progress)
}

func registerGL(r *recorder.Recorder, gl *softgl.Context) {
	r.RegisterReadPixels(gl.ReadPixels)
	r.RegisterPBOFunctions(gl.GenBuffers, gl.BindBuffer, gl.BufferData, gl.DeleteBuffers, gl.MapBuffer, gl.UnmapBuffer)
}

func testConfig(format recorder.VideoFormat) recorder.Config {
	cfg := recorder.DefaultConfig()
	cfg.Width = testW
	cfg.Height = testH
	cfg.VideoFormat = format
	return cfg
}

// testVideo emits one keyframe packet per frame, optionally failing or
// sleeping.
type testVideo struct {
	failAt int64 // -1 disables
	delay  time.Duration
}

func (e *testVideo) Encode(f *media.RawFrame) ([]media.Packet, error) {
	if e.failAt >= 0 && f.Seq == uint64(e.failAt) {
		return nil, errors.New("encoder exploded")
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return []media.Packet{{Data: []byte{byte(f.Seq)}, Seq: f.Seq, Keyframe: true}}, nil
}
func (e *testVideo) Flush() ([]media.Packet, error) { return nil, nil }
func (e *testVideo) Track() media.TrackInfo {
	return media.TrackInfo{Stream: media.StreamVideo, CodecID: "V_VP8", Width: testW, Height: testH}
}
func (e *testVideo) Close() error { return nil }

// testAudio emits one packet per chunk stamped with the chunk timestamp.
type testAudio struct{ p codec.AudioParams }

func (e *testAudio) Encode(c *media.PCMChunk) ([]media.Packet, error) {
	return []media.Packet{{Data: []byte{9}, Timestamp: c.Timestamp, Seq: c.Offset, Keyframe: true}}, nil
}
func (e *testAudio) Flush() ([]media.Packet, error) { return nil, nil }
func (e *testAudio) Track() media.TrackInfo {
	return media.TrackInfo{Stream: media.StreamAudio, CodecID: "A_VORBIS",
		SampleRate: e.p.SampleRate, Channels: e.p.Channels, BitDepth: 16}
}
func (e *testAudio) Close() error { return nil }

func testCodecs(v *testVideo) *codec.Registry {
	reg := codec.NewRegistry()
	for _, f := range []codec.VideoFormat{codec.VideoVP8, codec.VideoVP9, codec.VideoH264} {
		reg.RegisterVideo(f, func(codec.VideoParams) (codec.VideoEncoder, error) { return v, nil })
	}
	reg.RegisterAudio(codec.AudioVorbis, func(p codec.AudioParams) (codec.AudioEncoder, error) {
		return &testAudio{p: p}, nil
	})
	return reg
}

func readOutput(t *testing.T, path string) *mkv.File {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	f, err := mkv.Parse(data)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return f
}

func TestInitConfigFloorsDimensions(t *testing.T) {
	t.Parallel()

	r := recorder.New()
	cfg := recorder.DefaultConfig()
	cfg.Width, cfg.Height = 1023, 481
	if err := r.InitConfig(cfg); err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	got := r.Config()
	if got.Width != 1016 || got.Height != 480 {
		t.Fatalf("got %dx%d, want 1016x480", got.Width, got.Height)
	}
	if r.State() != recorder.StateConfigured {
		t.Fatalf("state = %v, want configured", r.State())
	}
}

func TestInitConfigInvalidInstallsDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*recorder.Config)
	}{
		{"width floors to zero", func(c *recorder.Config) { c.Width = 4 }},
		{"height floors to zero", func(c *recorder.Config) { c.Height = 1 }},
		{"zero frame rate", func(c *recorder.Config) { c.FrameRate = 0 }},
		{"unknown video format", func(c *recorder.Config) { c.VideoFormat = recorder.VideoFormat(9) }},
		{"unknown audio format", func(c *recorder.Config) { c.AudioFormat = recorder.AudioFormat(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := recorder.New()
			ev := newEvents()
			ev.register(t, r)

			cfg := recorder.DefaultConfig()
			cfg.Width, cfg.Height = 640, 480
			cfg.VideoFormat = recorder.VideoVP9
			tt.modify(&cfg)
			err := r.InitConfig(cfg)

			var ce *recorder.ConfigError
			if !errors.As(err, &ce) || !errors.Is(err, recorder.ErrInvalidConfig) {
				t.Fatalf("got %v, want *ConfigError wrapping ErrInvalidConfig", err)
			}
			if r.Config() != recorder.DefaultConfig() {
				t.Fatalf("config = %+v, want defaults", r.Config())
			}
			if r.State() != recorder.StateConfigured {
				t.Fatalf("state = %v, want configured", r.State())
			}
			if _, _, errs, _ := ev.counts(); errs != 0 {
				t.Fatalf("error events = %d, want 0 for config failures", errs)
			}
		})
	}
}

func TestInitConfigKeepsUnboundedSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*recorder.Config)
		want   func(recorder.Config) bool
	}{
		{"zero video bitrate with mjpeg",
			func(c *recorder.Config) { c.VideoFormat, c.VideoBitrate = recorder.VideoMJPEG, 0 },
			func(c recorder.Config) bool { return c.VideoBitrate == 0 }},
		{"zero audio bitrate",
			func(c *recorder.Config) { c.RecordAudio, c.AudioBitrate = true, 0 },
			func(c recorder.Config) bool { return c.RecordAudio && c.AudioBitrate == 0 }},
		{"high frame rate",
			func(c *recorder.Config) { c.FrameRate = 300 },
			func(c recorder.Config) bool { return c.FrameRate == 300 }},
		{"jpeg quality clamped",
			func(c *recorder.Config) { c.JPEGQuality = 150 },
			func(c recorder.Config) bool { return c.JPEGQuality == 100 }},
		{"jpeg quality zero",
			func(c *recorder.Config) { c.JPEGQuality = 0 },
			func(c recorder.Config) bool { return c.JPEGQuality == 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := recorder.New()
			cfg := recorder.DefaultConfig()
			cfg.Width, cfg.Height = 640, 480
			tt.modify(&cfg)
			if err := r.InitConfig(cfg); err != nil {
				t.Fatalf("InitConfig: %v", err)
			}
			got := r.Config()
			if got.Width != 640 || got.Height != 480 || !tt.want(got) {
				t.Fatalf("config = %+v, want the caller's settings", got)
			}
		})
	}
}

func TestPrepareWithoutPBOFunctions(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New()
	r.RegisterReadPixels(gl.ReadPixels)

	err := r.PrepareCapture()
	var se *recorder.SetupError
	if !errors.As(err, &se) || !errors.Is(err, recorder.ErrMissingGLFunc) {
		t.Fatalf("got %v, want *SetupError wrapping ErrMissingGLFunc", err)
	}
	if r.State() != recorder.StateIdle || r.Capturing() {
		t.Fatalf("state = %v capturing %v, want idle", r.State(), r.Capturing())
	}
	if gl.LiveBuffers() != 0 {
		t.Fatalf("LiveBuffers = %d, want 0", gl.LiveBuffers())
	}
}

func TestCaptureBeforePrepareIsNoop(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New()
	registerGL(r, gl)
	r.Capture()
	if reads, _, _ := gl.Counts(); reads != 0 {
		t.Fatalf("reads = %d, want 0", reads)
	}
	if err := r.StopCapture(); !errors.Is(err, recorder.ErrNotCapturing) {
		t.Fatalf("StopCapture: got %v, want ErrNotCapturing", err)
	}
}

func TestRecordMJPEGTripleBuffered(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New(recorder.WithQueueSizes(32, 0))
	ev := newEvents()
	ev.register(t, r)
	registerGL(r, gl)

	if err := r.InitConfig(testConfig(recorder.VideoMJPEG)); err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	stem := filepath.Join(t.TempDir(), "clip")
	if err := r.SetSavedName(stem); err != nil {
		t.Fatalf("SetSavedName: %v", err)
	}
	if err := r.PrepareCapture(); err != nil {
		t.Fatalf("PrepareCapture: %v", err)
	}
	if !r.Capturing() || r.State() != recorder.StateCapturing {
		t.Fatalf("state = %v, want capturing", r.State())
	}
	if err := r.SetSavedName("other"); !errors.Is(err, recorder.ErrBusy) {
		t.Fatalf("SetSavedName while capturing: got %v, want ErrBusy", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		gl.Stamp(uint32(i))
		r.Capture()
	}
	if err := r.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	if r.State() != recorder.StateIdle {
		t.Fatalf("state = %v, want idle", r.State())
	}
	if gl.LiveBuffers() != 0 {
		t.Fatalf("LiveBuffers = %d after stop, want 0", gl.LiveBuffers())
	}

	want := stem + ".mkv"
	ev.mu.Lock()
	saved := append([]string(nil), ev.saved...)
	progress := append([]int(nil), ev.progress...)
	starts := ev.starts
	ev.mu.Unlock()
	if starts != 1 {
		t.Fatalf("start events = %d, want 1", starts)
	}
	if len(saved) != 1 || saved[0] != want {
		t.Fatalf("saved events = %v, want [%s]", saved, want)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress = %v, want to end at 100", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("progress not increasing: %v", progress)
		}
	}

	f := readOutput(t, want)
	if f.DocType != "matroska" {
		t.Fatalf("doctype = %q, want matroska", f.DocType)
	}
	if f.SegmentSize < 0 {
		t.Fatal("segment size was not patched")
	}
	if len(f.Tracks) != 1 || f.Tracks[0].CodecID != "V_MJPEG" {
		t.Fatalf("tracks = %+v, want one V_MJPEG track", f.Tracks)
	}
	if len(f.Cues) == 0 || f.Cues[0] != 0 {
		t.Fatalf("cues = %v, want a cue at 0", f.Cues)
	}
	blocks := f.TrackBlocks(1)
	if len(blocks) != n {
		t.Fatalf("blocks = %d, want %d", len(blocks), n)
	}
	for i, b := range blocks {
		want := media.FrameTimestamp(uint64(i), 30).Truncate(time.Millisecond)
		if b.Timestamp != want {
			t.Fatalf("block %d at %v, want %v", i, b.Timestamp, want)
		}
		if !b.Keyframe {
			t.Fatalf("block %d is not a keyframe", i)
		}
	}

	st := r.Stats()
	if st.VideoPackets != n || st.FramesCaptured != n || st.FramesDropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if st.GLStalls != n-3 {
		t.Fatalf("stalls = %d, want %d", st.GLStalls, n-3)
	}
	if r.OutputPath() != want {
		t.Fatalf("OutputPath = %q, want %q", r.OutputPath(), want)
	}
}

func TestRecordWebMExtension(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New(recorder.WithCodecs(testCodecs(&testVideo{failAt: -1})))
	ev := newEvents()
	ev.register(t, r)
	registerGL(r, gl)

	cfg := testConfig(recorder.VideoVP8)
	cfg.TripleBuffering = false
	if err := r.InitConfig(cfg); err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	stem := filepath.Join(t.TempDir(), "vp8")
	_ = r.SetSavedName(stem)
	if err := r.PrepareCapture(); err != nil {
		t.Fatalf("PrepareCapture: %v", err)
	}
	for i := 0; i < 3; i++ {
		r.Capture()
	}
	if err := r.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	ev.mu.Lock()
	saved := append([]string(nil), ev.saved...)
	ev.mu.Unlock()
	if len(saved) != 1 || !strings.HasSuffix(saved[0], ".webm") {
		t.Fatalf("saved = %v, want one .webm path", saved)
	}
	if f := readOutput(t, saved[0]); f.DocType != "webm" {
		t.Fatalf("doctype = %q, want webm", f.DocType)
	}
}

func TestEncoderFailureFiresErrorOnce(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New(
		recorder.WithCodecs(testCodecs(&testVideo{failAt: 5})),
		recorder.WithQueueSizes(32, 0),
	)
	ev := newEvents()
	ev.register(t, r)
	registerGL(r, gl)

	cfg := testConfig(recorder.VideoVP8)
	cfg.TripleBuffering = false
	_ = r.InitConfig(cfg)
	stem := filepath.Join(t.TempDir(), "broken")
	_ = r.SetSavedName(stem)
	if err := r.PrepareCapture(); err != nil {
		t.Fatalf("PrepareCapture: %v", err)
	}
	for i := 0; i < 10; i++ {
		r.Capture()
	}

	select {
	case msg := <-ev.errCh:
		if !strings.Contains(msg, "encoder exploded") {
			t.Fatalf("error event %q does not carry the encoder failure", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}

	// The failed session has already returned the recorder to idle.
	r.Capture()
	if err := r.StopCapture(); !errors.Is(err, recorder.ErrNotCapturing) {
		t.Fatalf("StopCapture: got %v, want ErrNotCapturing", err)
	}
	if _, saved, errs, _ := ev.counts(); saved != 0 || errs != 1 {
		t.Fatalf("saved = %d errors = %d, want 0 and 1", saved, errs)
	}
	if r.State() != recorder.StateIdle || r.Capturing() {
		t.Fatalf("state = %v, want idle", r.State())
	}
	if _, err := os.Stat(stem + ".webm"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("incomplete output still present: %v", err)
	}

	// The recorder is reusable.
	if err := r.PrepareCapture(); err != nil {
		t.Fatalf("PrepareCapture after failure: %v", err)
	}
	r.Destroy()
}

func TestDestroyDuringCapture(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New(recorder.WithCodecs(testCodecs(&testVideo{failAt: -1, delay: 10 * time.Millisecond})))
	ev := newEvents()
	ev.register(t, r)
	registerGL(r, gl)

	_ = r.InitConfig(testConfig(recorder.VideoVP9))
	_ = r.SetSavedName(filepath.Join(t.TempDir(), "gone"))
	if err := r.PrepareCapture(); err != nil {
		t.Fatalf("PrepareCapture: %v", err)
	}
	for i := 0; i < 20; i++ {
		r.Capture()
	}

	r.Destroy()
	starts, saved, errs, progress := ev.counts()
	time.Sleep(50 * time.Millisecond)
	s2, sv2, e2, p2 := ev.counts()
	if s2 != starts || sv2 != saved || e2 != errs || p2 != progress {
		t.Fatal("callbacks fired after Destroy returned")
	}
	if saved != 0 || errs != 0 {
		t.Fatalf("saved = %d errors = %d, want none", saved, errs)
	}
	if r.State() != recorder.StateDestroyed {
		t.Fatalf("state = %v, want destroyed", r.State())
	}
	if gl.LiveBuffers() != 0 {
		t.Fatalf("LiveBuffers = %d after Destroy, want 0", gl.LiveBuffers())
	}
	if err := r.PrepareCapture(); !errors.Is(err, recorder.ErrDestroyed) {
		t.Fatalf("PrepareCapture after Destroy: got %v, want ErrDestroyed", err)
	}
	if err := r.StopCapture(); !errors.Is(err, recorder.ErrDestroyed) {
		t.Fatalf("StopCapture after Destroy: got %v, want ErrDestroyed", err)
	}
	if err := r.RegisterGeneral(recorder.EventStart, recorder.GeneralFunc(func() {})); err == nil {
		t.Fatal("register after Destroy succeeded")
	}
	r.Destroy()
	r.Capture()
}

func TestRecordWithAudio(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New(
		recorder.WithCodecs(testCodecs(&testVideo{failAt: -1})),
		recorder.WithAudioSource(func() (audio.Source, error) {
			return audio.NewTone(audio.DefaultFormat, 440, 0.25, true), nil
		}),
	)
	registerGL(r, gl)

	cfg := testConfig(recorder.VideoVP8)
	cfg.RecordAudio = true
	if err := r.InitConfig(cfg); err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	stem := filepath.Join(t.TempDir(), "av")
	_ = r.SetSavedName(stem)
	if err := r.PrepareCapture(); err != nil {
		t.Fatalf("PrepareCapture: %v", err)
	}
	for i := 0; i < 6; i++ {
		r.Capture()
		time.Sleep(20 * time.Millisecond)
	}
	if err := r.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	f := readOutput(t, stem+".webm")
	if len(f.Tracks) != 2 || f.Tracks[1].CodecID != "A_VORBIS" {
		t.Fatalf("tracks = %+v, want video and vorbis", f.Tracks)
	}
	if len(f.TrackBlocks(1)) != 6 {
		t.Fatalf("video blocks = %d, want 6", len(f.TrackBlocks(1)))
	}
	if len(f.TrackBlocks(2)) == 0 {
		t.Fatal("no audio blocks")
	}
	var last time.Duration
	for i, b := range f.Blocks {
		if b.Timestamp < last {
			t.Fatalf("block %d at %v after %v", i, b.Timestamp, last)
		}
		last = b.Timestamp
	}
	if st := r.Stats(); st.AudioSamples == 0 || st.AudioPackets == 0 {
		t.Fatalf("stats = %+v, want audio", st)
	}
}

func TestAudioWithoutSourceRecordsVideoOnly(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	r := recorder.New(recorder.WithCodecs(testCodecs(&testVideo{failAt: -1})))
	registerGL(r, gl)

	cfg := testConfig(recorder.VideoVP8)
	cfg.RecordAudio = true
	_ = r.InitConfig(cfg)
	stem := filepath.Join(t.TempDir(), "mute")
	_ = r.SetSavedName(stem)
	if err := r.PrepareCapture(); err != nil {
		t.Fatalf("PrepareCapture: %v", err)
	}
	r.Capture()
	if err := r.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if f := readOutput(t, stem+".webm"); len(f.Tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(f.Tracks))
	}
}

func TestAudioOpenFailure(t *testing.T) {
	t.Parallel()

	gl := softgl.New(testW, testH)
	boom := errors.New("no device")
	r := recorder.New(recorder.WithAudioSource(func() (audio.Source, error) { return nil, boom }))
	registerGL(r, gl)

	cfg := testConfig(recorder.VideoMJPEG)
	cfg.RecordAudio = true
	_ = r.InitConfig(cfg)
	_ = r.SetSavedName(filepath.Join(t.TempDir(), "x"))
	err := r.PrepareCapture()
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want audio open error", err)
	}
	if gl.LiveBuffers() != 0 {
		t.Fatalf("LiveBuffers = %d, want 0 after failed setup", gl.LiveBuffers())
	}
}

func TestRegisterWrongShape(t *testing.T) {
	t.Parallel()

	r := recorder.New()
	err := r.RegisterInt(recorder.EventSaved, recorder.IntFunc(func(int) {}))
	if !errors.Is(err, recorder.ErrHandlerShape) {
		t.Fatalf("got %v, want ErrHandlerShape", err)
	}
	if err := r.RegisterGeneral(recorder.EventStart, recorder.GeneralFunc(func() {})); err != nil {
		t.Fatalf("RegisterGeneral: %v", err)
	}
}
