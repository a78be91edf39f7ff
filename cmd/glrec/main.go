// Command glrec renders an animated test pattern into a software GL
// framebuffer and records it with the recorder package. It exercises the
// whole capture path without a GPU and doubles as a soak test.
//
// Configuration comes from an optional YAML profile (GLREC_PROFILE) and
// environment overrides: OUTPUT, DURATION, WIDTH, HEIGHT, FPS,
// VIDEO_FORMAT, VIDEO_BITRATE, AUDIO, TRIPLE_BUFFERING, SRT_ADDR and
// SRT_STREAMID.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/glrec/audio"
	_ "github.com/zsiec/glrec/codec/gstcodec"
	"github.com/zsiec/glrec/internal/softgl"
	"github.com/zsiec/glrec/recorder"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	prof, err := loadProfile(os.Getenv("GLREC_PROFILE"))
	if err != nil {
		slog.Error("failed to load profile", "error", err)
		os.Exit(1)
	}
	if err := applyEnv(&prof); err != nil {
		slog.Error("invalid environment override", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, stopping capture", "signal", sig)
		cancel()
	}()

	if err := run(ctx, prof); err != nil {
		slog.Error("recording failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, prof profile) error {
	opts := []recorder.Option{recorder.WithLogger(slog.Default())}
	if prof.Recorder.RecordAudio {
		tone := prof.ToneHz
		opts = append(opts, recorder.WithAudioSource(func() (audio.Source, error) {
			return audio.NewTone(audio.DefaultFormat, tone, 0.2, true), nil
		}))
	}
	if prof.Live.Enabled() {
		opts = append(opts, recorder.WithLiveOutput(prof.Live))
	}
	rec := recorder.New(opts...)
	defer rec.Destroy()

	var cfgErr *recorder.ConfigError
	if err := rec.InitConfig(prof.Recorder); errors.As(err, &cfgErr) {
		slog.Warn("profile rejected, recording with defaults", "error", err)
	} else if err != nil {
		return err
	}
	cfg := rec.Config()
	if err := rec.SetSavedName(prof.Output); err != nil {
		return err
	}

	saved := make(chan string, 1)
	if err := registerHandlers(rec, saved); err != nil {
		return err
	}

	fb := softgl.New(int(cfg.Width), int(cfg.Height))
	rec.RegisterReadPixels(fb.ReadPixels)
	rec.RegisterPBOFunctions(fb.GenBuffers, fb.BindBuffer, fb.BufferData, fb.DeleteBuffers, fb.MapBuffer, fb.UnmapBuffer)

	slog.Info("glrec starting",
		"version", version,
		"size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FrameRate,
		"video", cfg.VideoFormat,
		"audio", cfg.RecordAudio,
		"duration", prof.Duration,
		"live", prof.Live.Address,
	)

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	// The render loop is the GL thread: every recorder call that touches GL
	// happens here.
	g.Go(func() error {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		return renderLoop(ctx, rec, fb, cfg, prof.Duration)
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				st := rec.Stats()
				slog.Info("recording",
					"frames", st.FramesCaptured,
					"dropped", st.FramesDropped,
					"stalls", st.GLStalls,
					"video_packets", st.VideoPackets,
					"audio_packets", st.AudioPackets,
					"bytes", st.BytesWritten,
				)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case path := <-saved:
		st := rec.Stats()
		slog.Info("recording saved",
			"path", path,
			"frames", st.FramesCaptured,
			"dropped", st.FramesDropped,
			"keyframes", st.Keyframes,
			"bytes", st.BytesWritten,
			"live_chunks", st.LiveChunks,
			"live_dropped", st.LiveDropped,
		)
	default:
	}
	return nil
}

func renderLoop(ctx context.Context, rec *recorder.Recorder, fb *softgl.Context, cfg recorder.Config, d time.Duration) error {
	sc := newScene(fb, int(cfg.Width), int(cfg.Height))
	defer sc.close()

	if err := rec.PrepareCapture(); err != nil {
		return err
	}

	interval := time.Second / time.Duration(cfg.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	var frame uint64
	for rec.Capturing() {
		select {
		case <-ctx.Done():
			return rec.StopCapture()
		case <-deadline:
			return rec.StopCapture()
		case <-ticker.C:
			sc.render(frame, cfg.FrameRate)
			rec.Capture()
			frame++
		}
	}
	// The capture ended on its own; the error event carries the reason.
	return errors.New("capture aborted")
}

func registerHandlers(rec *recorder.Recorder, saved chan<- string) error {
	lastLogged := -1
	return errors.Join(
		rec.RegisterGeneral(recorder.EventStart, recorder.GeneralFunc(func() {
			slog.Info("capture started")
		})),
		rec.RegisterString(recorder.EventSaved, recorder.StringFunc(func(path string) {
			select {
			case saved <- path:
			default:
			}
		})),
		rec.RegisterString(recorder.EventError, recorder.StringFunc(func(msg string) {
			slog.Error("capture error", "error", msg)
		})),
		rec.RegisterInt(recorder.EventProgress, recorder.IntFunc(func(pct int) {
			if pct/25 != lastLogged/25 || pct == 100 {
				lastLogged = pct
				slog.Info("finalizing", "progress", pct)
			}
		})),
	)
}
