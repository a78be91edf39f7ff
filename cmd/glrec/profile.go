package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/glrec/recorder"
)

// profile is the demo's YAML configuration. Every field can be
// overridden from the environment.
type profile struct {
	Output   string              `yaml:"output"`
	Duration time.Duration       `yaml:"duration"`
	ToneHz   float64             `yaml:"tone_hz"`
	Recorder recorder.Config     `yaml:"recorder"`
	Live     recorder.LiveConfig `yaml:"live"`
}

func defaultProfile() profile {
	return profile{
		Output:   "glrec",
		Duration: 5 * time.Second,
		ToneHz:   440,
		Recorder: recorder.DefaultConfig(),
	}
}

// loadProfile reads path over the defaults. An empty path returns the
// defaults.
func loadProfile(path string) (profile, error) {
	p := defaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// applyEnv overrides p from environment variables.
func applyEnv(p *profile) error {
	p.Output = envOr("OUTPUT", p.Output)
	p.Live.Address = envOr("SRT_ADDR", p.Live.Address)
	p.Live.StreamID = envOr("SRT_STREAMID", p.Live.StreamID)

	if v := os.Getenv("DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DURATION: %w", err)
		}
		p.Duration = d
	}
	if v := os.Getenv("VIDEO_FORMAT"); v != "" {
		if err := p.Recorder.VideoFormat.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("VIDEO_FORMAT: %w", err)
		}
	}
	for _, u := range []struct {
		env string
		dst *uint32
	}{
		{"WIDTH", &p.Recorder.Width},
		{"HEIGHT", &p.Recorder.Height},
		{"FPS", &p.Recorder.FrameRate},
		{"VIDEO_BITRATE", &p.Recorder.VideoBitrate},
	} {
		v := os.Getenv(u.env)
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", u.env, err)
		}
		*u.dst = uint32(n)
	}
	if v := os.Getenv("AUDIO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUDIO: %w", err)
		}
		p.Recorder.RecordAudio = b
	}
	if v := os.Getenv("TRIPLE_BUFFERING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRIPLE_BUFFERING: %w", err)
		}
		p.Recorder.TripleBuffering = b
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
