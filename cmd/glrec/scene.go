package main

import (
	"image"
	"image/draw"
	"math"

	"github.com/gogpu/gg"

	"github.com/zsiec/glrec/codec"
	"github.com/zsiec/glrec/internal/softgl"
)

// scene draws an animated test pattern and uploads it as the softgl
// framebuffer, standing in for a real GL render pass.
type scene struct {
	dc     *gg.Context
	fb     *softgl.Context
	w, h   int
	rgba   *image.RGBA
	upload []byte
}

func newScene(fb *softgl.Context, w, h int) *scene {
	return &scene{
		dc:     gg.NewContext(w, h),
		fb:     fb,
		w:      w,
		h:      h,
		rgba:   image.NewRGBA(image.Rect(0, 0, w, h)),
		upload: make([]byte, w*h*4),
	}
}

func (s *scene) render(frame uint64, fps uint32) {
	t := float64(frame) / float64(fps)
	w, h := float64(s.w), float64(s.h)

	s.dc.ClearWithColor(gg.RGBA{R: 0.08, G: 0.09, B: 0.12, A: 1})

	// Moving ball.
	x := w/2 + math.Cos(t*1.7)*w/3
	y := h/2 + math.Sin(t*2.3)*h/3
	s.dc.SetRGB(0.95, 0.45, 0.15)
	s.dc.DrawCircle(x, y, h/10)
	_ = s.dc.Fill()

	// Sweep bar, one pass per second.
	bar := math.Mod(t, 1) * w
	s.dc.SetRGBA(0.2, 0.7, 1, 0.8)
	s.dc.DrawRectangle(bar, 0, w/40, h)
	_ = s.dc.Fill()

	// Frame counter as binary blocks along the bottom edge.
	cell := w / 32
	for i := 0; i < 32; i++ {
		if frame&(1<<uint(i)) != 0 {
			s.dc.SetRGB(1, 1, 1)
		} else {
			s.dc.SetRGB(0.2, 0.2, 0.2)
		}
		s.dc.DrawRectangle(float64(i)*cell, h-cell, cell-1, cell-1)
		_ = s.dc.Fill()
	}

	img := s.dc.Image()
	src, ok := img.(*image.RGBA)
	if !ok || src.Stride != s.w*4 {
		draw.Draw(s.rgba, s.rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		src = s.rgba
	}
	// GL framebuffers are bottom row first.
	codec.FlipRows(s.upload, src.Pix, s.w*4, s.h)
	s.fb.SetFramebuffer(s.upload)
}

func (s *scene) close() { _ = s.dc.Close() }
