// Package gstcodec provides VP8, VP9, H.264 and Vorbis encoders backed by
// GStreamer. Importing it registers them in codec.Default:
//
//	import _ "github.com/zsiec/glrec/codec/gstcodec"
//
// Each encoder runs its own appsrc -> encoder -> appsink pipeline. The
// vp8enc, vp9enc, x264enc and vorbisenc elements must be installed.
package gstcodec

import (
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/zsiec/glrec/codec"
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(func() { gst.Init(nil) })
}

func gstCaps(s string) *gst.Caps {
	ensureInit()
	return gst.NewCapsFromString(s)
}

func init() {
	Register(codec.Default)
}

// Register adds the GStreamer encoders to reg.
func Register(reg *codec.Registry) {
	reg.RegisterVideo(codec.VideoVP8, newVideo(codec.VideoVP8))
	reg.RegisterVideo(codec.VideoVP9, newVideo(codec.VideoVP9))
	reg.RegisterVideo(codec.VideoH264, newVideo(codec.VideoH264))
	reg.RegisterAudio(codec.AudioVorbis, newVorbis)
}
