package recorder

import "github.com/zsiec/glrec/internal/pbo"

// GL entry point signatures. They match github.com/go-gl/gl, so for
// example gl.ReadPixels can be passed to RegisterReadPixels directly.
type (
	ReadPixelsFunc    = pbo.ReadPixelsFunc
	GenBuffersFunc    = pbo.GenBuffersFunc
	BindBufferFunc    = pbo.BindBufferFunc
	BufferDataFunc    = pbo.BufferDataFunc
	DeleteBuffersFunc = pbo.DeleteBuffersFunc
	MapBufferFunc     = pbo.MapBufferFunc
	UnmapBufferFunc   = pbo.UnmapBufferFunc
)

// RegisterReadPixels sets glReadPixels. Required in every mode. Takes
// effect at the next PrepareCapture.
func (r *Recorder) RegisterReadPixels(fn ReadPixelsFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gl.ReadPixels = fn
}

// RegisterPBOFunctions sets the buffer object entry points needed for
// triple buffering. Takes effect at the next PrepareCapture.
func (r *Recorder) RegisterPBOFunctions(gen GenBuffersFunc, bind BindBufferFunc, data BufferDataFunc,
	del DeleteBuffersFunc, mapBuf MapBufferFunc, unmap UnmapBufferFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gl.GenBuffers = gen
	r.gl.BindBuffer = bind
	r.gl.BufferData = data
	r.gl.DeleteBuffers = del
	r.gl.MapBuffer = mapBuf
	r.gl.UnmapBuffer = unmap
}
