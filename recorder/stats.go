package recorder

// Stats is a snapshot of the current or most recent capture.
type Stats struct {
	Session string

	FramesCaptured uint64 // frames handed to the video encoder queue
	FramesDropped  uint64 // frames discarded because the encoder fell behind
	GLStalls       uint64 // captures that waited on an earlier readback
	HarvestErrors  uint64

	AudioSamples  uint64 // sample frames read from the source
	ChunksDropped uint64

	VideoPackets uint64
	AudioPackets uint64
	Keyframes    uint64
	BytesWritten int64

	LiveChunks  uint64
	LiveDropped uint64
}
