package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedChunk is returned by [FrameAccumulator.Push] when a chunk is not
// a whole number of float32 samples. The chunk is dropped; previously
// buffered samples are kept.
var ErrMalformedChunk = errors.New("audio: malformed pcm chunk")

// FrameAccumulator slices a stream of little-endian float32 PCM chunks into
// fixed-size [Frame] values. Samples that do not yet fill a frame are kept
// until the next Push.
type FrameAccumulator struct {
	frameSize int
	pending   []float32
}

// NewFrameAccumulator returns an accumulator producing frames of frameSize
// samples. A non-positive frameSize selects [FrameSize].
func NewFrameAccumulator(frameSize int) *FrameAccumulator {
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	return &FrameAccumulator{
		frameSize: frameSize,
		pending:   make([]float32, 0, frameSize*2),
	}
}

// Push decodes data and returns every frame that is now complete, oldest
// first. Empty input returns no frames and no error.
func (a *FrameAccumulator) Push(data []byte) ([]Frame, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%bytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedChunk, len(data), bytesPerSample)
	}

	for i := 0; i < len(data); i += bytesPerSample {
		a.pending = append(a.pending, math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
	}

	n := len(a.pending) / a.frameSize
	if n == 0 {
		return nil, nil
	}
	frames := make([]Frame, n)
	for i := range n {
		f := make(Frame, a.frameSize)
		copy(f, a.pending[i*a.frameSize:])
		frames[i] = f
	}

	// Shift the remainder to the front so the backing array does not grow
	// without bound on long sessions.
	rest := copy(a.pending, a.pending[n*a.frameSize:])
	a.pending = a.pending[:rest]
	return frames, nil
}

// Pending returns the number of buffered samples that do not yet form a
// complete frame.
func (a *FrameAccumulator) Pending() int {
	return len(a.pending)
}

// Reset drops any buffered partial frame.
func (a *FrameAccumulator) Reset() {
	a.pending = a.pending[:0]
}

// EncodeFloat32LE encodes samples as little-endian float32 PCM, the wire
// format accepted by [FrameAccumulator.Push].
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*bytesPerSample:], math.Float32bits(s))
	}
	return out
}
