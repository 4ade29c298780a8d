// Package audio holds the sample-level building blocks of the streaming
// inference pipeline: fixed-size frames, the byte-to-frame accumulator, the
// pre-roll ring and the utterance assembler, plus helpers for converting
// uploaded audio files into 16 kHz mono float32 waveforms.
//
// None of the types in this package are safe for concurrent use. Each
// streaming session owns its own accumulator, ring and assembler and drives
// them from a single goroutine.
//
// This package lives under pkg/ because model backends and VAD engines
// implemented outside this repository consume [Frame] values directly.
package audio

import "time"

const (
	// SampleRate is the only sample rate accepted on the streaming protocol
	// and handed to model backends, in Hz.
	SampleRate = 16000

	// FrameSize is the number of samples in one VAD frame (32 ms at 16 kHz).
	FrameSize = 512

	// bytesPerSample is the width of one little-endian float32 sample on the
	// wire.
	bytesPerSample = 4
)

// Frame is a fixed-length run of normalized samples in roughly [-1.0, 1.0].
// Frames produced by [FrameAccumulator] are freshly allocated and never
// aliased by the accumulator afterwards, so consumers may retain them.
type Frame []float32

// Duration returns the playback duration of the frame at [SampleRate].
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f), SampleRate)
}

// FrameDuration returns the duration of a frameSize-sample frame at
// sampleRate, in milliseconds, as a float (512 samples at 16 kHz = 32 ms).
func FrameDuration(frameSize, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(frameSize) / float64(sampleRate) * 1000
}

// SamplesDuration converts a sample count at sampleRate into a duration.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// MillisToSamples converts a millisecond duration into a sample count at
// sampleRate, rounding down.
func MillisToSamples(ms, sampleRate int) int {
	if ms <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(ms) * int64(sampleRate) / 1000)
}
