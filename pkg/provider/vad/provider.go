// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (e.g., Silero VAD, an
// energy gate, or a custom model) and surfaces it as a stateful, per-stream
// session. Each session maintains its own internal state (smoothing history,
// hysteresis counters) so that multiple concurrent audio streams can be
// processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with an edge event
// (none, start or end). The engine's hysteresis is authoritative; callers do
// not smooth the events further.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"github.com/tonelab/tone/pkg/audio"
	"github.com/tonelab/tone/pkg/types"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSize is the number of samples in each frame. ProcessFrame returns
	// an error if the supplied frame does not match this size.
	FrameSize int
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of normalized float32 samples and
	// returns the detection event. Returns an error if the frame size is wrong
	// or if the engine encounters an internal failure.
	ProcessFrame(frame audio.Frame) (types.VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
