// Package energy provides a pure-Go VAD engine that gates on frame RMS
// energy with hysteresis.
//
// It is not a replacement for a learned detector such as Silero, but it has
// no native dependencies and behaves predictably on clean input, which makes
// it the default engine for local runs and integration tests.
//
// Hysteresis works on two levels. A frame counts as loud when its RMS is at
// or above SpeechThreshold and as quiet when below SilenceThreshold; frames in
// between keep the current counters unchanged. A start event is emitted after
// MinSpeechFrames consecutive loud frames, and an end event after
// MinSilenceFrames consecutive quiet frames while speaking.
package energy

import (
	"errors"
	"fmt"

	"github.com/tonelab/tone/pkg/audio"
	"github.com/tonelab/tone/pkg/provider/vad"
	"github.com/tonelab/tone/pkg/types"
)

const (
	defaultSpeechThreshold  = 0.015
	defaultSilenceThreshold = 0.008
	defaultMinSpeechFrames  = 3 // ~96 ms at 32 ms frames
	defaultMinSilenceFrames = 9 // ~300 ms at 32 ms frames
)

// errClosed is returned by ProcessFrame after Close.
var errClosed = errors.New("energy: session closed")

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithThresholds sets the RMS levels that count as speech and as silence.
// silence must be ≤ speech.
func WithThresholds(speech, silence float64) Option {
	return func(e *Engine) {
		e.speechThreshold = speech
		e.silenceThreshold = silence
	}
}

// WithMinSpeechFrames sets how many consecutive loud frames trigger a start.
func WithMinSpeechFrames(n int) Option {
	return func(e *Engine) { e.minSpeechFrames = n }
}

// WithMinSilenceFrames sets how many consecutive quiet frames trigger an end.
func WithMinSilenceFrames(n int) Option {
	return func(e *Engine) { e.minSilenceFrames = n }
}

// Engine implements vad.Engine. It is immutable after New and safe for
// concurrent use.
type Engine struct {
	speechThreshold  float64
	silenceThreshold float64
	minSpeechFrames  int
	minSilenceFrames int
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// New returns an Engine with defaults tuned for 16 kHz, 32 ms frames.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		speechThreshold:  defaultSpeechThreshold,
		silenceThreshold: defaultSilenceThreshold,
		minSpeechFrames:  defaultMinSpeechFrames,
		minSilenceFrames: defaultMinSilenceFrames,
	}
	for _, o := range opts {
		o(e)
	}
	if e.speechThreshold <= 0 || e.silenceThreshold < 0 || e.silenceThreshold > e.speechThreshold {
		return nil, fmt.Errorf("energy: invalid thresholds speech=%v silence=%v", e.speechThreshold, e.silenceThreshold)
	}
	if e.minSpeechFrames < 1 || e.minSilenceFrames < 1 {
		return nil, fmt.Errorf("energy: frame counts must be at least 1 (speech=%d silence=%d)", e.minSpeechFrames, e.minSilenceFrames)
	}
	return e, nil
}

// NewSession returns a fresh detector for one stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d", cfg.FrameSize)
	}
	return &session{engine: e, frameSize: cfg.FrameSize}, nil
}

// session holds the per-stream hysteresis state.
type session struct {
	engine    *Engine
	frameSize int

	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

func (s *session) ProcessFrame(frame audio.Frame) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, errClosed
	}
	if len(frame) != s.frameSize {
		return types.VADEvent{}, fmt.Errorf("energy: frame has %d samples, want %d", len(frame), s.frameSize)
	}

	level := audio.RMS(frame)
	e := s.engine

	if s.inSpeech {
		switch {
		case level < e.silenceThreshold:
			s.silenceCount++
			if s.silenceCount >= e.minSilenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				s.speechCount = 0
				return types.VADEvent{Type: types.VADSpeechEnd, Probability: level}, nil
			}
		case level >= e.speechThreshold:
			s.silenceCount = 0
		}
		return types.VADEvent{Type: types.VADNone, Probability: level}, nil
	}

	switch {
	case level >= e.speechThreshold:
		s.speechCount++
		if s.speechCount >= e.minSpeechFrames {
			s.inSpeech = true
			s.speechCount = 0
			s.silenceCount = 0
			return types.VADEvent{Type: types.VADSpeechStart, Probability: level}, nil
		}
	case level < e.silenceThreshold:
		s.speechCount = 0
	}
	return types.VADEvent{Type: types.VADNone, Probability: level}, nil
}

func (s *session) Reset() {
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
