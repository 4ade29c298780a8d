// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script VADEvent responses per frame and inspect the frames
// that were submitted for processing.
//
// Example:
//
//	sess := &mock.Session{
//	    Events: map[int]types.VADEventType{3: types.VADSpeechStart, 40: types.VADSpeechEnd},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/tonelab/tone/pkg/audio"
	"github.com/tonelab/tone/pkg/provider/vad"
	"github.com/tonelab/tone/pkg/types"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns the result of NewSessionFunc, or a new default Session.
	Session vad.SessionHandle

	// NewSessionFunc, if non-nil and Session is nil, builds the handle for
	// each NewSession call. Useful when every connection needs its own script.
	NewSessionFunc func(cfg vad.Config) vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	if e.NewSessionFunc != nil {
		return e.NewSessionFunc(cfg), nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NewSessionCall, len(e.NewSessionCalls))
	copy(out, e.NewSessionCalls)
	return out
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
//
// For the n-th processed frame (zero-based) it returns, in order of
// precedence: ProcessFrameErr; the result of EventFunc; Events[n]; the zero
// (VADNone) event.
type Session struct {
	mu sync.Mutex

	// Events maps a zero-based frame index to the event returned for it.
	Events map[int]types.VADEventType

	// EventFunc, if non-nil, computes the event for each frame.
	EventFunc func(index int, frame audio.Frame) types.VADEventType

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records a copy of every frame passed to ProcessFrame in order.
	Frames []audio.Frame

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessFrame records the frame and returns the scripted event.
func (s *Session) ProcessFrame(frame audio.Frame) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.Frames)
	cp := make(audio.Frame, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)

	if s.ProcessFrameErr != nil {
		return types.VADEvent{}, s.ProcessFrameErr
	}
	if s.EventFunc != nil {
		return types.VADEvent{Type: s.EventFunc(idx, frame)}, nil
	}
	return types.VADEvent{Type: s.Events[idx]}, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// FrameCount returns the number of frames processed so far. Thread-safe.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Closed reports whether Close was called at least once. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
