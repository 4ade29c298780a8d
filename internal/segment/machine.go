// Package segment turns a stream of fixed-size frames and VAD edge events
// into bounded utterances.
//
// A Machine owns one pre-roll ring and one utterance assembler. While Idle it
// keeps the last few frames in the ring so the onset of speech is not lost;
// on a speech start it seeds the utterance with the ring contents and starts
// capturing; on a speech end it finalizes the utterance, discarding it when
// shorter than the minimum length. Utterances longer than the maximum are
// truncated to their earliest samples.
//
// A Machine is not safe for concurrent use; each stream owns its own.
package segment

import (
	"fmt"

	"github.com/tonelab/tone/pkg/audio"
	"github.com/tonelab/tone/pkg/provider/vad"
	"github.com/tonelab/tone/pkg/types"
)

// State is the capture state of a Machine.
type State int

const (
	// Idle means no utterance is in progress.
	Idle State = iota
	// Capturing means frames are being appended to an utterance.
	Capturing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config bounds utterance length, in samples.
type Config struct {
	FrameSize     int
	PreRollFrames int
	MinSamples    int
	MaxSamples    int // 0 means unbounded
}

// Utterance is a finalized segment ready for inference.
type Utterance struct {
	Samples []float32

	// Truncated reports that audio past MaxSamples was dropped.
	Truncated bool

	// PreRollFrames is how many ring frames seeded the utterance.
	PreRollFrames int
}

// Outcome describes what a Step did with the frame.
type Outcome int

const (
	// OutcomeNone means nothing was finalized.
	OutcomeNone Outcome = iota
	// OutcomeReady means an utterance was finalized and should be dispatched.
	OutcomeReady
	// OutcomeTooShort means an utterance ended below MinSamples and was dropped.
	OutcomeTooShort
)

// Machine is the per-stream segmentation state machine.
type Machine struct {
	cfg    Config
	vad    vad.SessionHandle
	ring   *audio.PreRollRing
	utt    *audio.UtteranceAssembler
	state  State
	seeded int
	trunc  bool
}

// New returns an Idle Machine. vadSession may be nil when the caller only
// uses Step.
func New(cfg Config, vadSession vad.SessionHandle) *Machine {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.FrameSize
	}
	hint := cfg.MinSamples
	if cfg.MaxSamples > 0 {
		hint = min(cfg.MaxSamples, max(hint, cfg.FrameSize))
	}
	return &Machine{
		cfg:  cfg,
		vad:  vadSession,
		ring: audio.NewPreRollRing(cfg.PreRollFrames),
		utt:  audio.NewUtteranceAssembler(hint),
	}
}

// State returns the current capture state.
func (m *Machine) State() State { return m.state }

// Pending returns the number of samples in the in-progress utterance.
func (m *Machine) Pending() int { return m.utt.Len() }

// Buffered returns the number of frames held in the pre-roll ring.
func (m *Machine) Buffered() int { return m.ring.Len() }

// Process runs the VAD on frame and applies the resulting event. A VAD error
// is returned alongside the outcome of stepping the frame as VADNone, so the
// caller only needs to log it.
func (m *Machine) Process(frame audio.Frame) (Utterance, Outcome, error) {
	if m.vad == nil {
		u, o := m.Step(frame, types.VADNone)
		return u, o, nil
	}
	ev, err := m.vad.ProcessFrame(frame)
	if err != nil {
		u, o := m.Step(frame, types.VADNone)
		return u, o, fmt.Errorf("segment: vad: %w", err)
	}
	u, o := m.Step(frame, ev.Type)
	return u, o, nil
}

// Step applies one frame and its VAD event.
func (m *Machine) Step(frame audio.Frame, ev types.VADEventType) (Utterance, Outcome) {
	switch m.state {
	case Idle:
		if ev != types.VADSpeechStart {
			m.ring.Append(frame)
			return Utterance{}, OutcomeNone
		}
		m.state = Capturing
		seed := m.ring.Drain()
		m.seeded = len(seed)
		for _, f := range seed {
			m.appendCapped(f)
		}
		m.appendCapped(frame)
		return Utterance{}, OutcomeNone

	default: // Capturing
		m.appendCapped(frame)
		if ev != types.VADSpeechEnd {
			return Utterance{}, OutcomeNone
		}
		return m.finalize()
	}
}

// Reset discards any in-progress utterance and pre-roll, returning to Idle.
// The VAD session state is reset too.
func (m *Machine) Reset() {
	m.utt.Reset()
	m.ring.Drain()
	m.toIdle()
	if m.vad != nil {
		m.vad.Reset()
	}
}

func (m *Machine) appendCapped(f audio.Frame) {
	limit := m.cfg.MaxSamples
	if limit > 0 && m.utt.Len() >= limit {
		m.trunc = true
		return
	}
	m.utt.Append(f)
	if limit > 0 && m.utt.Len() > limit {
		m.utt.Truncate(limit)
		m.trunc = true
	}
}

func (m *Machine) finalize() (Utterance, Outcome) {
	n := m.utt.Len()
	if n < m.cfg.MinSamples {
		m.utt.Reset()
		m.toIdle()
		return Utterance{}, OutcomeTooShort
	}
	u := Utterance{
		Samples:       m.utt.TakeAndReset(),
		Truncated:     m.trunc,
		PreRollFrames: m.seeded,
	}
	m.toIdle()
	return u, OutcomeReady
}

func (m *Machine) toIdle() {
	m.state = Idle
	m.seeded = 0
	m.trunc = false
}
