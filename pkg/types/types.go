// Package types holds the small value types shared between the streaming
// pipeline and the provider packages. It has no dependencies so that
// third-party VAD engines and model backends can import it cheaply.
package types

import "fmt"

// VADEventType enumerates the edge events a VAD engine reports per frame.
// Engines apply their own hysteresis; a Start is reported once when speech
// begins and an End once when it stops.
type VADEventType int

const (
	// VADNone indicates the frame did not change the speech state.
	VADNone VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd
)

// String returns the lower-case event name used in logs.
func (t VADEventType) String() string {
	switch t {
	case VADNone:
		return "none"
	case VADSpeechStart:
		return "start"
	case VADSpeechEnd:
		return "end"
	default:
		return fmt.Sprintf("VADEventType(%d)", int(t))
	}
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0), when the engine
	// provides one.
	Probability float64
}

// InferenceResult is the output of a model backend for one waveform.
type InferenceResult struct {
	// Prediction is the index of the winning class (label id).
	Prediction int `json:"prediction"`

	// Scores holds one score per class, ordered by label id.
	Scores []float32 `json:"scores"`
}

// ArgMax returns the index of the largest score, or -1 for an empty slice.
// Ties resolve to the lowest index.
func ArgMax(scores []float32) int {
	best := -1
	for i, s := range scores {
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	return best
}
