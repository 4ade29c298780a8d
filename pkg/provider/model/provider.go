// Package model defines the Backend interface for emotion-classification
// backends.
//
// A backend maps one mono float32 waveform at a known sample rate to a
// prediction (the winning class id) and one score per class, ordered by
// class id. Backends are loaded once at startup from a manifest and a set of
// locally cached artifacts and are never mutated afterwards.
//
// Implementations must be safe for concurrent use. Callers bound concurrency
// themselves; backends need not serialize internally.
package model

import (
	"context"

	"github.com/tonelab/tone/pkg/manifest"
	"github.com/tonelab/tone/pkg/types"
)

// Result is the classification output for one waveform.
type Result = types.InferenceResult

// Backend is the abstraction over any model runtime.
type Backend interface {
	// Infer classifies waveform, a mono signal at sampleRate Hz. Returns an
	// error if ctx is cancelled or the runtime fails; on error the Result is
	// the zero value.
	Infer(ctx context.Context, waveform []float32, sampleRate int) (Result, error)

	// Close releases runtime resources. Calling Close more than once is safe.
	Close() error
}

// LoadInput carries everything a backend factory needs to build a Backend.
type LoadInput struct {
	// Manifest is the validated registry document for the model.
	Manifest *manifest.Manifest

	// Artifacts maps artifact keys from the manifest to verified local paths.
	Artifacts map[string]string

	// Options holds backend-specific settings from the config file.
	Options map[string]any
}

// ArtifactPath returns the local path for key, or "" when absent.
func (in LoadInput) ArtifactPath(key string) string {
	return in.Artifacts[key]
}

// StringOption returns the string option key, or def when missing or not a
// string.
func (in LoadInput) StringOption(key, def string) string {
	if v, ok := in.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// BoolOption returns the bool option key, or def when missing or not a bool.
func (in LoadInput) BoolOption(key string, def bool) bool {
	if v, ok := in.Options[key].(bool); ok {
		return v
	}
	return def
}

// IntOption returns the integer option key, or def when missing. YAML may
// decode integers as int or float64; both are accepted.
func (in LoadInput) IntOption(key string, def int) int {
	switch v := in.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
