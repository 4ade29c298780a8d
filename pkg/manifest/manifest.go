// Package manifest defines the model manifest served by the registry and
// consumed by the inference service at startup.
//
// A manifest is immutable once fetched: it names the model, its format and
// checksum, the audio contract the model was trained on, the label table and
// the set of artifacts that must be downloaded before the backend can load.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Known model formats. The format selects the backend variant together with
// the model name and version.
const (
	FormatONNX        = "onnx"
	FormatSafetensors = "safetensors"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("manifest: invalid")

// Manifest is the registry document for one (name, version) pair.
type Manifest struct {
	SchemaVersion string              `json:"schema_version"`
	Model         ModelSpec           `json:"model"`
	Audio         *AudioSpec          `json:"audio,omitempty"`
	Labels        map[string]int      `json:"labels,omitempty"`
	Artifacts     map[string]Artifact `json:"artifacts"`
}

// ModelSpec identifies the model and its primary weights file.
type ModelSpec struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
	Precision string `json:"precision,omitempty"`
}

// AudioSpec is the audio contract the model expects.
type AudioSpec struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	MaxDurationMS int `json:"max_duration_ms"`
}

// Artifact is one downloadable file. SHA256 is optional; when empty the
// model checksum is used instead.
type Artifact struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256,omitempty"`
}

// Decode reads and validates a JSON manifest.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural invariants and returns all failures joined.
func (m *Manifest) Validate() error {
	var errs []error
	if m.SchemaVersion == "" {
		errs = append(errs, fmt.Errorf("%w: schema_version required", ErrInvalid))
	}
	if m.Model.Name == "" || m.Model.Version == "" {
		errs = append(errs, fmt.Errorf("%w: model name/version required", ErrInvalid))
	}
	if m.Model.Format == "" {
		errs = append(errs, fmt.Errorf("%w: model format required", ErrInvalid))
	}
	if len(m.Artifacts) == 0 {
		errs = append(errs, fmt.Errorf("%w: artifacts required", ErrInvalid))
	}
	for key, a := range m.Artifacts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("%w: artifact %q has no url", ErrInvalid, key))
		}
	}
	if m.Audio != nil {
		if m.Audio.SampleRate <= 0 || m.Audio.Channels <= 0 {
			errs = append(errs, fmt.Errorf("%w: audio sample_rate and channels must be positive", ErrInvalid))
		}
		if m.Audio.MaxDurationMS < 0 {
			errs = append(errs, fmt.Errorf("%w: audio max_duration_ms must not be negative", ErrInvalid))
		}
	}
	seen := make(map[int]string, len(m.Labels))
	for name, id := range m.Labels {
		if id < 0 {
			errs = append(errs, fmt.Errorf("%w: label %q has negative id %d", ErrInvalid, name, id))
			continue
		}
		if other, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("%w: labels %q and %q share id %d", ErrInvalid, other, name, id))
		}
		seen[id] = name
	}
	return errors.Join(errs...)
}

// LabelNames returns label names indexed by id. Gaps in the id space are
// left as empty strings.
func (m *Manifest) LabelNames() []string {
	if len(m.Labels) == 0 {
		return nil
	}
	maxID := -1
	for _, id := range m.Labels {
		maxID = max(maxID, id)
	}
	out := make([]string, maxID+1)
	for name, id := range m.Labels {
		if id >= 0 {
			out[id] = name
		}
	}
	return out
}

// Label returns the name for the given class id, or "" if unknown.
func (m *Manifest) Label(id int) string {
	for name, lid := range m.Labels {
		if lid == id {
			return name
		}
	}
	return ""
}

// MaxSamples returns the utterance cap derived from the audio contract at
// the given sample rate, or 0 when the manifest declares none.
func (m *Manifest) MaxSamples(sampleRate int) int {
	if m.Audio == nil || m.Audio.MaxDurationMS <= 0 {
		return 0
	}
	return m.Audio.MaxDurationMS * sampleRate / 1000
}

// ArtifactKeys returns the artifact keys in sorted order.
func (m *Manifest) ArtifactKeys() []string {
	keys := make([]string, 0, len(m.Artifacts))
	for k := range m.Artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExpectedSHA256 returns the checksum an artifact must match: its own when
// set, otherwise the model checksum. Empty means unverified.
func (m *Manifest) ExpectedSHA256(key string) string {
	if a, ok := m.Artifacts[key]; ok && a.SHA256 != "" {
		return a.SHA256
	}
	return m.Model.SHA256
}

// String returns "name@version (format)".
func (m *Manifest) String() string {
	return fmt.Sprintf("%s@%s (%s)", m.Model.Name, m.Model.Version, m.Model.Format)
}
