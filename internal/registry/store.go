// Package registry serves model manifests from a directory of JSON files
// named <name>-<version>.json.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tonelab/tone/pkg/manifest"
)

// ErrNotFound is returned when no manifest exists for a (name, version).
var ErrNotFound = errors.New("registry: model not found")

// ErrBadIdentifier is returned for names or versions that could escape the
// manifest directory.
var ErrBadIdentifier = errors.New("registry: invalid model identifier")

var identRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._]*$`)

// FS loads manifests from Dir.
type FS struct {
	Dir string
}

func checkIdent(s string) error {
	if !identRe.MatchString(s) || strings.Contains(s, "..") {
		return fmt.Errorf("%w: %q", ErrBadIdentifier, s)
	}
	return nil
}

// Load reads and validates <Dir>/<name>-<version>.json.
func (s *FS) Load(name, version string) (*manifest.Manifest, error) {
	if err := checkIdent(name); err != nil {
		return nil, err
	}
	if err := checkIdent(version); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.Dir, name+"-"+version+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: open manifest: %w", err)
	}
	defer f.Close()

	m, err := manifest.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("registry: %s@%s: %w", name, version, err)
	}
	if m.Model.Name != name || m.Model.Version != version {
		return nil, fmt.Errorf("registry: %s-%s.json declares %s: %w", name, version, m, manifest.ErrInvalid)
	}
	return m, nil
}

// Versions lists the versions available for name, sorted.
func (s *FS) Versions(name string) ([]string, error) {
	if err := checkIdent(name); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir, name+"-*.json"))
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", name, err)
	}
	versions := make([]string, 0, len(matches))
	for _, p := range matches {
		v := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), name+"-"), ".json")
		// "tone-extra-1.0.json" belongs to model "tone-extra", not "tone".
		if checkIdent(v) == nil {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	sort.Strings(versions)
	return versions, nil
}
