// Package artifact provisions model files at startup.
//
// [GetManifest] asks the registry for the manifest of one (name, version)
// pair; [Fetcher.GetArtifacts] downloads every artifact it lists into a
// local cache and verifies each file by sha256. Files already present with
// the expected hash are not downloaded again.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonelab/tone/pkg/manifest"
)

// maxManifestBytes caps registry responses.
const maxManifestBytes = 1 << 20

// GetManifest fetches and validates the manifest for name@version from the
// registry at registryURL. client may be nil to use http.DefaultClient.
func GetManifest(ctx context.Context, client *http.Client, registryURL, name, version string) (*manifest.Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(registryURL, "/") + "/v1/models/" + url.PathEscape(name) +
		"?version=" + url.QueryEscape(version)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact: build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact: get manifest %s@%s: %w", name, version, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("artifact: get manifest %s@%s: HTTP %d: %s",
			name, version, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	m, err := manifest.Decode(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("artifact: manifest %s@%s: %w", name, version, err)
	}
	if m.Model.Name != name || m.Model.Version != version {
		return nil, fmt.Errorf("artifact: registry returned %s for %s@%s", m, name, version)
	}
	return m, nil
}
