package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/manifest"
)

// ErrChecksumMismatch is returned when a downloaded file does not hash to
// the value the manifest declares.
var ErrChecksumMismatch = errors.New("artifact: sha256 mismatch")

// Set maps artifact keys to verified local file paths.
type Set map[string]string

// Option configures a [Fetcher].
type Option func(*Fetcher)

// WithHTTPClient sets the client used for http(s) URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.http = c }
}

// WithS3Client enables s3:// URLs.
func WithS3Client(c S3Client) Option {
	return func(f *Fetcher) { f.s3 = c }
}

// WithConcurrency bounds parallel downloads. Default: 4.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) { f.concurrency = n }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// Fetcher downloads manifest artifacts into a local cache.
type Fetcher struct {
	http        *http.Client
	s3          S3Client
	concurrency int
	metrics     *observe.Metrics
}

// NewFetcher returns a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{http: http.DefaultClient, concurrency: 4}
	for _, o := range opts {
		o(f)
	}
	if f.concurrency < 1 {
		f.concurrency = 1
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// GetArtifacts ensures every artifact of m exists under
// <cacheDir>/<name>/<version>/ with the expected hash and returns their
// paths. Downloads run concurrently; the first failure cancels the rest.
func (f *Fetcher) GetArtifacts(ctx context.Context, m *manifest.Manifest, cacheDir string) (Set, error) {
	dir := filepath.Join(cacheDir, m.Model.Name, m.Model.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create cache dir: %w", err)
	}

	keys := m.ArtifactKeys()
	paths := make([]string, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, key := range keys {
		a := m.Artifacts[key]
		g.Go(func() error {
			name, err := fileName(a.URL)
			if err != nil {
				return fmt.Errorf("artifact: %s: %w", key, err)
			}
			dest := filepath.Join(dir, name)
			if err := f.ensure(ctx, a.URL, dest, m.ExpectedSHA256(key)); err != nil {
				return fmt.Errorf("artifact: %s: %w", key, err)
			}
			paths[i] = dest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := make(Set, len(keys))
	for i, key := range keys {
		set[key] = paths[i]
	}
	return set, nil
}

// ensure downloads rawURL to dest unless dest already hashes to want.
func (f *Fetcher) ensure(ctx context.Context, rawURL, dest, want string) error {
	want = strings.ToLower(want)
	if want != "" {
		if got, err := hashFile(dest); err == nil && got == want {
			slog.Debug("artifact cached", "path", dest)
			f.metrics.RecordArtifactFetch(ctx, "cached")
			return nil
		}
	}

	slog.Info("downloading artifact", "url", rawURL, "dest", dest)
	got, err := f.download(ctx, rawURL, dest)
	if err != nil {
		f.metrics.RecordArtifactFetch(ctx, "error")
		return err
	}
	if want != "" && got != want {
		f.metrics.RecordArtifactFetch(ctx, "mismatch")
		return fmt.Errorf("%w for %s: got %s, want %s", ErrChecksumMismatch, dest, got, want)
	}
	f.metrics.RecordArtifactFetch(ctx, "downloaded")
	return nil
}

// download streams rawURL into dest through a temp file and returns the
// hex sha256 of the content. dest is replaced atomically.
func (f *Fetcher) download(ctx context.Context, rawURL, dest string) (string, error) {
	body, err := f.open(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("install %s: %w", dest, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "s3":
		return f.openS3(ctx, rawURL)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", rawURL, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("get %s: HTTP %d", rawURL, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// fileName is the last path element of rawURL.
func fileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return name, nil
}

func hashFile(p string) (string, error) {
	fh, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
