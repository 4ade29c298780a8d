package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tonelab/tone/internal/artifact"
	"github.com/tonelab/tone/internal/config"
	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/manifest"
	"github.com/tonelab/tone/pkg/provider/model"
	"github.com/tonelab/tone/pkg/provider/vad"
)

// Providers holds the loaded model and VAD engine. Populated by
// [BuildProviders] or injected directly in tests.
type Providers struct {
	Manifest *manifest.Manifest
	Backend  model.Backend
	VAD      vad.Engine
}

// ProvisionOptions overrides the clients [BuildProviders] uses.
type ProvisionOptions struct {
	HTTPClient *http.Client
	S3Client   artifact.S3Client
	Metrics    *observe.Metrics
}

// BuildProviders fetches the manifest for the configured model, downloads
// and verifies its artifacts, and instantiates the backend and VAD engine
// from reg. Any failure is fatal for startup.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ProvisionOptions) (*Providers, error) {
	m, err := artifact.GetManifest(ctx, opts.HTTPClient, cfg.Registry.URL, cfg.Model.Name, cfg.Model.Version)
	if err != nil {
		return nil, err
	}
	slog.Info("manifest loaded", "model", m.String(), "artifacts", len(m.Artifacts))

	s3c := opts.S3Client
	if s3c == nil && cfg.Storage.S3 != nil {
		s3c = artifact.NewS3Client(artifact.S3Options{
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		})
	}
	fopts := []artifact.Option{artifact.WithMetrics(opts.Metrics)}
	if opts.HTTPClient != nil {
		fopts = append(fopts, artifact.WithHTTPClient(opts.HTTPClient))
	}
	if s3c != nil {
		fopts = append(fopts, artifact.WithS3Client(s3c))
	}
	set, err := artifact.NewFetcher(fopts...).GetArtifacts(ctx, m, cfg.Model.CacheDir)
	if err != nil {
		return nil, err
	}

	format := m.Model.Format
	if cfg.Model.Format != "" {
		format = cfg.Model.Format
	}
	backend, err := reg.CreateBackend(m.Model.Name, m.Model.Version, format, model.LoadInput{
		Manifest:  m,
		Artifacts: set,
		Options:   cfg.Model.Options,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("backend loaded", "model", m.Model.Name, "version", m.Model.Version, "format", format)

	engine, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("create vad engine %q: %w", cfg.VAD.Name, err)
	}

	if m.Audio != nil && m.Audio.SampleRate != cfg.Segmentation.SampleRate {
		slog.Warn("manifest sample rate differs from stream sample rate",
			"manifest", m.Audio.SampleRate,
			"stream", cfg.Segmentation.SampleRate,
		)
	}
	return &Providers{Manifest: m, Backend: backend, VAD: engine}, nil
}
