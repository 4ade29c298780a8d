package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tonelab/tone/pkg/manifest"
)

// Load reads the YAML file at path, applies defaults and environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		return finish(cfg)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, then applies defaults and
// environment overrides and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.MaxMessageBytes, DefaultMaxMessage)
	setDefault(&cfg.Server.WriteTimeout, DefaultWriteTimeout)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdown)
	setDefault(&cfg.Server.MaxUploadBytes, 32<<20)
	if cfg.Server.PredictRPS > 0 && cfg.Server.PredictBurst <= 0 {
		cfg.Server.PredictBurst = max(1, int(cfg.Server.PredictRPS))
	}

	setDefault(&cfg.Registry.URL, DefaultRegistryURL)
	setDefault(&cfg.Model.Name, DefaultModelName)
	setDefault(&cfg.Model.Version, DefaultModelVersion)
	setDefault(&cfg.Model.CacheDir, DefaultCacheDir)
	setDefault(&cfg.VAD.Name, DefaultVAD)

	s := &cfg.Segmentation
	setDefault(&s.SampleRate, DefaultSampleRate)
	setDefault(&s.FrameSize, DefaultFrameSize)
	if s.PreRollMS == nil {
		s.PreRollMS = ptr(DefaultPreRollMS)
	}
	if s.MinUtteranceMS == nil {
		s.MinUtteranceMS = ptr(DefaultMinUtteranceMS)
	}
	setDefault(&s.MaxUtteranceMS, DefaultMaxUtteranceMS)

	setDefault(&cfg.Inference.MaxInFlight, DefaultMaxInFlight)
	setDefault(&cfg.Inference.Timeout, DefaultInferTimeout)
}

func ptr[T any](v T) *T { return &v }

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	overrides := []struct {
		key   string
		field *string
	}{
		{"REGISTRY_URL", &cfg.Registry.URL},
		{"MODEL_NAME", &cfg.Model.Name},
		{"MODEL_VERSION", &cfg.Model.Version},
		{"MODEL_FORMAT", &cfg.Model.Format},
		{"MODEL_CACHE_DIR", &cfg.Model.CacheDir},
		{"LISTEN_ADDR", &cfg.Server.ListenAddr},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.field = v
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := lookup("AWS_ACCESS_KEY_ID"); ok && v != "" && cfg.Storage.S3 != nil && cfg.Storage.S3.AccessKeyID == "" {
		cfg.Storage.S3.AccessKeyID = v
		if secret, ok := lookup("AWS_SECRET_ACCESS_KEY"); ok {
			cfg.Storage.S3.SecretAccessKey = secret
		}
	}
}

// Validate checks that cfg is coherent and returns every failure joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.PredictRPS < 0 {
		errs = append(errs, fmt.Errorf("server.predict_rps %v must not be negative", cfg.Server.PredictRPS))
	}

	if u, err := url.Parse(cfg.Registry.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("registry.url %q must be an absolute http(s) URL", cfg.Registry.URL))
	}
	if cfg.Model.Name == "" || cfg.Model.Version == "" {
		errs = append(errs, errors.New("model.name and model.version are required"))
	}
	switch cfg.Model.Format {
	case "", manifest.FormatONNX, manifest.FormatSafetensors:
	default:
		errs = append(errs, fmt.Errorf("model.format %q is invalid; valid values: onnx, safetensors", cfg.Model.Format))
	}

	s := cfg.Segmentation
	if s.SampleRate <= 0 || s.FrameSize <= 0 {
		errs = append(errs, errors.New("segmentation.sample_rate and segmentation.frame_size must be positive"))
	}
	if s.PreRoll() < 0 {
		errs = append(errs, fmt.Errorf("segmentation.pre_roll_ms %d must not be negative", s.PreRoll()))
	}
	if s.MinUtterance() < 0 || s.MaxUtteranceMS <= 0 {
		errs = append(errs, errors.New("segmentation utterance bounds must be positive"))
	} else if s.MinUtterance() > s.MaxUtteranceMS {
		errs = append(errs, fmt.Errorf("segmentation.min_utterance_ms %d exceeds max_utterance_ms %d", s.MinUtterance(), s.MaxUtteranceMS))
	}
	if s.SampleRate > 0 && s.SampleRate != DefaultSampleRate {
		slog.Warn("segmentation.sample_rate differs from the model rate; streams must be sent at this rate",
			"sample_rate", s.SampleRate)
	}

	if cfg.Inference.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("inference.max_in_flight %d must not be negative", cfg.Inference.MaxInFlight))
	}
	if cfg.Inference.TargetRMS < 0 || cfg.Inference.TargetRMS > 1 {
		errs = append(errs, fmt.Errorf("inference.target_rms %v is out of range [0, 1]", cfg.Inference.TargetRMS))
	}
	if cfg.Inference.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("inference.breaker.max_failures must not be negative"))
	}

	return errors.Join(errs...)
}
