// Package config provides the configuration schema, loader, and backend
// registry for the tone inference service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultRegistryURL    = "http://tone-registry-service:80"
	DefaultModelName      = "tone"
	DefaultModelVersion   = "1.0.1"
	DefaultModelFormat    = "onnx"
	DefaultCacheDir       = "/cache/models"
	DefaultListenAddr     = ":8000"
	DefaultVAD            = "energy"
	DefaultSampleRate     = 16000
	DefaultFrameSize      = 512
	DefaultPreRollMS      = 100
	DefaultMinUtteranceMS = 1000
	DefaultMaxUtteranceMS = 30000
	DefaultMaxInFlight    = 1
	DefaultInferTimeout   = 30 * time.Second
	DefaultMaxMessage     = 1 << 20
	DefaultWriteTimeout   = 10 * time.Second
	DefaultShutdown       = 15 * time.Second
)

// Config is the root configuration of the inference service. It is
// typically loaded from YAML with [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Registry     RegistryConfig     `yaml:"registry"`
	Model        ModelConfig        `yaml:"model"`
	Storage      StorageConfig      `yaml:"storage"`
	VAD          ProviderEntry      `yaml:"vad"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Inference    InferenceConfig    `yaml:"inference"`
}

// ServerConfig holds network, limits and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// MaxMessageBytes is the WebSocket read limit per message.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// WriteTimeout bounds each stream reply write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// OriginPatterns lists additional hosts allowed to open streams from a
	// browser. Same-origin requests are always accepted.
	OriginPatterns []string `yaml:"origin_patterns"`

	// PredictRPS enables per-IP rate limiting of /v1/predict when positive.
	PredictRPS   float64 `yaml:"predict_rps"`
	PredictBurst int     `yaml:"predict_burst"`

	// MaxUploadBytes caps /v1/predict bodies.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RegistryConfig locates the manifest registry.
type RegistryConfig struct {
	URL string `yaml:"url"`
}

// ModelConfig selects the model and how its backend is built.
type ModelConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Format overrides the manifest format. Empty means use the manifest's.
	Format string `yaml:"format"`

	// CacheDir holds downloaded artifacts.
	CacheDir string `yaml:"cache_dir"`

	// Options are passed to the backend factory (e.g. "library_path" for
	// onnx, "endpoint" for remote).
	Options map[string]any `yaml:"options"`
}

// StorageConfig configures access to s3:// artifact URLs.
type StorageConfig struct {
	S3 *S3Config `yaml:"s3"`
}

// S3Config holds S3 client settings. Credentials may be left empty for
// public buckets.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ProviderEntry names a registered factory and carries its options.
type ProviderEntry struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// SegmentationConfig tunes VAD-gated utterance segmentation.
type SegmentationConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`

	// PreRollMS and MinUtteranceMS are pointers so an explicit 0 (no
	// pre-roll, no minimum) is kept instead of being defaulted.
	PreRollMS      *int `yaml:"pre_roll_ms"`
	MinUtteranceMS *int `yaml:"min_utterance_ms"`

	// MaxUtteranceMS caps utterances; a manifest audio.max_duration_ms
	// takes precedence.
	MaxUtteranceMS int `yaml:"max_utterance_ms"`
}

// PreRoll returns the pre-roll length in milliseconds.
func (s SegmentationConfig) PreRoll() int { return derefOr(s.PreRollMS, DefaultPreRollMS) }

// MinUtterance returns the minimum utterance length in milliseconds.
func (s SegmentationConfig) MinUtterance() int {
	return derefOr(s.MinUtteranceMS, DefaultMinUtteranceMS)
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// InferenceConfig tunes the dispatcher.
type InferenceConfig struct {
	MaxInFlight int           `yaml:"max_in_flight"`
	Timeout     time.Duration `yaml:"timeout"`

	// TargetRMS enables loudness normalization when positive.
	TargetRMS float64 `yaml:"target_rms"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the backend circuit breaker. Zero values use the
// breaker defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
