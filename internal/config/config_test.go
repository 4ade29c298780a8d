package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tonelab/tone/internal/config"
	"github.com/tonelab/tone/pkg/provider/model"
	modelmock "github.com/tonelab/tone/pkg/provider/model/mock"
	"github.com/tonelab/tone/pkg/provider/vad"
	vadmock "github.com/tonelab/tone/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  write_timeout: 3s
  predict_rps: 5
registry:
  url: http://registry.local:8080
model:
  name: tone
  version: 1.0.2
  cache_dir: /var/cache/tone
  options:
    library_path: /usr/lib/libonnxruntime.so
storage:
  s3:
    region: eu-central-1
    endpoint: http://minio:9000
vad:
  name: energy
  options:
    min_silence_frames: 9
segmentation:
  pre_roll_ms: 200
  min_utterance_ms: 500
inference:
  max_in_flight: 2
  timeout: 5s
  breaker:
    max_failures: 3
`

// clearEnv unsets every variable ApplyEnv reads for the duration of t.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REGISTRY_URL", "MODEL_NAME", "MODEL_VERSION", "MODEL_FORMAT",
		"MODEL_CACHE_DIR", "LISTEN_ADDR", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func intPtr(v int) *int { return &v }

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout != 3*time.Second {
		t.Errorf("write_timeout = %v", cfg.Server.WriteTimeout)
	}
	if cfg.Server.PredictBurst != 5 {
		t.Errorf("predict_burst = %d, want default from rps", cfg.Server.PredictBurst)
	}
	if cfg.Model.Version != "1.0.2" || cfg.Model.Options["library_path"] != "/usr/lib/libonnxruntime.so" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Storage.S3 == nil || cfg.Storage.S3.Region != "eu-central-1" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Segmentation.PreRoll() != 200 || cfg.Segmentation.MinUtterance() != 500 {
		t.Errorf("segmentation = %+v", cfg.Segmentation)
	}
	// Unset fields take defaults.
	if cfg.Segmentation.FrameSize != config.DefaultFrameSize || cfg.Segmentation.MaxUtteranceMS != config.DefaultMaxUtteranceMS {
		t.Errorf("segmentation defaults = %+v", cfg.Segmentation)
	}
	if cfg.Inference.MaxInFlight != 2 || cfg.Inference.Timeout != 5*time.Second || cfg.Inference.Breaker.MaxFailures != 3 {
		t.Errorf("inference = %+v", cfg.Inference)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Registry.URL != config.DefaultRegistryURL ||
		cfg.Model.Name != config.DefaultModelName ||
		cfg.Model.Version != config.DefaultModelVersion ||
		cfg.Model.CacheDir != config.DefaultCacheDir ||
		cfg.Server.ListenAddr != config.DefaultListenAddr ||
		cfg.VAD.Name != config.DefaultVAD {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Segmentation.PreRoll() != 100 || cfg.Segmentation.MinUtterance() != 1000 {
		t.Errorf("segmentation = %+v", cfg.Segmentation)
	}
}

func TestLoadFromReader_ExplicitZeroKept(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFromReader(strings.NewReader("segmentation:\n  pre_roll_ms: 0\n  min_utterance_ms: 0\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.Segmentation.PreRoll(); got != 0 {
		t.Errorf("pre_roll_ms = %d, want explicit 0 kept", got)
	}
	if got := cfg.Segmentation.MinUtterance(); got != 0 {
		t.Errorf("min_utterance_ms = %d, want explicit 0 kept", got)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	clearEnv(t)
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "tone.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Version != "1.0.2" {
		t.Errorf("version = %q", cfg.Model.Version)
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_EmptyPathUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("REGISTRY_URL", "https://registry.example")
	t.Setenv("MODEL_VERSION", "1.0.0")
	t.Setenv("MODEL_FORMAT", "safetensors")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.URL != "https://registry.example" || cfg.Model.Version != "1.0.0" ||
		cfg.Model.Format != "safetensors" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	cfg := &config.Config{Model: config.ModelConfig{Name: "file", CacheDir: "/a"}}
	env := map[string]string{"MODEL_NAME": "env", "MODEL_CACHE_DIR": ""}
	config.ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Model.Name != "env" {
		t.Errorf("name = %q, want env override", cfg.Model.Name)
	}
	if cfg.Model.CacheDir != "/a" {
		t.Errorf("cache_dir = %q, empty env value must not override", cfg.Model.CacheDir)
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func validConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "defaults valid", mutate: func(*config.Config) {}},
		{name: "bad log level", mutate: func(c *config.Config) { c.Server.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "tls missing key", mutate: func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c"} }, wantErr: "tls"},
		{name: "registry not url", mutate: func(c *config.Config) { c.Registry.URL = "registry" }, wantErr: "registry.url"},
		{name: "bad format", mutate: func(c *config.Config) { c.Model.Format = "pickle" }, wantErr: "model.format"},
		{name: "min over max", mutate: func(c *config.Config) { c.Segmentation.MinUtteranceMS = intPtr(40000) }, wantErr: "exceeds"},
		{name: "negative pre-roll", mutate: func(c *config.Config) { c.Segmentation.PreRollMS = intPtr(-1) }, wantErr: "pre_roll_ms"},
		{name: "rms out of range", mutate: func(c *config.Config) { c.Inference.TargetRMS = 2 }, wantErr: "target_rms"},
		{name: "negative rps", mutate: func(c *config.Config) { c.Server.PredictRPS = -1 }, wantErr: "predict_rps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	cfg.Model.Format = "pickle"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "model.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateBackend(t *testing.T) {
	reg := config.NewRegistry()
	var got model.LoadInput
	reg.RegisterBackend("tone", "1.0.1", "onnx", func(in model.LoadInput) (model.Backend, error) {
		got = in
		return &modelmock.Backend{}, nil
	})

	in := model.LoadInput{Artifacts: map[string]string{"model": "/tmp/tone.onnx"}}
	b, err := reg.CreateBackend("tone", "1.0.1", "onnx", in)
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if b == nil || got.ArtifactPath("model") != "/tmp/tone.onnx" {
		t.Errorf("factory not called with input")
	}

	for _, key := range [][3]string{
		{"tone", "1.0.1", "safetensors"},
		{"tone", "1.0.3", "onnx"},
		{"other", "1.0.1", "onnx"},
	} {
		if _, err := reg.CreateBackend(key[0], key[1], key[2], in); !errors.Is(err, config.ErrBackendNotRegistered) {
			t.Errorf("%v: err = %v, want ErrBackendNotRegistered", key, err)
		}
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	boom := errors.New("no runtime")
	reg.RegisterBackend("tone", "1", "onnx", func(model.LoadInput) (model.Backend, error) { return nil, boom })
	if _, err := reg.CreateBackend("tone", "1", "onnx", model.LoadInput{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped factory error", err)
	}
}

func TestRegistry_Backends(t *testing.T) {
	reg := config.NewRegistry()
	f := func(model.LoadInput) (model.Backend, error) { return nil, nil }
	reg.RegisterBackend("tone", "1.0.1", "onnx", f)
	reg.RegisterBackend("tone", "1.0.0", "safetensors", f)
	reg.RegisterBackend("tone", "1.0.0", "onnx", f)

	got := reg.Backends()
	want := []string{"tone/1.0.0/onnx", "tone/1.0.0/safetensors", "tone/1.0.1/onnx"}
	if len(got) != len(want) {
		t.Fatalf("Backends = %v", got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("Backends[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegistry_CreateVAD(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterVAD("mock", func(e config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "silero"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
