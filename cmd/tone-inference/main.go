// Command tone-inference serves streaming and one-shot speech emotion
// inference.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonelab/tone/internal/app"
	"github.com/tonelab/tone/internal/config"
	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/provider/model/onnx"
	"github.com/tonelab/tone/pkg/provider/model/remote"
	"github.com/tonelab/tone/pkg/provider/vad"
	"github.com/tonelab/tone/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to a YAML configuration file (empty: defaults and environment)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tone-inference: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tone-inference: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("tone-inference starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tone-inference",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		slog.Error("failed to init metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Fetch model and instantiate providers ─────────────────────────────────
	providers, err := app.BuildProviders(ctx, cfg, reg, app.ProvisionOptions{Metrics: metrics})
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	application, err := app.New(ctx, cfg, providers, app.WithTelemetry(telemetry), app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if providers.Backend != nil {
			_ = providers.Backend.Close()
		}
		return 1
	}

	slog.Info("server ready", "addr", cfg.Server.ListenAddr)

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, draining streams", "timeout", cfg.Server.ShutdownTimeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinBackends lists the model variants that ship with tone-inference.
// 1.0.0 was published as safetensors only and is served through a remote
// inference endpoint; later versions run in-process on ONNX Runtime.
var builtinBackends = []struct {
	name, version, format string
	factory               config.BackendFactory
}{
	{"tone", "1.0.0", "safetensors", remote.Load},
	{"tone", "1.0.0", "onnx", onnx.Load},
	{"tone", "1.0.1", "onnx", onnx.Load},
	{"tone", "1.0.2", "onnx", onnx.Load},
}

// registerBuiltinProviders wires the built-in backend and VAD factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	for _, b := range builtinBackends {
		reg.RegisterBackend(b.name, b.version, b.format, b.factory)
	}

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		speech, okSpeech := optFloat(entry.Options, "speech_threshold")
		silence, okSilence := optFloat(entry.Options, "silence_threshold")
		if okSpeech || okSilence {
			if !okSpeech {
				speech = 0.015
			}
			if !okSilence {
				silence = speech / 2
			}
			opts = append(opts, energy.WithThresholds(speech, silence))
		}
		if n, ok := optInt(entry.Options, "min_speech_frames"); ok {
			opts = append(opts, energy.WithMinSpeechFrames(n))
		}
		if n, ok := optInt(entry.Options, "min_silence_frames"); ok {
			opts = append(opts, energy.WithMinSilenceFrames(n))
		}
		e, err := energy.New(opts...)
		if err != nil {
			return nil, err
		}
		return e, nil
	})
}

// printStartupSummary prints a human-readable overview of the configuration.
func printStartupSummary(cfg *config.Config, p *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      tone-inference startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Model.Name+"@"+cfg.Model.Version)
	if p.Manifest != nil {
		printRow("Format", p.Manifest.Model.Format)
		printRow("Labels", fmt.Sprint(len(p.Manifest.LabelNames())))
	}
	printRow("VAD", cfg.VAD.Name)
	printRow("Registry", cfg.Registry.URL)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both int and float64 are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
