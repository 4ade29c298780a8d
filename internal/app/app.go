// Package app wires the inference service together.
//
// New builds the dispatcher, stream handler, HTTP API and probes from a
// config and a set of loaded providers; Run serves them until the context
// is cancelled and Shutdown drains streams and releases the backend.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/tonelab/tone/internal/api"
	"github.com/tonelab/tone/internal/config"
	"github.com/tonelab/tone/internal/dispatch"
	"github.com/tonelab/tone/internal/health"
	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/internal/resilience"
	"github.com/tonelab/tone/internal/stream"
	"github.com/tonelab/tone/pkg/audio"
)

// App owns the HTTP surface and the lifetime of the backend.
type App struct {
	cfg       *config.Config
	providers *Providers
	telemetry *observe.Telemetry
	metrics   *observe.Metrics

	dispatcher *dispatch.Dispatcher
	stream     *stream.Handler
	health     *health.Handler
	handler    http.Handler

	server *http.Server

	// cancel stops background helpers such as the rate limiter sweep.
	cancel context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithTelemetry serves /metrics from t and records into its meter provider.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithMetrics sets the metrics sink directly, e.g. a manual reader in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires the application. providers.Backend may be nil; the service then
// starts unready and every inference fails with dispatch.ErrBackendNotLoaded.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil {
		return nil, errors.New("app: a vad engine is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		if a.telemetry != nil {
			m, err := observe.NewMetrics(a.telemetry.MeterProvider)
			if err != nil {
				return nil, fmt.Errorf("app: init metrics: %w", err)
			}
			a.metrics = m
		} else {
			a.metrics = observe.DefaultMetrics()
		}
	}

	name := "unloaded"
	info := api.ModelInfo{}
	if m := providers.Manifest; m != nil {
		name = m.Model.Format
		info = api.ModelInfo{Name: m.Model.Name, Version: m.Model.Version, Labels: m.LabelNames()}
	}

	a.dispatcher = dispatch.New(providers.Backend, dispatch.Config{
		Name:        name,
		MaxInFlight: cfg.Inference.MaxInFlight,
		Timeout:     cfg.Inference.Timeout,
		TargetRMS:   cfg.Inference.TargetRMS,
		Breaker: resilience.Config{
			MaxFailures:  cfg.Inference.Breaker.MaxFailures,
			ResetTimeout: cfg.Inference.Breaker.ResetTimeout,
		},
	}, a.metrics)

	seg := cfg.Segmentation
	minSamples := audio.MillisToSamples(seg.MinUtterance(), seg.SampleRate)
	if maxSamples := a.maxSamples(); maxSamples < minSamples {
		return nil, fmt.Errorf("app: utterance cap of %d samples is below the %d sample minimum; every utterance would be discarded (check manifest audio.max_duration_ms and segmentation.min_utterance_ms)",
			maxSamples, minSamples)
	}
	a.stream = stream.NewHandler(stream.Config{
		SampleRate:      seg.SampleRate,
		FrameSize:       seg.FrameSize,
		PreRollFrames:   audio.PreRollFrames(seg.PreRoll(), audio.FrameDuration(seg.FrameSize, seg.SampleRate)),
		MinSamples:      minSamples,
		MaxSamples:      a.maxSamples(),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		WriteTimeout:    cfg.Server.WriteTimeout,
		OriginPatterns:  cfg.Server.OriginPatterns,
	}, providers.VAD, a.dispatcher, info.Label, a.metrics)

	a.health = health.New(health.BackendLoaded(a.dispatcher), health.BreakerClosed(a.dispatcher))

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	var limit func(http.Handler) http.Handler
	if cfg.Server.PredictRPS > 0 {
		limit = api.NewRateLimiter(bgCtx, cfg.Server.PredictRPS, cfg.Server.PredictBurst).Middleware
	}

	mux := http.NewServeMux()
	mux.Handle("GET /v1/ws", a.stream)
	api.New(api.Config{
		SampleRate:     seg.SampleRate,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaxSamples:     a.maxSamples(),
	}, a.dispatcher, info, a.metrics).Register(mux, limit)
	a.health.Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("app wired",
		"model", info.Name,
		"version", info.Version,
		"labels", len(info.Labels),
		"backend_loaded", a.dispatcher.Ready(),
	)
	return a, nil
}

// maxSamples prefers the manifest's audio contract over the config cap.
func (a *App) maxSamples() int {
	rate := a.cfg.Segmentation.SampleRate
	if m := a.providers.Manifest; m != nil {
		if n := m.MaxSamples(rate); n > 0 {
			return n
		}
	}
	return audio.MillisToSamples(a.cfg.Segmentation.MaxUtteranceMS, rate)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then returns ctx.Err(). The
// caller runs Shutdown afterwards.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown marks the service unready, stops accepting connections, waits
// for running streams and closes the backend. It respects ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		a.health.SetDraining()
		a.cancel()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		// Hijacked stream connections outlive server.Shutdown.
		done := make(chan struct{})
		go func() {
			a.stream.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("streams still open at shutdown deadline")
			errs = append(errs, ctx.Err())
		}

		if err := a.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
