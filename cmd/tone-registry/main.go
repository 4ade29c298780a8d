// Command tone-registry serves model manifests from a directory of
// <name>-<version>.json files.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonelab/tone/internal/health"
	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	dir := envOr("MODEL_MANIFEST_PATH", "/manifests")
	addr := ":" + envOr("PORT", "8080")

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		slog.Error("manifest directory unavailable", "path", dir, "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "tone-registry"})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		slog.Error("failed to init metrics", "err", err)
		return 1
	}

	hh := health.New()
	mux := http.NewServeMux()
	registry.NewHandler(&registry.FS{Dir: dir}).Register(mux)
	hh.Register(mux)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("tone-registry listening", "addr", addr, "manifests", dir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	hh.SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
