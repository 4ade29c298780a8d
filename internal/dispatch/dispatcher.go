// Package dispatch submits finalized utterances to the model backend.
//
// A single Dispatcher is shared by every stream and by the one-shot predict
// endpoint. It bounds concurrent backend calls with a weighted semaphore
// (one slot by default, which fully serializes inference), applies a per-call
// timeout, and routes calls through a circuit breaker so a failing backend
// fails fast instead of queueing every session behind it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/internal/resilience"
	"github.com/tonelab/tone/pkg/audio"
	"github.com/tonelab/tone/pkg/provider/model"
)

// ErrBackendNotLoaded is returned when no backend was configured.
var ErrBackendNotLoaded = errors.New("dispatch: model backend not loaded")

// ErrEmptyWaveform is returned for zero-length input.
var ErrEmptyWaveform = errors.New("dispatch: empty waveform")

// Config tunes a Dispatcher.
type Config struct {
	// Name labels metrics and the circuit breaker. Typically the backend
	// variant, e.g. "onnx".
	Name string

	// MaxInFlight bounds concurrent backend calls. Default: 1.
	MaxInFlight int

	// Timeout bounds a single backend call including queueing. Zero means no
	// timeout beyond the caller's context.
	Timeout time.Duration

	// TargetRMS enables RMS normalization when positive.
	TargetRMS float64

	// Breaker configures the circuit breaker. Name and OnStateChange are
	// filled in by New when empty.
	Breaker resilience.Config
}

// Dispatcher serializes inference requests onto one backend. It is safe for
// concurrent use.
type Dispatcher struct {
	backend model.Backend
	cfg     Config
	sem     *semaphore.Weighted
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics

	// life is held for reading across every backend call and for writing
	// by Close, so the backend is never released under a running call.
	life   sync.RWMutex
	closed atomic.Bool
}

// New creates a Dispatcher. backend may be nil, in which case every Dispatch
// fails with ErrBackendNotLoaded. metrics may be nil to use the defaults.
func New(backend model.Backend, cfg Config, metrics *observe.Metrics) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.Name == "" {
		cfg.Name = "backend"
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	bc := cfg.Breaker
	if bc.Name == "" {
		bc.Name = cfg.Name
	}
	if bc.OnStateChange == nil {
		bc.OnStateChange = func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	return &Dispatcher{
		backend: backend,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		breaker: resilience.New(bc),
		metrics: metrics,
	}
}

// Ready reports whether a backend is loaded and not yet closed.
func (d *Dispatcher) Ready() bool { return d.backend != nil && !d.closed.Load() }

// BreakerState returns the circuit breaker state.
func (d *Dispatcher) BreakerState() resilience.State { return d.breaker.State() }

// Dispatch runs inference on samples at sampleRate and returns the result.
// samples is not modified.
func (d *Dispatcher) Dispatch(ctx context.Context, samples []float32, sampleRate int) (model.Result, error) {
	if !d.Ready() {
		d.metrics.RecordInferenceError(ctx, "not_loaded")
		return model.Result{}, ErrBackendNotLoaded
	}
	if len(samples) == 0 {
		return model.Result{}, ErrEmptyWaveform
	}
	if sampleRate <= 0 {
		return model.Result{}, fmt.Errorf("dispatch: invalid sample rate %d", sampleRate)
	}

	ctx, span := observe.StartSpan(ctx, "dispatch.infer",
		trace.WithAttributes(
			attribute.String("backend", d.cfg.Name),
			attribute.Int("samples", len(samples)),
		),
	)
	defer span.End()

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	waveform := samples
	if d.cfg.TargetRMS > 0 {
		waveform = audio.NormalizeRMS(samples, d.cfg.TargetRMS)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.metrics.RecordInferenceError(ctx, errorKind(err))
		observe.RecordError(span, err)
		return model.Result{}, fmt.Errorf("dispatch: wait for backend: %w", err)
	}
	defer d.sem.Release(1)

	d.life.RLock()
	defer d.life.RUnlock()
	if d.closed.Load() {
		d.metrics.RecordInferenceError(ctx, "not_loaded")
		return model.Result{}, ErrBackendNotLoaded
	}

	d.metrics.InferenceInFlight.Add(ctx, 1)
	defer d.metrics.InferenceInFlight.Add(ctx, -1)

	start := time.Now()
	res, err := resilience.Call(ctx, d.breaker, func(ctx context.Context) (model.Result, error) {
		return d.backend.Infer(ctx, waveform, sampleRate)
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		d.metrics.RecordInference(ctx, d.cfg.Name, "error", elapsed)
		d.metrics.RecordInferenceError(ctx, errorKind(err))
		observe.RecordError(span, err)
		return model.Result{}, fmt.Errorf("dispatch: infer: %w", err)
	}
	d.metrics.RecordInference(ctx, d.cfg.Name, "ok", elapsed)
	d.metrics.UtteranceDuration.Record(ctx, float64(len(samples))/float64(sampleRate))
	span.SetAttributes(attribute.Int("prediction", res.Prediction))
	return res, nil
}

// Close waits for running backend calls to return, then releases the
// backend. Later Dispatch calls fail with ErrBackendNotLoaded. Calling Close
// more than once is safe.
func (d *Dispatcher) Close() error {
	d.life.Lock()
	defer d.life.Unlock()
	if d.backend == nil || d.closed.Swap(true) {
		return nil
	}
	return d.backend.Close()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "backend"
	}
}
