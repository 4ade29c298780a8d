// Package mock provides a test double for model.Backend.
//
// Backend records every Infer call and returns a scripted result or error.
// Block, when non-nil, makes Infer wait until the channel is closed or the
// context ends, which lets tests observe concurrency limits.
package mock

import (
	"context"
	"sync"

	"github.com/tonelab/tone/pkg/provider/model"
)

// InferCall records a single invocation of Infer.
type InferCall struct {
	Waveform   []float32
	SampleRate int
}

// Backend is a mock implementation of model.Backend.
type Backend struct {
	mu sync.Mutex

	// Result is returned by Infer when InferErr and InferFunc are nil.
	Result model.Result

	// InferErr, if non-nil, is returned by every Infer call.
	InferErr error

	// InferFunc, if non-nil, computes the response for each call.
	InferFunc func(waveform []float32, sampleRate int) (model.Result, error)

	// Block, if non-nil, is waited on before Infer returns.
	Block chan struct{}

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	InferCalls     []InferCall
	CloseCallCount int

	inFlight    int
	maxInFlight int
}

// Infer records the call and returns the scripted response.
func (b *Backend) Infer(ctx context.Context, waveform []float32, sampleRate int) (model.Result, error) {
	cp := make([]float32, len(waveform))
	copy(cp, waveform)

	b.mu.Lock()
	b.InferCalls = append(b.InferCalls, InferCall{Waveform: cp, SampleRate: sampleRate})
	b.inFlight++
	b.maxInFlight = max(b.maxInFlight, b.inFlight)
	block := b.Block
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InferErr != nil {
		return model.Result{}, b.InferErr
	}
	if b.InferFunc != nil {
		return b.InferFunc(cp, sampleRate)
	}
	return b.Result, nil
}

// Close records the call and returns CloseErr.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCallCount++
	return b.CloseErr
}

// Calls returns a copy of the recorded Infer calls. Thread-safe.
func (b *Backend) Calls() []InferCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InferCall, len(b.InferCalls))
	copy(out, b.InferCalls)
	return out
}

// MaxInFlight reports the highest number of concurrent Infer calls observed.
func (b *Backend) MaxInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInFlight
}

// Ensure Backend implements model.Backend at compile time.
var _ model.Backend = (*Backend)(nil)
