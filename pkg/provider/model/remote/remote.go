// Package remote provides a model.Backend that delegates inference to an
// HTTP model server.
//
// It is used for weight formats the process cannot execute in-process (for
// example safetensors checkpoints served by a PyTorch sidecar). Each Infer
// call POSTs the waveform as JSON to {endpoint}/v1/infer and expects
// {"prediction": int, "scores": [float]} in return.
//
// Usage:
//
//	b, err := remote.New("http://tone-torch:9000", remote.WithTimeout(10*time.Second))
//	res, err := b.Infer(ctx, samples, 16000)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tonelab/tone/pkg/provider/model"
	"github.com/tonelab/tone/pkg/types"
)

const (
	inferPath      = "/v1/infer"
	defaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failed response body ends up in errors.
	maxErrorBody = 512
)

// Compile-time assertion that Backend implements model.Backend.
var _ model.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithTimeout sets the HTTP client timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = c
	}
}

// WithModel sets the model identifier sent with every request so a single
// server can host several checkpoints.
func WithModel(name string) Option {
	return func(b *Backend) {
		b.model = name
	}
}

// Backend implements model.Backend over HTTP.
type Backend struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// New creates a Backend for the server at endpoint. endpoint must be
// non-empty; a trailing slash is ignored.
func New(endpoint string, opts ...Option) (*Backend, error) {
	if endpoint == "" {
		return nil, errors.New("remote: endpoint must not be empty")
	}
	b := &Backend{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Load builds a Backend from a LoadInput. The "endpoint" option is required;
// "timeout" (a Go duration string) is optional.
func Load(in model.LoadInput) (model.Backend, error) {
	endpoint := in.StringOption("endpoint", "")
	if endpoint == "" {
		return nil, errors.New("remote: option \"endpoint\" is required")
	}
	opts := []Option{}
	if in.Manifest != nil {
		opts = append(opts, WithModel(in.Manifest.Model.Name+"@"+in.Manifest.Model.Version))
	}
	if ts := in.StringOption("timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, fmt.Errorf("remote: parse timeout %q: %w", ts, err)
		}
		opts = append(opts, WithTimeout(d))
	}
	return New(endpoint, opts...)
}

type inferRequest struct {
	Model      string    `json:"model,omitempty"`
	Waveform   []float32 `json:"waveform"`
	SampleRate int       `json:"sample_rate"`
}

type inferResponse struct {
	Prediction *int      `json:"prediction"`
	Scores     []float32 `json:"scores"`
}

// Infer sends waveform to the server and decodes the classification.
func (b *Backend) Infer(ctx context.Context, waveform []float32, sampleRate int) (model.Result, error) {
	body, err := json.Marshal(inferRequest{Model: b.model, Waveform: waveform, SampleRate: sampleRate})
	if err != nil {
		return model.Result{}, fmt.Errorf("remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+inferPath, bytes.NewReader(body))
	if err != nil {
		return model.Result{}, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return model.Result{}, fmt.Errorf("remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return model.Result{}, fmt.Errorf("remote: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.Result{}, fmt.Errorf("remote: parse JSON response: %w", err)
	}
	if len(out.Scores) == 0 {
		return model.Result{}, errors.New("remote: response has no scores")
	}

	pred := types.ArgMax(out.Scores)
	if out.Prediction != nil {
		pred = *out.Prediction
	}
	if pred < 0 || pred >= len(out.Scores) {
		return model.Result{}, fmt.Errorf("remote: prediction %d out of range for %d scores", pred, len(out.Scores))
	}
	return model.Result{Prediction: pred, Scores: out.Scores}, nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}
