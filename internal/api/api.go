// Package api serves the one-shot HTTP endpoints of the inference service.
//
//   - POST /v1/predict classifies a whole clip, either a WAV upload
//     (multipart field "file") or a JSON body of pre-extracted samples.
//   - GET /v1/labels lists the label names of the loaded model by class id.
//
// Streaming inference lives in package stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/provider/model"
)

// Dispatcher runs inference on one waveform.
type Dispatcher interface {
	Dispatch(ctx context.Context, samples []float32, sampleRate int) (model.Result, error)
}

// ModelInfo describes the loaded model for /v1/labels and reply labelling.
type ModelInfo struct {
	Name    string
	Version string
	Labels  []string // indexed by class id
}

// Label returns the name for id, or "" when unknown.
func (mi ModelInfo) Label(id int) string {
	if id < 0 || id >= len(mi.Labels) {
		return ""
	}
	return mi.Labels[id]
}

// Config bounds request sizes.
type Config struct {
	// SampleRate is the rate the model expects; inputs are resampled to it.
	SampleRate int

	// MaxUploadBytes caps request bodies. Default: 32 MiB.
	MaxUploadBytes int64

	// MaxSamples caps the clip length after resampling; longer clips are
	// truncated to their first MaxSamples samples. Zero means unbounded.
	MaxSamples int
}

// Handler serves the one-shot endpoints.
type Handler struct {
	cfg        Config
	dispatcher Dispatcher
	info       ModelInfo
	metrics    *observe.Metrics
}

// New returns a Handler. metrics may be nil to use the defaults.
func New(cfg Config, d Dispatcher, info ModelInfo, m *observe.Metrics) *Handler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Handler{cfg: cfg, dispatcher: d, info: info, metrics: m}
}

// Register adds the routes to mux. predictLimit, when non-nil, wraps the
// predict handler.
func (h *Handler) Register(mux *http.ServeMux, predictLimit func(http.Handler) http.Handler) {
	var predict http.Handler = http.HandlerFunc(h.Predict)
	if predictLimit != nil {
		predict = predictLimit(predict)
	}
	mux.Handle("POST /v1/predict", predict)
	mux.HandleFunc("GET /v1/labels", h.Labels)
}

type labelsResponse struct {
	Model   string   `json:"model"`
	Version string   `json:"version"`
	Labels  []string `json:"labels"`
}

// Labels writes the label table.
func (h *Handler) Labels(w http.ResponseWriter, _ *http.Request) {
	labels := h.info.Labels
	if labels == nil {
		labels = []string{}
	}
	writeJSON(w, http.StatusOK, labelsResponse{
		Model:   h.info.Name,
		Version: h.info.Version,
		Labels:  labels,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
