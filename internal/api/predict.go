package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/tonelab/tone/internal/dispatch"
	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/internal/resilience"
	"github.com/tonelab/tone/pkg/audio"
)

// predictRequest is the JSON form of /v1/predict.
type predictRequest struct {
	InputValues []float32 `json:"input_values"`
	SampleRate  int       `json:"sample_rate,omitempty"`
}

type predictResponse struct {
	Prediction int       `json:"prediction"`
	Label      string    `json:"label,omitempty"`
	Scores     []float32 `json:"scores"`
}

// errBadInput marks client errors that map to 400.
var errBadInput = errors.New("bad input")

// Predict classifies one clip.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	samples, rate, err := h.readInput(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		log.Warn("rejecting predict request", "err", err)
		h.metrics.RecordPredict(ctx, "bad_request")
		writeError(w, status, err.Error())
		return
	}

	if rate != h.cfg.SampleRate {
		samples, err = audio.Resample(samples, rate, h.cfg.SampleRate)
		if err != nil {
			h.metrics.RecordPredict(ctx, "bad_request")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if h.cfg.MaxSamples > 0 && len(samples) > h.cfg.MaxSamples {
		log.Info("truncating clip", "samples", len(samples), "max_samples", h.cfg.MaxSamples)
		samples = samples[:h.cfg.MaxSamples]
	}

	res, err := h.dispatcher.Dispatch(ctx, samples, h.cfg.SampleRate)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, dispatch.ErrEmptyWaveform):
			status = http.StatusBadRequest
		case errors.Is(err, dispatch.ErrBackendNotLoaded), errors.Is(err, resilience.ErrCircuitOpen):
			status = http.StatusServiceUnavailable
		}
		log.Error("predict failed", "err", err)
		h.metrics.RecordPredict(ctx, "error")
		writeError(w, status, err.Error())
		return
	}

	h.metrics.RecordPredict(ctx, "ok")
	writeJSON(w, http.StatusOK, predictResponse{
		Prediction: res.Prediction,
		Label:      h.info.Label(res.Prediction),
		Scores:     res.Scores,
	})
}

// readInput returns mono samples and their sample rate.
func (h *Handler) readInput(r *http.Request) ([]float32, int, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: content type: %v", errBadInput, err)
	}

	switch mediaType {
	case "application/json":
		var req predictRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return nil, 0, fmt.Errorf("%w: decode JSON: %w", errBadInput, err)
		}
		if len(req.InputValues) == 0 {
			return nil, 0, fmt.Errorf("%w: input_values is empty", errBadInput)
		}
		rate := req.SampleRate
		if rate == 0 {
			rate = h.cfg.SampleRate
		}
		return req.InputValues, rate, nil

	case "multipart/form-data":
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, 0, fmt.Errorf("%w: form field \"file\": %w", errBadInput, err)
		}
		defer file.Close()
		// The decoder needs to seek; multipart parts may not support it.
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read upload: %w", errBadInput, err)
		}
		samples, format, err := audio.DecodeWAV(bytes.NewReader(data))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", errBadInput, err)
		}
		observe.Logger(r.Context()).Debug("decoded upload", "format", format.String(), "samples", len(samples))
		// DecodeWAV always yields audio.SampleRate.
		return samples, audio.SampleRate, nil

	default:
		return nil, 0, fmt.Errorf("%w: unsupported content type %q", errBadInput, mediaType)
	}
}
