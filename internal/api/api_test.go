package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tonelab/tone/internal/dispatch"
	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/provider/model"
	"github.com/tonelab/tone/pkg/provider/model/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

var testInfo = ModelInfo{
	Name:    "tone",
	Version: "1.0.2",
	Labels:  []string{"neutral", "happy", "sad"},
}

func newTestMux(t *testing.T, be model.Backend, cfg Config) *http.ServeMux {
	t.Helper()
	m := testMetrics(t)
	d := dispatch.New(be, dispatch.Config{Name: "mock"}, m)
	mux := http.NewServeMux()
	New(cfg, d, testInfo, m).Register(mux, nil)
	return mux
}

func postJSON(t *testing.T, mux http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/predict", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func wavBytes(t *testing.T, samples []int, rate int) []byte {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.wav")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return data
}

func TestPredict_JSON(t *testing.T) {
	be := &mock.Backend{Result: model.Result{Prediction: 1, Scores: []float32{0.1, 0.8, 0.1}}}
	mux := newTestMux(t, be, Config{SampleRate: 16000})

	rec := postJSON(t, mux, `{"input_values":[0.1,-0.1,0.2,-0.2]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp predictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Prediction != 1 || resp.Label != "happy" || len(resp.Scores) != 3 {
		t.Errorf("response = %+v", resp)
	}
	calls := be.Calls()
	if len(calls) != 1 || len(calls[0].Waveform) != 4 || calls[0].SampleRate != 16000 {
		t.Errorf("backend calls = %+v", calls)
	}
}

func TestPredict_JSONResamples(t *testing.T) {
	be := &mock.Backend{Result: model.Result{Scores: []float32{1}}}
	mux := newTestMux(t, be, Config{SampleRate: 16000})

	values := make([]float32, 8000)
	body, _ := json.Marshal(predictRequest{InputValues: values, SampleRate: 8000})
	rec := postJSON(t, mux, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	got := len(be.Calls()[0].Waveform)
	if got <= len(values) {
		t.Errorf("resampled length = %d, want upsampled beyond %d", got, len(values))
	}
}

func TestPredict_MaxSamplesTruncates(t *testing.T) {
	be := &mock.Backend{Result: model.Result{Scores: []float32{1}}}
	mux := newTestMux(t, be, Config{SampleRate: 16000, MaxSamples: 3})

	rec := postJSON(t, mux, `{"input_values":[1,2,3,4,5]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := len(be.Calls()[0].Waveform); got != 3 {
		t.Errorf("dispatched %d samples, want 3", got)
	}
}

func TestPredict_WAVUpload(t *testing.T) {
	be := &mock.Backend{Result: model.Result{Prediction: 2, Scores: []float32{0, 0, 1}}}
	mux := newTestMux(t, be, Config{SampleRate: 16000})

	samples := make([]int, 1600)
	for i := range samples {
		samples[i] = 1000
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(wavBytes(t, samples, 16000))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp predictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Prediction != 2 || resp.Label != "sad" {
		t.Errorf("response = %+v", resp)
	}
	if got := len(be.Calls()[0].Waveform); got != 1600 {
		t.Errorf("dispatched %d samples, want 1600", got)
	}
}

func TestPredict_BadInput(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "empty values", contentType: "application/json", body: `{"input_values":[]}`},
		{name: "bad json", contentType: "application/json", body: `{"input_values":`},
		{name: "unknown field", contentType: "application/json", body: `{"audio":[1]}`},
		{name: "missing content type", contentType: "", body: `{}`},
		{name: "unsupported type", contentType: "text/plain", body: "hello"},
		{name: "missing file field", contentType: "multipart/form-data; boundary=x", body: "--x--\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := &mock.Backend{}
			mux := newTestMux(t, be, Config{})
			req := httptest.NewRequest(http.MethodPost, "/v1/predict", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == "" {
				t.Errorf("error body = %s", rec.Body)
			}
			if n := len(be.Calls()); n != 0 {
				t.Errorf("backend called %d times", n)
			}
		})
	}
}

func TestPredict_BodyTooLarge(t *testing.T) {
	mux := newTestMux(t, &mock.Backend{}, Config{MaxUploadBytes: 16})
	rec := postJSON(t, mux, `{"input_values":[0.1,0.2,0.3,0.4,0.5]}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestPredict_BackendError(t *testing.T) {
	be := &mock.Backend{InferErr: errors.New("session crashed")}
	mux := newTestMux(t, be, Config{})
	rec := postJSON(t, mux, `{"input_values":[0.5]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "session crashed") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestPredict_BackendNotLoaded(t *testing.T) {
	mux := newTestMux(t, nil, Config{})
	rec := postJSON(t, mux, `{"input_values":[0.5]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestLabels(t *testing.T) {
	mux := newTestMux(t, &mock.Backend{}, Config{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/labels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}
	var resp labelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Model != "tone" || resp.Version != "1.0.2" || len(resp.Labels) != 3 || resp.Labels[1] != "happy" {
		t.Errorf("response = %+v", resp)
	}
}

func TestModelInfo_LabelOutOfRange(t *testing.T) {
	for _, id := range []int{-1, 3, 100} {
		if got := testInfo.Label(id); got != "" {
			t.Errorf("Label(%d) = %q, want empty", id, got)
		}
	}
}

func TestRateLimiter_RejectsBurstOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 0.001, 2)

	be := &mock.Backend{Result: model.Result{Scores: []float32{1}}}
	m := testMetrics(t)
	mux := http.NewServeMux()
	New(Config{}, dispatch.New(be, dispatch.Config{}, m), testInfo, m).Register(mux, rl.Middleware)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/v1/predict", strings.NewReader(`{"input_values":[1]}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/v1/predict", strings.NewReader(`{"input_values":[1]}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Errorf("second client status = %d, want 200", rec.Code)
	}

	// Labels are not limited.
	for range 5 {
		rec := httptest.NewRecorder()
		lreq := httptest.NewRequest(http.MethodGet, "/v1/labels", nil)
		lreq.RemoteAddr = "10.0.0.1:5000"
		mux.ServeHTTP(rec, lreq)
		if rec.Code != 200 {
			t.Fatalf("labels status = %d", rec.Code)
		}
	}
}

func TestRateLimiter_SweepEvictsIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(2 * time.Minute)
	rl.Allow("b")
	now = now.Add(2 * time.Minute)
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["a"]; ok {
		t.Error("idle visitor a not evicted")
	}
	if _, ok := rl.visitors["b"]; !ok {
		t.Error("recent visitor b evicted")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	if got := clientIP(r); got != "192.0.2.1" {
		t.Errorf("clientIP = %q", got)
	}
	r.RemoteAddr = "unix"
	if got := clientIP(r); got != "unix" {
		t.Errorf("clientIP = %q", got)
	}
}
