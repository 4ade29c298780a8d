// Package onnx provides an in-process model.Backend on top of ONNX Runtime
// via github.com/yalue/onnxruntime_go.
//
// The exported graph takes a [1, N] float32 "input_values" tensor and an
// optional [1, N] int64 "attention_mask" and returns [1, C] logits named
// "preds". Names are configurable. Sequence length varies per call, so a
// DynamicAdvancedSession is used and tensors are allocated per request.
//
// The ONNX Runtime shared library is process-global; the first Load
// initializes it from the configured library path.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tonelab/tone/pkg/provider/model"
	"github.com/tonelab/tone/pkg/types"
)

const (
	defaultInputName  = "input_values"
	defaultMaskName   = "attention_mask"
	defaultOutputName = "preds"

	// defaultNumLabels matches the nine-class emotion head.
	defaultNumLabels = 9

	// modelArtifact is the manifest artifact key holding the .onnx graph.
	modelArtifact = "model"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// Compile-time assertion that Backend implements model.Backend.
var _ model.Backend = (*Backend)(nil)

// Config holds the graph contract and runtime settings.
type Config struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	MaskName    string // empty disables the attention mask input
	OutputName  string
	NumLabels   int

	// Normalize applies zero-mean unit-variance scaling before inference,
	// as the Wav2Vec2/WavLM feature extractor does.
	Normalize bool
}

// Backend runs inference on a loaded ONNX graph.
type Backend struct {
	cfg     Config
	session *ort.DynamicAdvancedSession

	closeOnce sync.Once
	closeErr  error
}

// Load builds a Backend from a LoadInput. It requires the "model" artifact.
// Recognized options: library_path, input_name, mask_name, output_name,
// num_labels, normalize.
func Load(in model.LoadInput) (model.Backend, error) {
	path := in.ArtifactPath(modelArtifact)
	if path == "" {
		return nil, fmt.Errorf("onnx: artifact %q missing", modelArtifact)
	}
	numLabels := defaultNumLabels
	if in.Manifest != nil {
		if n := len(in.Manifest.LabelNames()); n > 0 {
			numLabels = n
		}
	}
	cfg := Config{
		ModelPath:   path,
		LibraryPath: in.StringOption("library_path", ""),
		InputName:   in.StringOption("input_name", defaultInputName),
		MaskName:    in.StringOption("mask_name", defaultMaskName),
		OutputName:  in.StringOption("output_name", defaultOutputName),
		NumLabels:   in.IntOption("num_labels", numLabels),
		Normalize:   in.BoolOption("normalize", true),
	}
	if v, ok := in.Options["mask_name"].(string); ok && v == "" {
		cfg.MaskName = ""
	}
	return New(cfg)
}

// New initializes the runtime (once per process) and opens a session.
func New(cfg Config) (*Backend, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path must not be empty")
	}
	if cfg.NumLabels <= 0 {
		return nil, fmt.Errorf("onnx: num labels must be positive, got %d", cfg.NumLabels)
	}
	if err := acquireEnv(cfg.LibraryPath); err != nil {
		return nil, err
	}

	inputs := []string{cfg.InputName}
	if cfg.MaskName != "" {
		inputs = append(inputs, cfg.MaskName)
	}
	sess, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputs, []string{cfg.OutputName}, nil)
	if err != nil {
		releaseEnv()
		return nil, fmt.Errorf("onnx: create session for %s: %w", cfg.ModelPath, err)
	}
	return &Backend{cfg: cfg, session: sess}, nil
}

func acquireEnv(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

// Infer runs the graph on waveform. sampleRate is not part of the graph
// contract; callers resample to the model rate beforehand.
func (b *Backend) Infer(ctx context.Context, waveform []float32, sampleRate int) (model.Result, error) {
	if err := ctx.Err(); err != nil {
		return model.Result{}, fmt.Errorf("onnx: %w", err)
	}
	if len(waveform) == 0 {
		return model.Result{}, errors.New("onnx: empty waveform")
	}

	data := waveform
	if b.cfg.Normalize {
		data = ZeroMeanUnitVariance(waveform)
	}
	n := int64(len(data))

	input, err := ort.NewTensor(ort.NewShape(1, n), data)
	if err != nil {
		return model.Result{}, fmt.Errorf("onnx: input tensor: %w", err)
	}
	defer input.Destroy()

	values := []ort.Value{input}
	if b.cfg.MaskName != "" {
		ones := make([]int64, n)
		for i := range ones {
			ones[i] = 1
		}
		mask, err := ort.NewTensor(ort.NewShape(1, n), ones)
		if err != nil {
			return model.Result{}, fmt.Errorf("onnx: mask tensor: %w", err)
		}
		defer mask.Destroy()
		values = append(values, mask)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(b.cfg.NumLabels)))
	if err != nil {
		return model.Result{}, fmt.Errorf("onnx: output tensor: %w", err)
	}
	defer output.Destroy()

	if err := b.session.Run(values, []ort.Value{output}); err != nil {
		return model.Result{}, fmt.Errorf("onnx: run: %w", err)
	}

	scores := make([]float32, b.cfg.NumLabels)
	copy(scores, output.GetData())
	return model.Result{Prediction: types.ArgMax(scores), Scores: scores}, nil
}

// Close destroys the session and releases the runtime reference.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.session.Destroy()
		releaseEnv()
	})
	return b.closeErr
}

// ZeroMeanUnitVariance returns a copy of samples scaled to zero mean and unit
// variance. Constant input yields all zeros.
func ZeroMeanUnitVariance(samples []float32) []float32 {
	out := make([]float32, len(samples))
	if len(samples) == 0 {
		return out
	}
	var mean float64
	for _, s := range samples {
		mean += float64(s)
	}
	mean /= float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := float64(s) - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	std := math.Sqrt(variance + 1e-7)
	for i, s := range samples {
		out[i] = float32((float64(s) - mean) / std)
	}
	return out
}
