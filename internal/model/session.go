package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

// Runtime owns the process-wide ONNX Runtime environment.
type Runtime struct{}

// NewRuntime initializes ONNX Runtime. libraryPath may be empty to use the
// platform default shared library.
func NewRuntime(libraryPath string) (*Runtime, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return &Runtime{}, nil
}

// Close tears down the ONNX environment. Sessions must be closed first.
func (rt *Runtime) Close() error {
	return ort.DestroyEnvironment()
}

// Loader returns a Loader for the model at modelPath described by metadataPath.
func (rt *Runtime) Loader(modelPath, metadataPath string) Loader {
	return func() (Scorer, error) {
		return rt.Load(modelPath, metadataPath)
	}
}

// Session is an ONNX model bound to pre-allocated input and output tensors.
type Session struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

var (
	_ Scorer  = (*Session)(nil)
	_ Classed = (*Session)(nil)
)

// Load opens an ONNX model and its metadata sidecar.
func (rt *Runtime) Load(modelPath, metadataPath string) (*Session, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	metadata.applyDefaults()

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Classes implements Classed.
func (s *Session) Classes() []string {
	return s.Metadata.Classes
}

// Score runs one inference. Calls are serialized because the session reuses
// its input and output buffers.
func (s *Session) Score(ctx context.Context, t *tensor.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Metadata.ImageSize > 0 && (t.Height != s.Metadata.ImageSize || t.Width != s.Metadata.ImageSize) {
		return nil, fmt.Errorf("model expects %dx%d input, got %dx%d",
			s.Metadata.ImageSize, s.Metadata.ImageSize, t.Width, t.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.Flatten(s.inputTensor.GetData(), tensor.Layout(s.Metadata.Layout)); err != nil {
		return nil, fmt.Errorf("failed to fill input tensor: %w", err)
	}

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := s.outputTensor.GetData()
	n := min(len(outputData), len(s.Metadata.Classes))
	out := make([]float32, n)
	copy(out, outputData[:n])

	if s.Metadata.Softmax {
		softmax(out)
	}
	return out, nil
}

// Close releases the native session and its tensors.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.inputTensor != nil {
		err = s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		if e := s.outputTensor.Destroy(); err == nil {
			err = e
		}
		s.outputTensor = nil
	}
	if s.session != nil {
		if e := s.session.Destroy(); err == nil {
			err = e
		}
		s.session = nil
	}
	return err
}

func softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	peak := v[0]
	for _, x := range v[1:] {
		peak = max(peak, x)
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - peak))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
