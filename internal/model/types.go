package model

import (
	"context"
	"fmt"
	"slices"

	"github.com/Brownie44l1/ensemble-api/internal/tensor"
)

// Scorer maps one image tensor to a confidence vector over the class label set.
// Implementations must be safe for concurrent use and must not modify the tensor.
type Scorer interface {
	Score(ctx context.Context, t *tensor.Image) ([]float32, error)
}

// Classed is implemented by scorers that declare the label order of their output.
type Classed interface {
	Classes() []string
}

// Loader builds a Scorer. It is invoked once at registration.
type Loader func() (Scorer, error)

// Entry is a registered model and its ensemble weight.
type Entry struct {
	ID     string
	Weight float64
	Scorer Scorer
}

// Labels is the ordered class label set; position i of every model output
// means Labels[i].
type Labels []string

// Index returns the position of label, or -1.
func (l Labels) Index(label string) int {
	return slices.Index(l, label)
}

// Check verifies that declared matches the label set position by position.
func (l Labels) Check(declared []string) error {
	if !slices.Equal(l, declared) {
		return fmt.Errorf("%w: model declares %v, registry uses %v", ErrLabelMismatch, declared, []string(l))
	}
	return nil
}

// Metadata describes an exported model. It is read from a JSON sidecar file.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	Layout      string   `json:"layout,omitempty"`
	Softmax     bool     `json:"softmax,omitempty"`
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Layout == "" {
		m.Layout = string(tensor.NHWC)
	}
}

// ScorerFunc adapts an ordinary function to the Scorer interface.
type ScorerFunc func(ctx context.Context, t *tensor.Image) ([]float32, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, t *tensor.Image) ([]float32, error) {
	return f(ctx, t)
}
