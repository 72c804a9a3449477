// Package ensemble combines the outputs of every registered model into one decision.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/Brownie44l1/ensemble-api/internal/model"
	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotReady indicates the registry has no usable model.
	ErrNotReady = errors.New("ensemble: no models loaded")

	// ErrScoring indicates a model invocation failed during aggregation.
	ErrScoring = errors.New("ensemble: scoring failed")
)

// Result is the ensemble decision for one image.
type Result struct {
	Label      string
	LabelIndex int
	// Confidence is the accumulated weighted score of the winning label. It is
	// not a probability and may exceed 1.
	Confidence float64
	// Totals is the accumulated vector Σ weight_i·vector_i, aligned to the labels.
	Totals []float64
	// Scores holds each model's raw positive-class confidence.
	Scores map[string]float64
}

// Aggregator scores a tensor with every model in a registry.
type Aggregator struct {
	registry      *model.Registry
	positiveIndex int
	workers       int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPositiveIndex selects the label whose raw per-model confidence is reported.
func WithPositiveIndex(i int) Option {
	return func(a *Aggregator) { a.positiveIndex = i }
}

// WithWorkers bounds the number of models queried concurrently.
func WithWorkers(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// New creates an Aggregator over reg.
func New(reg *model.Registry, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		registry: reg,
		workers:  runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(a)
	}

	if n := len(reg.Labels()); n == 0 {
		return nil, errors.New("ensemble: empty label set")
	} else if a.positiveIndex < 0 || a.positiveIndex >= n {
		return nil, fmt.Errorf("ensemble: positive index %d outside label set of %d", a.positiveIndex, n)
	}
	return a, nil
}

// Score queries every model with its own copy of t and reduces the outputs with
// an unnormalized weighted sum. Any model failure aborts the whole call.
func (a *Aggregator) Score(ctx context.Context, t *tensor.Image) (*Result, error) {
	entries := a.registry.All()
	if len(entries) == 0 {
		return nil, ErrNotReady
	}
	labels := a.registry.Labels()

	outputs := make([][]float32, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, e := range entries {
		input := t.Clone()
		g.Go(func() error {
			vec, err := e.Scorer.Score(gctx, input)
			if err != nil {
				return fmt.Errorf("%w: model %s: %w", ErrScoring, e.ID, err)
			}
			if len(vec) != len(labels) {
				return fmt.Errorf("%w: model %s returned %d scores for %d labels", ErrScoring, e.ID, len(vec), len(labels))
			}
			outputs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Totals: make([]float64, len(labels)),
		Scores: make(map[string]float64, len(entries)),
	}
	// Summation follows registry order so the totals do not depend on scheduling.
	for i, e := range entries {
		for k, v := range outputs[i] {
			res.Totals[k] += e.Weight * float64(v)
		}
		res.Scores[e.ID] = float64(outputs[i][a.positiveIndex])
	}

	res.LabelIndex = argmax(res.Totals)
	res.Label = labels[res.LabelIndex]
	res.Confidence = res.Totals[res.LabelIndex]
	return res, nil
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
