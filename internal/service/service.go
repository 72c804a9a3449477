// Package service runs the full diagnosis pipeline for one uploaded image.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Brownie44l1/ensemble-api/internal/ensemble"
	"github.com/Brownie44l1/ensemble-api/internal/explain"
	"github.com/Brownie44l1/ensemble-api/internal/result"
	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	"golang.org/x/sync/errgroup"
)

// Preparer converts raw image bytes into a model-ready tensor.
type Preparer interface {
	Prepare(raw []byte) (*tensor.Image, error)
}

// Scorer produces the ensemble decision.
type Scorer interface {
	Score(ctx context.Context, t *tensor.Image) (*ensemble.Result, error)
}

// Explainer produces the region attribution.
type Explainer interface {
	Explain(ctx context.Context, t *tensor.Image) (*explain.Explanation, error)
}

// ErrNoExplainer is reported when no designated model is configured.
var ErrNoExplainer = errors.New("service: no explanation model configured")

// Options controls how explanation failures are handled.
type Options struct {
	// ExplainTimeout bounds the attribution; zero means no bound.
	ExplainTimeout time.Duration
	// StrictExplain fails the whole request when the explanation fails.
	StrictExplain bool
}

// Service wires the preprocessor, the aggregator and the explainer.
type Service struct {
	preparer  Preparer
	scorer    Scorer
	explainer Explainer
	opts      Options
}

// New creates a Service. explainer may be nil to disable explanations.
func New(preparer Preparer, scorer Scorer, explainer Explainer, opts Options) *Service {
	return &Service{
		preparer:  preparer,
		scorer:    scorer,
		explainer: explainer,
		opts:      opts,
	}
}

// Diagnose preprocesses raw, scores it with the ensemble and explains it with
// the designated model. Preprocessing and scoring failures abort the request;
// explanation failures only mark the explanation unavailable unless strict.
func (s *Service) Diagnose(ctx context.Context, raw []byte) (*result.Response, error) {
	input, err := s.preparer.Prepare(raw)
	if err != nil {
		return nil, err
	}

	var (
		res    *ensemble.Result
		exp    *explain.Explanation
		expErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res, err = s.scorer.Score(gctx, input)
		return err
	})
	g.Go(func() error {
		exp, expErr = s.explain(gctx, input)
		if expErr != nil && s.opts.StrictExplain {
			return expErr
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if expErr != nil {
		slog.Warn("Explanation unavailable", "error", expErr)
	}
	return result.Assemble(res, exp, expErr), nil
}

func (s *Service) explain(ctx context.Context, input *tensor.Image) (*explain.Explanation, error) {
	if s.explainer == nil {
		return nil, ErrNoExplainer
	}
	if s.opts.ExplainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExplainTimeout)
		defer cancel()
	}

	start := time.Now()
	exp, err := s.explainer.Explain(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("explanation timed out after %s: %w", s.opts.ExplainTimeout, err)
		}
		return nil, err
	}
	slog.Debug("Explanation finished", "duration", time.Since(start))
	return exp, nil
}
