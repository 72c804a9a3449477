package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/Brownie44l1/ensemble-api/internal/ensemble"
	"github.com/Brownie44l1/ensemble-api/internal/explain"
	"github.com/Brownie44l1/ensemble-api/internal/model"
	"github.com/Brownie44l1/ensemble-api/internal/preprocess"
	"github.com/Brownie44l1/ensemble-api/internal/result"
	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const size = 32

func constant(vec ...float32) model.Loader {
	return func() (model.Scorer, error) {
		return model.ScorerFunc(func(context.Context, *tensor.Image) ([]float32, error) {
			return vec, nil
		}), nil
	}
}

func pngBytes(t *testing.T, quadrants bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			c := color.RGBA{R: 128, G: 128, B: 128, A: 255}
			if quadrants {
				switch {
				case x < size/2 && y < size/2:
					c = color.RGBA{R: 40, G: 40, B: 40, A: 255}
				case y < size/2:
					c = color.RGBA{R: 250, G: 250, B: 250, A: 255}
				case x < size/2:
					c = color.RGBA{R: 160, G: 20, B: 20, A: 255}
				default:
					c = color.RGBA{R: 20, G: 90, B: 200, A: 255}
				}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func pipeline(t *testing.T, opts Options, explainModel string) *Service {
	t.Helper()
	reg := model.NewRegistry(model.Labels{"Monkeypox", "Normal"})
	require.NoError(t, reg.Register("EfficientNetV2S", 0.2, constant(0.9, 0.1)))
	require.NoError(t, reg.Register("DenseNet121", 0.4, constant(0.1, 0.9)))
	require.NoError(t, reg.Register("InceptionV3", 0.4, constant(0.8, 0.2)))

	agg, err := ensemble.New(reg)
	require.NoError(t, err)

	expOpts := explain.DefaultOptions()
	expOpts.Samples = 100
	return New(preprocess.New(size), agg, explain.New(reg, explainModel, expOpts), opts)
}

func TestDiagnoseEndToEnd(t *testing.T) {
	svc := pipeline(t, Options{ExplainTimeout: time.Minute}, "InceptionV3")

	resp, err := svc.Diagnose(context.Background(), pngBytes(t, true))
	require.NoError(t, err)

	assert.Equal(t, result.StatusSuccess, resp.Status)
	assert.Equal(t, "Monkeypox", resp.FinalDiagnosis)
	assert.InDelta(t, 0.54, resp.EnsembleConfidence, 1e-6)
	assert.InDelta(t, 0.8, resp.ConfidenceScores["InceptionV3"], 1e-6)
	assert.True(t, resp.ExplanationAvailable)
	assert.NotEqual(t, result.ExplanationUnavailable, resp.LimeImageB64)
	assert.Len(t, resp.ExplainedSegments, 4)
}

func TestDiagnoseExplanationFailure(t *testing.T) {
	t.Run("degrades by default", func(t *testing.T) {
		svc := pipeline(t, Options{}, "InceptionV3")

		resp, err := svc.Diagnose(context.Background(), pngBytes(t, false))
		require.NoError(t, err)
		assert.Equal(t, "Monkeypox", resp.FinalDiagnosis)
		assert.False(t, resp.ExplanationAvailable)
		assert.Equal(t, result.ExplanationUnavailable, resp.LimeImageB64)
		assert.Contains(t, resp.ExplanationError, "segment")
	})

	t.Run("strict fails the request", func(t *testing.T) {
		svc := pipeline(t, Options{StrictExplain: true}, "InceptionV3")

		resp, err := svc.Diagnose(context.Background(), pngBytes(t, false))
		assert.ErrorIs(t, err, explain.ErrExplanation)
		assert.Nil(t, resp)
	})

	t.Run("missing designated model", func(t *testing.T) {
		svc := pipeline(t, Options{}, "ResNet50")

		resp, err := svc.Diagnose(context.Background(), pngBytes(t, true))
		require.NoError(t, err)
		assert.False(t, resp.ExplanationAvailable)
		assert.Contains(t, resp.ExplanationError, "ResNet50")
	})
}

type blockingExplainer struct{}

func (blockingExplainer) Explain(ctx context.Context, _ *tensor.Image) (*explain.Explanation, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", explain.ErrExplanation, ctx.Err())
}

func TestDiagnoseExplanationTimeout(t *testing.T) {
	reg := model.NewRegistry(model.Labels{"Monkeypox", "Normal"})
	require.NoError(t, reg.Register("DenseNet121", 1, constant(0.3, 0.7)))
	agg, err := ensemble.New(reg)
	require.NoError(t, err)

	svc := New(preprocess.New(size), agg, blockingExplainer{}, Options{ExplainTimeout: 20 * time.Millisecond})

	resp, err := svc.Diagnose(context.Background(), pngBytes(t, true))
	require.NoError(t, err)
	assert.Equal(t, "Normal", resp.FinalDiagnosis)
	assert.False(t, resp.ExplanationAvailable)
	assert.Contains(t, resp.ExplanationError, "timed out")
}

func TestDiagnoseWithoutExplainer(t *testing.T) {
	reg := model.NewRegistry(model.Labels{"Monkeypox", "Normal"})
	require.NoError(t, reg.Register("DenseNet121", 1, constant(0.6, 0.4)))
	agg, err := ensemble.New(reg)
	require.NoError(t, err)

	resp, err := New(preprocess.New(size), agg, nil, Options{}).Diagnose(context.Background(), pngBytes(t, true))
	require.NoError(t, err)
	assert.False(t, resp.ExplanationAvailable)
	assert.Equal(t, ErrNoExplainer.Error(), resp.ExplanationError)
}

func TestDiagnoseAbortsOnInputAndScoringErrors(t *testing.T) {
	t.Run("malformed image", func(t *testing.T) {
		svc := pipeline(t, Options{}, "InceptionV3")
		_, err := svc.Diagnose(context.Background(), []byte("<html>"))
		assert.ErrorIs(t, err, preprocess.ErrDecode)
	})

	t.Run("scoring failure", func(t *testing.T) {
		reg := model.NewRegistry(model.Labels{"Monkeypox", "Normal"})
		require.NoError(t, reg.Register("DenseNet121", 1, func() (model.Scorer, error) {
			return model.ScorerFunc(func(context.Context, *tensor.Image) ([]float32, error) {
				return nil, errors.New("inference failed")
			}), nil
		}))
		agg, err := ensemble.New(reg)
		require.NoError(t, err)

		_, err = New(preprocess.New(size), agg, nil, Options{}).Diagnose(context.Background(), pngBytes(t, true))
		assert.ErrorIs(t, err, ensemble.ErrScoring)
	})

	t.Run("no models", func(t *testing.T) {
		agg, err := ensemble.New(model.NewRegistry(model.Labels{"Monkeypox", "Normal"}))
		require.NoError(t, err)

		_, err = New(preprocess.New(size), agg, nil, Options{}).Diagnose(context.Background(), pngBytes(t, true))
		assert.ErrorIs(t, err, ensemble.ErrNotReady)
	})
}
