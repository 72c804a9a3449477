// Package explain attributes one model's top prediction to image regions by
// perturbing superpixels and fitting a local linear surrogate.
package explain

import (
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"runtime"
	"slices"

	"github.com/Brownie44l1/ensemble-api/internal/model"
	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	"golang.org/x/sync/errgroup"
)

// ErrExplanation indicates the attribution could not be produced.
var ErrExplanation = errors.New("explain: explanation failed")

// Defaults follow the usual LIME image settings.
const (
	DefaultSamples     = 1000
	DefaultTopFeatures = 10
	DefaultKernelWidth = 0.25
	DefaultDim         = 0.5
	ridgeAlpha         = 1.0
	minSegments        = 2
	coefTolerance      = 1e-9
)

// Options tunes the sampling and rendering. Use DefaultOptions as a base.
type Options struct {
	Samples      int     // perturbed variants, including the unperturbed one
	TopFeatures  int     // regions kept in the rendering
	PositiveOnly bool    // drop regions that push against the target class
	HideRest     bool    // fill unselected regions with HideColor instead of dimming
	Dim          float64 // brightness factor of unselected regions
	HideColor    float32 // fill value of switched-off regions
	KernelWidth  float64
	Seed         int64
	Workers      int
	Segmenter    Segmenter
}

// DefaultOptions returns the standard explanation settings.
func DefaultOptions() Options {
	return Options{
		Samples:      DefaultSamples,
		TopFeatures:  DefaultTopFeatures,
		PositiveOnly: true,
		Dim:          DefaultDim,
		KernelWidth:  DefaultKernelWidth,
		Workers:      runtime.GOMAXPROCS(0),
		Segmenter:    Felzenszwalb{Scale: DefaultScale, MinSize: DefaultMinSize},
	}
}

// Explanation is the attribution of one image.
type Explanation struct {
	ModelID      string
	TargetClass  int
	SegmentCount int
	// Selected lists the kept regions, most influential first.
	Selected []int
	// Weights holds the surrogate coefficient of every region.
	Weights   []float64
	Intercept float64
	Score     float64
	Image     *image.RGBA
	PNG       []byte
}

// Base64 returns the rendered PNG as standard base64.
func (e *Explanation) Base64() string {
	return base64.StdEncoding.EncodeToString(e.PNG)
}

// Explainer runs the perturbation attribution against one designated model.
// It keeps no per-call state and is safe for concurrent use.
type Explainer struct {
	registry *model.Registry
	modelID  string
	opts     Options
}

// New creates an Explainer for the model registered as modelID.
func New(reg *model.Registry, modelID string, opts Options) *Explainer {
	def := DefaultOptions()
	if opts.Samples < 2 {
		opts.Samples = def.Samples
	}
	if opts.TopFeatures <= 0 {
		opts.TopFeatures = def.TopFeatures
	}
	if opts.KernelWidth <= 0 {
		opts.KernelWidth = def.KernelWidth
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Segmenter == nil {
		opts.Segmenter = def.Segmenter
	}
	return &Explainer{registry: reg, modelID: modelID, opts: opts}
}

// ModelID returns the designated model identifier.
func (e *Explainer) ModelID() string {
	return e.modelID
}

// Explain attributes the designated model's top class on t to image regions.
func (e *Explainer) Explain(ctx context.Context, t *tensor.Image) (*Explanation, error) {
	entry, err := e.registry.Get(e.modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExplanation, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExplanation, err)
	}

	segs, err := e.opts.Segmenter.Segment(t)
	if err != nil {
		return nil, fmt.Errorf("%w: segmentation: %w", ErrExplanation, err)
	}
	if segs.Count < minSegments {
		return nil, fmt.Errorf("%w: image yields %d segment(s), at least %d required", ErrExplanation, segs.Count, minSegments)
	}

	rng := rand.New(rand.NewSource(e.opts.Seed))
	rows := sampleInclusion(rng, e.opts.Samples, segs.Count)

	preds, err := e.evaluate(ctx, entry, t, segs, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExplanation, err)
	}

	// Row 0 is the unperturbed image.
	target := argmax(preds[0])
	y := make([]float64, len(preds))
	for i, p := range preds {
		y[i] = float64(p[target])
	}

	fit, err := fitRidge(rows, y, kernelWeights(rows, e.opts.KernelWidth), ridgeAlpha)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExplanation, err)
	}

	selected := selectRegions(fit.Coef, e.opts.TopFeatures, e.opts.PositiveOnly)
	img := render(t, segs, selected, e.opts)
	encoded, err := encodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExplanation, err)
	}

	slog.Debug("Explanation computed",
		"model", e.modelID, "segments", segs.Count, "samples", len(rows),
		"target", target, "selected", len(selected), "score", fit.Score)

	return &Explanation{
		ModelID:      e.modelID,
		TargetClass:  target,
		SegmentCount: segs.Count,
		Selected:     selected,
		Weights:      fit.Coef,
		Intercept:    fit.Intercept,
		Score:        fit.Score,
		Image:        img,
		PNG:          encoded,
	}, nil
}

// evaluate scores every perturbed variant with a bounded worker pool. Each
// result lands at its variant index, so scheduling never changes the fit.
func (e *Explainer) evaluate(ctx context.Context, entry model.Entry, t *tensor.Image, segs *Segments, rows [][]float64) ([][]float32, error) {
	pixels := segs.Pixels()
	preds := make([][]float32, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, row := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			variant := perturb(t, pixels, row, e.opts.HideColor)
			vec, err := entry.Scorer.Score(gctx, variant)
			if err != nil {
				return fmt.Errorf("model %s on variant %d: %w", entry.ID, i, err)
			}
			if len(vec) == 0 {
				return fmt.Errorf("model %s returned no scores on variant %d", entry.ID, i)
			}
			preds[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := 1; i < len(preds); i++ {
		if len(preds[i]) != len(preds[0]) {
			return nil, fmt.Errorf("model %s returned %d scores on variant %d, %d on the original", entry.ID, len(preds[i]), i, len(preds[0]))
		}
	}
	return preds, nil
}

// perturb returns a copy of t with every switched-off region filled.
func perturb(t *tensor.Image, pixels [][]int, row []float64, fill float32) *tensor.Image {
	out := t.Clone()
	for seg, on := range row {
		if on != 0 {
			continue
		}
		for _, p := range pixels[seg] {
			i := p * tensor.Channels
			out.Data[i], out.Data[i+1], out.Data[i+2] = fill, fill, fill
		}
	}
	return out
}

// selectRegions ranks regions by coefficient, highest first, and keeps up to
// limit of them. With positiveOnly, regions with a negative coefficient are
// never kept.
func selectRegions(coef []float64, limit int, positiveOnly bool) []int {
	order := make([]int, len(coef))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(coef[b], coef[a]) })

	selected := make([]int, 0, min(limit, len(order)))
	for _, seg := range order {
		if len(selected) == limit {
			break
		}
		if positiveOnly && coef[seg] < -coefTolerance {
			break
		}
		selected = append(selected, seg)
	}
	return selected
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
