// Package preprocess turns uploaded image bytes into the tensor every model consumes.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode indicates the bytes are not a decodable raster image.
	ErrDecode = errors.New("preprocess: cannot decode image")

	// ErrUnsupportedFormat indicates the decoded image cannot be converted to 3 channels.
	ErrUnsupportedFormat = errors.New("preprocess: unsupported image format")
)

// DefaultMaxPixels bounds the decoded area of an upload (64 megapixels).
const DefaultMaxPixels = 8192 * 8192

// Preprocessor resizes every input to the same square resolution.
type Preprocessor struct {
	size      int
	maxPixels int
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithMaxPixels rejects images whose width×height exceeds n.
func WithMaxPixels(n int) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New creates a Preprocessor for size×size tensors.
func New(size int, opts ...Option) *Preprocessor {
	p := &Preprocessor{size: size, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the target resolution.
func (p *Preprocessor) Size() int {
	return p.size
}

// Prepare decodes raw, converts it to RGB, resizes it and scales it to [0,1].
func (p *Preprocessor) Prepare(raw []byte) (*tensor.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}

	// The header is checked first so a small file cannot expand into a huge raster.
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > p.maxPixels/cfg.Height {
		return nil, fmt.Errorf("%w (%s): %dx%d exceeds %d pixels", ErrDecode, format, cfg.Width, cfg.Height, p.maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	rgb, err := toRGB(img)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrUnsupportedFormat, format, err)
	}

	if rgb.Bounds().Dx() != p.size || rgb.Bounds().Dy() != p.size {
		resized, ok := resize.Resize(uint(p.size), uint(p.size), rgb, resize.Lanczos3).(*image.RGBA)
		if !ok {
			return nil, fmt.Errorf("%w (%s): unexpected resize output", ErrUnsupportedFormat, format)
		}
		rgb = resized
	}

	return tensor.FromRGBA(rgb), nil
}

// Encode renders t as a PNG image.
func Encode(t *tensor.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, t.ToRGBA()); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// toRGB drops alpha without premultiplying and expands gray images to three
// channels. The result is opaque and anchored at the origin.
func toRGB(img image.Image) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.New("image has no pixels")
	}

	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if gray, ok := img.(*image.Gray); ok {
		draw.Draw(out, out.Bounds(), gray, b.Min, draw.Src)
		return out, nil
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c, ok := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if !ok {
				return nil, fmt.Errorf("color model %T is not convertible to RGB", img.ColorModel())
			}
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
		}
	}
	return out, nil
}
