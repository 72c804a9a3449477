// Package tensor holds the normalized image representation shared by every model.
package tensor

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Channels is the fixed channel count of every image tensor (RGB).
const Channels = 3

// Layout describes how a model expects the pixel data to be ordered.
type Layout string

const (
	NCHW Layout = "NCHW"
	NHWC Layout = "NHWC"
)

// Image is a single H×W×3 image with channel values in [0,1], stored in HWC order.
// It represents a batch of exactly one image.
type Image struct {
	Height int
	Width  int
	Data   []float32
}

// New allocates a zero-filled image tensor.
func New(height, width int) *Image {
	return &Image{
		Height: height,
		Width:  width,
		Data:   make([]float32, height*width*Channels),
	}
}

// Shape returns the batched shape [1, H, W, C].
func (t *Image) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), Channels}
}

// At returns the channel values of pixel (x, y).
func (t *Image) At(x, y int) (r, g, b float32) {
	i := (y*t.Width + x) * Channels
	return t.Data[i], t.Data[i+1], t.Data[i+2]
}

// Set writes the channel values of pixel (x, y).
func (t *Image) Set(x, y int, r, g, b float32) {
	i := (y*t.Width + x) * Channels
	t.Data[i], t.Data[i+1], t.Data[i+2] = r, g, b
}

// Clone returns a deep copy.
func (t *Image) Clone() *Image {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Image{Height: t.Height, Width: t.Width, Data: data}
}

// Validate checks that the data length matches the declared dimensions.
func (t *Image) Validate() error {
	if t.Height <= 0 || t.Width <= 0 {
		return fmt.Errorf("invalid tensor dimensions %dx%d", t.Width, t.Height)
	}
	if len(t.Data) != t.Height*t.Width*Channels {
		return fmt.Errorf("tensor has %d values, expected %d", len(t.Data), t.Height*t.Width*Channels)
	}
	return nil
}

// Flatten copies the pixels into dst using the requested layout.
// dst must hold at least H*W*3 values.
func (t *Image) Flatten(dst []float32, layout Layout) error {
	n := t.Height * t.Width
	if len(dst) < n*Channels {
		return fmt.Errorf("destination holds %d values, need %d", len(dst), n*Channels)
	}
	switch layout {
	case NHWC, "":
		copy(dst, t.Data)
	case NCHW:
		for p := range n {
			dst[p] = t.Data[p*Channels]
			dst[n+p] = t.Data[p*Channels+1]
			dst[2*n+p] = t.Data[p*Channels+2]
		}
	default:
		return fmt.Errorf("unknown tensor layout %q", layout)
	}
	return nil
}

// FromRGBA converts an 8-bit RGBA raster into a tensor, ignoring alpha.
func FromRGBA(img *image.RGBA) *Image {
	b := img.Bounds()
	t := New(b.Dy(), b.Dx())
	for y := range t.Height {
		row := img.Pix[y*img.Stride:]
		for x := range t.Width {
			p := row[x*4:]
			t.Set(x, y, float32(p[0])/255, float32(p[1])/255, float32(p[2])/255)
		}
	}
	return t
}

// ToRGBA renders the tensor as an opaque 8-bit raster.
func (t *Image) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	for y := range t.Height {
		for x := range t.Width {
			r, g, b := t.At(x, y)
			img.SetRGBA(x, y, color.RGBA{R: quantize(r), G: quantize(g), B: quantize(b), A: 255})
		}
	}
	return img
}

func quantize(v float32) uint8 {
	return uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
}
