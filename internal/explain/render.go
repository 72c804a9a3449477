package explain

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/Brownie44l1/ensemble-api/internal/tensor"
)

var boundaryColor = color.RGBA{R: 255, G: 255, B: 0, A: 255}

// render draws the original image with the selected regions kept intact,
// the rest dimmed (or hidden) and a boundary traced around each selected region.
func render(t *tensor.Image, segs *Segments, selected []int, opts Options) *image.RGBA {
	keep := make([]bool, segs.Count)
	for _, s := range selected {
		keep[s] = true
	}

	img := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	for y := range t.Height {
		for x := range t.Width {
			r, g, b := t.At(x, y)
			if !keep[segs.Label(x, y)] {
				if opts.HideRest {
					r, g, b = opts.HideColor, opts.HideColor, opts.HideColor
				} else {
					f := float32(opts.Dim)
					r, g, b = r*f, g*f, b*f
				}
			}
			img.SetRGBA(x, y, color.RGBA{R: channel(r), G: channel(g), B: channel(b), A: 255})
		}
	}

	for y := range t.Height {
		for x := range t.Width {
			l := segs.Label(x, y)
			if keep[l] && onBoundary(segs, x, y, l) {
				img.SetRGBA(x, y, boundaryColor)
			}
		}
	}
	return img
}

func onBoundary(segs *Segments, x, y, l int) bool {
	return (x > 0 && segs.Label(x-1, y) != l) ||
		(x+1 < segs.Width && segs.Label(x+1, y) != l) ||
		(y > 0 && segs.Label(x, y-1) != l) ||
		(y+1 < segs.Height && segs.Label(x, y+1) != l)
}

func channel(v float32) uint8 {
	return uint8(min(max(v, 0), 1)*255 + 0.5)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode explanation: %w", err)
	}
	return buf.Bytes(), nil
}
