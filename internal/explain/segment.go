package explain

import (
	"cmp"
	"errors"
	"math"
	"slices"

	"github.com/Brownie44l1/ensemble-api/internal/tensor"
)

// Default graph segmentation parameters for 224×224 inputs.
const (
	DefaultScale   = 100.0
	DefaultMinSize = 50
)

// Segments labels every pixel with the contiguous region it belongs to.
type Segments struct {
	Width  int
	Height int
	Labels []int // row-major, values in [0, Count)
	Count  int
}

// Label returns the region of pixel (x, y).
func (s *Segments) Label(x, y int) int {
	return s.Labels[y*s.Width+x]
}

// Pixels groups pixel offsets by region.
func (s *Segments) Pixels() [][]int {
	out := make([][]int, s.Count)
	for p, l := range s.Labels {
		out[l] = append(out[l], p)
	}
	return out
}

// Segmenter partitions an image into regions.
type Segmenter interface {
	Segment(t *tensor.Image) (*Segments, error)
}

// Felzenszwalb is the graph-based segmentation of Felzenszwalb and Huttenlocher
// over an 8-connected pixel grid. Larger Scale yields larger regions; regions
// smaller than MinSize pixels are merged into a neighbor.
type Felzenszwalb struct {
	Scale   float64
	MinSize int
}

type edge struct {
	a, b int
	w    float64
}

// Segment implements Segmenter.
func (f Felzenszwalb) Segment(t *tensor.Image) (*Segments, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if f.Scale <= 0 {
		return nil, errors.New("segmentation scale must be positive")
	}

	w, h := t.Width, t.Height
	edges := buildEdges(t)
	slices.SortStableFunc(edges, func(x, y edge) int { return cmp.Compare(x.w, y.w) })

	k := f.Scale / 255
	set := newForest(w * h)
	thresh := make([]float64, w*h)
	for i := range thresh {
		thresh[i] = k
	}

	for _, e := range edges {
		a, b := set.find(e.a), set.find(e.b)
		if a == b || e.w > thresh[a] || e.w > thresh[b] {
			continue
		}
		root := set.union(a, b)
		thresh[root] = e.w + k/float64(set.size[root])
	}

	if f.MinSize > 1 {
		for _, e := range edges {
			a, b := set.find(e.a), set.find(e.b)
			if a != b && (set.size[a] < f.MinSize || set.size[b] < f.MinSize) {
				set.union(a, b)
			}
		}
	}

	segs := &Segments{Width: w, Height: h, Labels: make([]int, w*h)}
	ids := make(map[int]int)
	for p := range segs.Labels {
		root := set.find(p)
		id, ok := ids[root]
		if !ok {
			id = len(ids)
			ids[root] = id
		}
		segs.Labels[p] = id
	}
	segs.Count = len(ids)
	return segs, nil
}

func buildEdges(t *tensor.Image) []edge {
	w, h := t.Width, t.Height
	edges := make([]edge, 0, w*h*4)
	add := func(x1, y1, x2, y2 int) {
		edges = append(edges, edge{a: y1*w + x1, b: y2*w + x2, w: colorDistance(t, x1, y1, x2, y2)})
	}
	for y := range h {
		for x := range w {
			if x+1 < w {
				add(x, y, x+1, y)
			}
			if y+1 < h {
				add(x, y, x, y+1)
				if x+1 < w {
					add(x, y, x+1, y+1)
				}
				if x > 0 {
					add(x, y, x-1, y+1)
				}
			}
		}
	}
	return edges
}

func colorDistance(t *tensor.Image, x1, y1, x2, y2 int) float64 {
	r1, g1, b1 := t.At(x1, y1)
	r2, g2, b2 := t.At(x2, y2)
	dr, dg, db := float64(r1-r2), float64(g1-g2), float64(b1-b2)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// forest is a union-find with union by size and path halving.
type forest struct {
	parent []int
	size   []int
}

func newForest(n int) *forest {
	f := &forest{parent: make([]int, n), size: make([]int, n)}
	for i := range f.parent {
		f.parent[i] = i
		f.size[i] = 1
	}
	return f
}

func (f *forest) find(x int) int {
	for f.parent[x] != x {
		f.parent[x] = f.parent[f.parent[x]]
		x = f.parent[x]
	}
	return x
}

func (f *forest) union(a, b int) int {
	if f.size[a] < f.size[b] {
		a, b = b, a
	}
	f.parent[b] = a
	f.size[a] += f.size[b]
	return a
}
