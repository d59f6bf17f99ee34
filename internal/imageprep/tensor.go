package imageprep

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

// Layout is the memory order of the model input.
type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

const channels = 3

// ParseLayout accepts NHWC or NCHW in any case. Empty means NHWC.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(LayoutNHWC):
		return LayoutNHWC, nil
	case string(LayoutNCHW):
		return LayoutNCHW, nil
	}
	return "", fmt.Errorf("unknown tensor layout %q", s)
}

// Tensor is a float32 model input with a leading batch dimension of one.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Preparer resizes images to a fixed square and lays them out as RGB floats.
type Preparer struct {
	size   int
	layout Layout
}

func NewPreparer(size int, layout Layout) (*Preparer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", size)
	}
	if layout != LayoutNHWC && layout != LayoutNCHW {
		return nil, fmt.Errorf("unknown tensor layout %q", layout)
	}
	return &Preparer{size: size, layout: layout}, nil
}

func (p *Preparer) Size() int      { return p.size }
func (p *Preparer) Layout() Layout { return p.layout }

// InputLen is the number of float32 values in a prepared tensor.
func (p *Preparer) InputLen() int { return p.size * p.size * channels }

// Shape returns the tensor shape including the batch dimension.
func (p *Preparer) Shape() []int64 {
	s := int64(p.size)
	if p.layout == LayoutNCHW {
		return []int64{1, channels, s, s}
	}
	return []int64{1, s, s, channels}
}

// Prepare samples img with nearest-neighbor (no half-pixel offset, no corner
// alignment) and returns raw channel values in [0,255]. Alpha is dropped.
func (p *Preparer) Prepare(img image.Image) *Tensor {
	t := &Tensor{Shape: p.Shape(), Data: make([]float32, p.InputLen())}

	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w == 0 || h == 0 {
		return t
	}

	n := p.size
	xs := sourceIndex(n, w)
	ys := sourceIndex(n, h)
	plane := n * n

	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			o := src.PixOffset(xs[x], ys[y])
			px := src.Pix[o : o+channels : o+channels]
			if p.layout == LayoutNCHW {
				i := y*n + x
				t.Data[i] = float32(px[0])
				t.Data[plane+i] = float32(px[1])
				t.Data[2*plane+i] = float32(px[2])
				continue
			}
			i := (y*n + x) * channels
			t.Data[i] = float32(px[0])
			t.Data[i+1] = float32(px[1])
			t.Data[i+2] = float32(px[2])
		}
	}
	return t
}

// sourceIndex maps each of out destination positions to floor(d*in/out).
func sourceIndex(out, in int) []int {
	idx := make([]int, out)
	for d := range idx {
		s := d * in / out
		if s > in-1 {
			s = in - 1
		}
		idx[d] = s
	}
	return idx
}
