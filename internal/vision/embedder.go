package vision

import (
	"context"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// HistogramEmbedder describes a frame by its joint RGB colour histogram with
// Bins levels per channel, giving Bins³ dimensions. Frames are downsampled to
// Size×Size first so the cost does not depend on resolution.
type HistogramEmbedder struct {
	Bins int
	Size int
}

func NewHistogramEmbedder(bins int) *HistogramEmbedder {
	return &HistogramEmbedder{Bins: bins, Size: 64}
}

func (e *HistogramEmbedder) Dimension() int {
	return e.Bins * e.Bins * e.Bins
}

func (e *HistogramEmbedder) Embed(ctx context.Context, f *Frame) ([]float32, error) {
	if e.Bins <= 0 {
		return nil, errors.New("histogram bins must be positive")
	}
	small := imaging.Resize(f.Image, e.Size, e.Size, imaging.Box)

	hist := make([]float32, e.Dimension())
	bin := func(v uint8) int { return int(v) * e.Bins / 256 }
	for i := 0; i+3 < len(small.Pix); i += 4 {
		if small.Pix[i+3] == 0 {
			continue
		}
		r, g, b := bin(small.Pix[i]), bin(small.Pix[i+1]), bin(small.Pix[i+2])
		hist[(r*e.Bins+g)*e.Bins+b]++
	}

	var sum float64
	for _, v := range hist {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return nil, errors.New("frame has no opaque pixels")
	}
	n := float32(math.Sqrt(sum))
	for i := range hist {
		hist[i] /= n
	}
	return hist, ctx.Err()
}
