// Package vision holds the frame and detection types and the built-in
// detector, embedder and drawing helpers.
package vision

import (
	"context"
	"encoding/json"
	"image"

	"github.com/pkg/errors"
)

// BBox is an axis-aligned box in pixel coordinates. On the wire it is the
// array [x, y, w, h].
type BBox struct {
	X, Y, W, H int
}

func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.W, b.H})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var a []int
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.Wrap(err, "bbox")
	}
	if len(a) != 4 {
		return errors.Errorf("bbox must have 4 elements, got %d", len(a))
	}
	b.X, b.Y, b.W, b.H = a[0], a[1], a[2], a[3]
	return nil
}

// Rect returns b as an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Clamp intersects b with a width×height frame. It reports false when
// nothing of the box is left.
func (b BBox) Clamp(width, height int) (BBox, bool) {
	r := b.Rect().Canon().Intersect(image.Rect(0, 0, width, height))
	if r.Empty() {
		return BBox{}, false
	}
	return BBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}, true
}

// Detection is one labeled region of a frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	ClassID    int     `json:"class_id"`
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, f *Frame) ([]Detection, error)
}

// Embedder maps a frame to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, f *Frame) ([]float32, error)
	Dimension() int
}

// Postprocessor filters or modifies a list of detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter drops detections whose box area is below area.
func NewAreaFilter(area int) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.BBox.W*d.BBox.H >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter drops detections below the confidence conf.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}
