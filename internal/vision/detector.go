package vision

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
)

// DarkRegionDetector converts a frame to gray and returns the bounding box of
// every 4-connected component whose luminance is below Threshold (0 black,
// 256 white). Confidence is the share of the box covered by the component.
type DarkRegionDetector struct {
	Threshold float64
	MinArea   int
	Label     string
}

// NewDarkRegionDetector creates a detector useful for local testing and
// model-free deployments. It looks for dark objects on a light background.
func NewDarkRegionDetector(threshold float64, minArea int) *DarkRegionDetector {
	return &DarkRegionDetector{Threshold: threshold, MinArea: minArea, Label: "dark_object"}
}

func (d *DarkRegionDetector) Detect(ctx context.Context, f *Frame) ([]Detection, error) {
	gray := imaging.Grayscale(f.Image)
	width, height := gray.Rect.Dx(), gray.Rect.Dy()

	pass := func(p image.Point) bool {
		lum := gray.Pix[p.Y*gray.Stride+p.X*4]
		return float64(lum) < d.Threshold
	}

	seen := make([]bool, width*height)
	queue := []image.Point{}
	detections := []Detection{}
	for j := 0; j < height; j++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := 0; i < width; i++ {
			pt := image.Point{i, j}
			indx := pt.Y*width + pt.X
			if seen[indx] {
				continue
			}
			seen[indx] = true
			if !pass(pt) {
				continue
			}
			queue = append(queue[:0], pt)
			pixels := 0
			x0, y0, x1, y1 := pt.X, pt.Y, pt.X, pt.Y // inclusive bounds of the segment
			for len(queue) != 0 {
				p := queue[0]
				queue = queue[1:]
				pixels++
				if p.X < x0 {
					x0 = p.X
				}
				if p.X > x1 {
					x1 = p.X
				}
				if p.Y < y0 {
					y0 = p.Y
				}
				if p.Y > y1 {
					y1 = p.Y
				}
				for _, n := range [4]image.Point{{p.X, p.Y - 1}, {p.X, p.Y + 1}, {p.X - 1, p.Y}, {p.X + 1, p.Y}} {
					if n.X < 0 || n.Y < 0 || n.X >= width || n.Y >= height {
						continue
					}
					ni := n.Y*width + n.X
					if seen[ni] {
						continue
					}
					seen[ni] = true
					if pass(n) {
						queue = append(queue, n)
					}
				}
			}

			box := BBox{X: x0, Y: y0, W: x1 - x0 + 1, H: y1 - y0 + 1}
			if box.W*box.H < d.MinArea {
				continue
			}
			detections = append(detections, Detection{
				Label:      d.Label,
				Confidence: float64(pixels) / float64(box.W*box.H),
				BBox:       box,
			})
		}
	}
	return detections, nil
}
