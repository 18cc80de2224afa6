package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

// init sets up the fonts we want to use.
func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var boxColor = color.NRGBA{R: 255, G: 64, B: 64, A: 255}

// DrawString writes a string to the given context at a particular point.
func DrawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringWrapped(text, float64(p.X), float64(p.Y), 0, 0, float64(dc.Width()), 1, 0)
}

// DrawRectangleEmpty strokes the outline of r.
func DrawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// Annotate draws every detection with its label and confidence onto a copy
// of img.
func Annotate(img image.Image, detections []Detection) image.Image {
	dc := gg.NewContextForImage(img)
	for _, d := range detections {
		r := d.BBox.Rect()
		DrawRectangleEmpty(dc, r, boxColor, 2)
		label := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		y := r.Min.Y - 14
		if y < 0 {
			y = r.Min.Y
		}
		DrawString(dc, label, image.Point{X: r.Min.X, Y: y}, boxColor, 12)
	}
	return dc.Image()
}

// Crop returns the region of img under box.
func Crop(img image.Image, box BBox) image.Image {
	b := img.Bounds()
	return imaging.Crop(img, box.Rect().Add(b.Min))
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
