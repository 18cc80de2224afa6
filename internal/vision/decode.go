package vision

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	// Extra formats beyond the jpeg, png and gif decoders imaging registers.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when bytes are not a decodable raster image.
var ErrDecode = errors.New("image decode failed")

// Frame is a decoded image together with its original encoding.
type Frame struct {
	Image   image.Image
	Encoded []byte
	Format  string
	Width   int
	Height  int
}

// Ext returns the file extension for the original encoding.
func (f *Frame) Ext() string {
	if f.Format == "jpeg" {
		return "jpg"
	}
	return f.Format
}

// Decode parses data and applies any EXIF orientation.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrDecode, "empty image")
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.Wrap(ErrDecode, "zero-sized image")
	}
	return &Frame{
		Image:   img,
		Encoded: data,
		Format:  format,
		Width:   b.Dx(),
		Height:  b.Dy(),
	}, nil
}

// NewFrame wraps an already decoded image, encoding it as PNG.
func NewFrame(img image.Image) (*Frame, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &Frame{Image: img, Encoded: buf.Bytes(), Format: "png", Width: b.Dx(), Height: b.Dy()}, nil
}
