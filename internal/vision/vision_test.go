package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func fill(img *image.NRGBA, r image.Rectangle, c color.Color) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestBBoxJSON(t *testing.T) {
	d := Detection{Label: "cat", Confidence: 0.5, BBox: BBox{X: 1, Y: 2, W: 3, H: 4}, ClassID: 15}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"label":"cat","confidence":0.5,"bbox":[1,2,3,4],"class_id":15}`
	if string(b) != want {
		t.Errorf("expected %s, got %s", want, b)
	}

	var back Detection
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, back); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err := json.Unmarshal([]byte(`{"bbox":[1,2]}`), &back); err == nil {
		t.Error("expected error for short bbox")
	}
}

func TestBBoxClamp(t *testing.T) {
	tests := []struct {
		name string
		in   BBox
		want BBox
		ok   bool
	}{
		{"inside", BBox{10, 10, 20, 20}, BBox{10, 10, 20, 20}, true},
		{"overflow", BBox{90, 90, 50, 50}, BBox{90, 90, 10, 10}, true},
		{"negative origin", BBox{-5, -5, 10, 10}, BBox{0, 0, 5, 5}, true},
		{"outside", BBox{200, 200, 10, 10}, BBox{}, false},
		{"empty", BBox{10, 10, 0, 5}, BBox{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.in.Clamp(100, 100)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Clamp(%+v) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	data := encodePNG(t, solid(100, 80, color.White))
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Width != 100 || f.Height != 80 || f.Format != "png" || f.Ext() != "png" {
		t.Errorf("unexpected frame %dx%d %s", f.Width, f.Height, f.Format)
	}

	for _, bad := range [][]byte{nil, []byte("hello"), data[:20]} {
		if _, err := Decode(bad); !errors.Is(err, ErrDecode) {
			t.Errorf("expected ErrDecode for %d bytes, got %v", len(bad), err)
		}
	}
}

func TestDarkRegionDetector(t *testing.T) {
	img := solid(100, 100, color.White)
	fill(img, image.Rect(10, 20, 30, 50), color.Black)
	fill(img, image.Rect(60, 60, 62, 62), color.Black)
	f, _ := NewFrame(img)

	det := NewDarkRegionDetector(100, 10)
	got, err := det.Detect(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	want := []Detection{{Label: "dark_object", Confidence: 1, BBox: BBox{X: 10, Y: 20, W: 20, H: 30}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}
}

func TestDarkRegionDetectorSolidFrame(t *testing.T) {
	f, _ := NewFrame(solid(100, 100, color.White))
	got, err := NewDarkRegionDetector(100, 1).Detect(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no detections on a blank frame, got %+v", got)
	}
}

func TestHistogramEmbedder(t *testing.T) {
	e := NewHistogramEmbedder(4)
	if e.Dimension() != 64 {
		t.Fatalf("expected 64 dimensions, got %d", e.Dimension())
	}

	red, _ := NewFrame(solid(50, 50, color.NRGBA{R: 255, A: 255}))
	v, err := e.Embed(context.Background(), red)
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 64 {
		t.Fatalf("expected 64 components, got %d", len(v))
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-5 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(sum))
	}

	transparent, _ := NewFrame(solid(10, 10, color.NRGBA{}))
	if _, err := e.Embed(context.Background(), transparent); err == nil {
		t.Error("expected error for a fully transparent frame")
	}
}

func TestAnnotateAndCrop(t *testing.T) {
	img := solid(100, 100, color.White)
	dets := []Detection{{Label: "dark_object", Confidence: 1, BBox: BBox{X: 10, Y: 10, W: 30, H: 20}}}

	out := Annotate(img, dets)
	if out.Bounds() != img.Bounds() {
		t.Errorf("annotated bounds %v, want %v", out.Bounds(), img.Bounds())
	}
	if img.NRGBAAt(10, 10) != (color.NRGBA{255, 255, 255, 255}) {
		t.Error("Annotate modified the source image")
	}

	crop := Crop(img, dets[0].BBox)
	if crop.Bounds().Dx() != 30 || crop.Bounds().Dy() != 20 {
		t.Errorf("unexpected crop size %v", crop.Bounds())
	}
	if _, err := EncodeJPEG(crop, 90); err != nil {
		t.Fatal(err)
	}
}

func TestPostprocessors(t *testing.T) {
	in := []Detection{
		{Label: "a", Confidence: 0.9, BBox: BBox{W: 10, H: 10}},
		{Label: "b", Confidence: 0.1, BBox: BBox{W: 10, H: 10}},
		{Label: "c", Confidence: 0.9, BBox: BBox{W: 1, H: 1}},
	}
	got := NewAreaFilter(50)(NewScoreFilter(0.3)(in))
	if len(got) != 1 || got[0].Label != "a" {
		t.Errorf("unexpected filter output %+v", got)
	}
}
