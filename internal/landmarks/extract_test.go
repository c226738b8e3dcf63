package landmarks

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/andresmejia3/landmarkseq/internal/types"
)

// fixedModel returns the same boxes and points regardless of the image and
// records what it was handed.
type fixedModel struct {
	boxes  []types.BoundingBox
	points []types.Point
	err    error

	detectCalls int
	seen        image.Image
	closed      bool
}

func (m *fixedModel) Detect(img image.Image) ([]types.BoundingBox, error) {
	m.detectCalls++
	m.seen = img
	if m.err != nil {
		return nil, m.err
	}
	return m.boxes, nil
}

func (m *fixedModel) Predict(img image.Image, box types.BoundingBox) ([]types.Point, error) {
	return m.points, nil
}

func (m *fixedModel) Close() error {
	m.closed = true
	return nil
}

// relativeModel finds one face in the middle half of any image and spreads
// 68 landmarks along the box diagonal, so its output scales with the input.
type relativeModel struct{}

func (relativeModel) Detect(img image.Image) ([]types.BoundingBox, error) {
	b := img.Bounds()
	return []types.BoundingBox{{X: b.Dx() / 4, Y: b.Dy() / 4, Width: b.Dx() / 2, Height: b.Dy() / 2}}, nil
}

func (relativeModel) Predict(img image.Image, box types.BoundingBox) ([]types.Point, error) {
	pts := make([]types.Point, 68)
	for i := range pts {
		pts[i] = types.Point{X: box.X + box.Width*i/67, Y: box.Y + box.Height*i/67}
	}
	return pts, nil
}

func TestChannels(t *testing.T) {
	r := image.Rect(0, 0, 2, 2)
	tests := []struct {
		name string
		img  image.Image
		want int
		err  error
	}{
		{"Gray", image.NewGray(r), 1, nil},
		{"Gray16", image.NewGray16(r), 1, nil},
		{"RGBA", image.NewRGBA(r), 3, nil},
		{"RGBA64", image.NewRGBA64(r), 3, nil},
		{"NRGBA", image.NewNRGBA(r), 3, nil},
		{"NRGBA64", image.NewNRGBA64(r), 3, nil},
		{"YCbCr", image.NewYCbCr(r, image.YCbCrSubsampleRatio420), 3, nil},
		{"Paletted", image.NewPaletted(r, color.Palette{color.Black, color.White}), 3, nil},
		{"Alpha", image.NewAlpha(r), 0, ErrUnsupportedImage},
		{"CMYK", image.NewCMYK(r), 0, ErrUnsupportedImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Channels(tt.img)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Channels() error = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("Channels() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExtractRoundsHalfAwayFromZero(t *testing.T) {
	// At scale 2 every odd coordinate lands exactly on .5 when mapped back.
	m := &fixedModel{
		boxes:  []types.BoundingBox{{X: 1, Y: 3, Width: 5, Height: -1}},
		points: []types.Point{{X: 1, Y: 3}, {X: -1, Y: -3}, {X: 2, Y: 0}},
	}
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))

	faces, err := Extract(m, img, 2)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}

	wantBox := types.BoundingBox{X: 1, Y: 2, Width: 3, Height: -1}
	if faces[0].BBox != wantBox {
		t.Errorf("BBox = %+v, want %+v", faces[0].BBox, wantBox)
	}

	wantPts := []types.Point{{X: 1, Y: 2}, {X: -1, Y: -2}, {X: 1, Y: 0}}
	for i, p := range faces[0].Landmarks {
		if p != wantPts[i] {
			t.Errorf("Landmark %d = %+v, want %+v", i, p, wantPts[i])
		}
	}
}

func TestExtractScaleOneUsesInputDirectly(t *testing.T) {
	m := &fixedModel{}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	if _, err := Extract(m, img, 1); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if m.seen != image.Image(img) {
		t.Error("Expected the model to receive the input image itself at scale 1")
	}
}

func TestExtractWorkImage(t *testing.T) {
	tests := []struct {
		name  string
		img   image.Image
		scale float64
		size  image.Point
		gray  bool
	}{
		{"Gray16 converted to Gray", image.NewGray16(image.Rect(0, 0, 10, 6)), 1, image.Pt(10, 6), true},
		{"YCbCr converted to RGBA", image.NewYCbCr(image.Rect(0, 0, 10, 6), image.YCbCrSubsampleRatio444), 1, image.Pt(10, 6), false},
		{"offset origin copied", image.NewRGBA(image.Rect(5, 5, 15, 11)), 1, image.Pt(10, 6), false},
		{"half scale rounds up", image.NewRGBA(image.Rect(0, 0, 101, 51)), 0.5, image.Pt(51, 26), false},
		{"gray keeps one channel when scaled", image.NewGray(image.Rect(0, 0, 100, 40)), 0.25, image.Pt(25, 10), true},
		{"tiny image never collapses", image.NewRGBA(image.Rect(0, 0, 1, 1)), 0.1, image.Pt(1, 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fixedModel{}
			if _, err := Extract(m, tt.img, tt.scale); err != nil {
				t.Fatalf("Extract failed: %v", err)
			}

			b := m.seen.Bounds()
			if b.Min != (image.Point{}) || b.Size() != tt.size {
				t.Errorf("work image bounds = %v, want origin and size %v", b, tt.size)
			}

			_, isGray := m.seen.(*image.Gray)
			_, isRGBA := m.seen.(*image.RGBA)
			if tt.gray && !isGray {
				t.Errorf("expected *image.Gray, got %T", m.seen)
			}
			if !tt.gray && !isRGBA {
				t.Errorf("expected *image.RGBA, got %T", m.seen)
			}
		})
	}
}

func TestExtractZeroDetections(t *testing.T) {
	faces, err := Extract(&fixedModel{}, image.NewGray(image.Rect(0, 0, 4, 4)), 0.5)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if faces == nil || len(faces) != 0 {
		t.Errorf("Expected an empty non-nil slice, got %#v", faces)
	}
}

func TestExtractRejectsBadInput(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))

	tests := []struct {
		name  string
		model Model
		img   image.Image
		scale float64
		err   error
	}{
		{"nil model", nil, rgba, 1, ErrModelNotConfigured},
		{"zero scale", &fixedModel{}, rgba, 0, ErrInvalidScale},
		{"negative scale", &fixedModel{}, rgba, -0.5, ErrInvalidScale},
		{"NaN scale", &fixedModel{}, rgba, math.NaN(), ErrInvalidScale},
		{"Inf scale", &fixedModel{}, rgba, math.Inf(1), ErrInvalidScale},
		{"alpha image", &fixedModel{}, image.NewAlpha(rgba.Rect), 1, ErrUnsupportedImage},
		{"cmyk image", &fixedModel{}, image.NewCMYK(rgba.Rect), 0.5, ErrUnsupportedImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.model, tt.img, tt.scale)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Extract() error = %v, want %v", err, tt.err)
			}
			if fm, ok := tt.model.(*fixedModel); ok && fm.detectCalls != 0 {
				t.Errorf("Detect ran %d times on rejected input", fm.detectCalls)
			}
		})
	}
}

func TestExtractPropagatesModelError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Extract(&fixedModel{err: boom}, image.NewRGBA(image.Rect(0, 0, 4, 4)), 1)
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped model error, got %v", err)
	}
}

func TestExtractScaleInvariance(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))

	ref, err := Extract(relativeModel{}, img, 1)
	if err != nil {
		t.Fatalf("Extract at scale 1 failed: %v", err)
	}

	for _, scale := range []float64{0.75, 0.5, 0.25} {
		faces, err := Extract(relativeModel{}, img, scale)
		if err != nil {
			t.Fatalf("Extract at scale %v failed: %v", scale, err)
		}
		if len(faces) != len(ref) {
			t.Fatalf("scale %v: %d faces, want %d", scale, len(faces), len(ref))
		}

		// One working pixel spans 1/scale original pixels, plus rounding.
		tol := int(math.Ceil(1/scale)) + 1
		near := func(a, b int) bool { return a-b <= tol && b-a <= tol }

		got, want := faces[0], ref[0]
		if !near(got.BBox.X, want.BBox.X) || !near(got.BBox.Y, want.BBox.Y) ||
			!near(got.BBox.Width, want.BBox.Width) || !near(got.BBox.Height, want.BBox.Height) {
			t.Errorf("scale %v: box %+v too far from %+v", scale, got.BBox, want.BBox)
		}
		for i := range want.Landmarks {
			if !near(got.Landmarks[i].X, want.Landmarks[i].X) || !near(got.Landmarks[i].Y, want.Landmarks[i].Y) {
				t.Errorf("scale %v: landmark %d %+v too far from %+v", scale, i, got.Landmarks[i], want.Landmarks[i])
			}
		}

		// Results stay in the original image's coordinate space.
		for i, p := range got.Landmarks {
			if p.X < 0 || p.X > 320 || p.Y < 0 || p.Y > 240 {
				t.Errorf("scale %v: landmark %d %+v outside 320x240", scale, i, p)
			}
		}
	}
}

func TestScaledSize(t *testing.T) {
	tests := []struct {
		w, h   int
		scale  float64
		ww, wh int
	}{
		{640, 480, 1, 640, 480},
		{640, 480, 0.5, 320, 240},
		{3, 3, 0.5, 2, 2},
		{1, 1, 0.01, 1, 1},
	}
	for _, tt := range tests {
		w, h := ScaledSize(tt.w, tt.h, tt.scale)
		if w != tt.ww || h != tt.wh {
			t.Errorf("ScaledSize(%d, %d, %v) = %dx%d, want %dx%d", tt.w, tt.h, tt.scale, w, h, tt.ww, tt.wh)
		}
	}
}
