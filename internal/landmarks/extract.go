package landmarks

import (
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/landmarkseq/internal/types"
	"golang.org/x/image/draw"
)

// Channels reports how many color channels the model sees for img.
// Alpha is ignored; formats without a 1- or 3-channel reading are rejected.
func Channels(img image.Image) (int, error) {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1, nil
	case *image.RGBA, *image.RGBA64, *image.NRGBA, *image.NRGBA64, *image.YCbCr, *image.Paletted:
		return 3, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedImage, img)
}

// Extract runs the model over img at the given scale and returns the faces in
// img's own coordinate space.
//
// Coordinates are mapped back by dividing by scale and rounding half away
// from zero (math.Round). A scale of exactly 1 skips resizing altogether.
func Extract(m Model, img image.Image, scale float64) ([]types.Face, error) {
	if m == nil {
		return nil, ErrModelNotConfigured
	}
	if !validScale(scale) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScale, scale)
	}
	channels, err := Channels(img)
	if err != nil {
		return nil, err
	}

	// 1. Scale + 2. pixel layout (Gray for single channel, RGBA otherwise)
	work := prepare(img, channels, scale)

	// 3. Detect in scaled space
	boxes, err := m.Detect(work)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	faces := make([]types.Face, 0, len(boxes))
	for i, box := range boxes {
		// 4. Predict in scaled space
		pts, err := m.Predict(work, box)
		if err != nil {
			return nil, fmt.Errorf("predict landmarks for face %d: %w", i, err)
		}

		// 5. Back to original pixels
		face := types.Face{
			BBox:      unscaleBox(box, scale),
			Landmarks: make([]types.Point, len(pts)),
		}
		for j, p := range pts {
			face.Landmarks[j] = types.Point{X: unscale(p.X, scale), Y: unscale(p.Y, scale)}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func validScale(scale float64) bool {
	return scale > 0 && !math.IsInf(scale, 0) && !math.IsNaN(scale)
}

// ScaledSize is the size of the working image for a w x h input.
func ScaledSize(w, h int, scale float64) (int, int) {
	if scale == 1 {
		return w, h
	}
	sw := int(math.Round(float64(w) * scale))
	sh := int(math.Round(float64(h) * scale))
	return max(sw, 1), max(sh, 1)
}

func prepare(img image.Image, channels int, scale float64) image.Image {
	b := img.Bounds()
	if scale == 1 {
		if b.Min == (image.Point{}) {
			switch v := img.(type) {
			case *image.Gray:
				return v
			case *image.RGBA:
				return v
			}
		}
		dst := newWorkImage(channels, b.Dx(), b.Dy())
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}

	w, h := ScaledSize(b.Dx(), b.Dy(), scale)
	dst := newWorkImage(channels, w, h)
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func newWorkImage(channels, w, h int) draw.Image {
	r := image.Rect(0, 0, w, h)
	if channels == 1 {
		return image.NewGray(r)
	}
	return image.NewRGBA(r)
}

func unscale(v int, scale float64) int {
	if scale == 1 {
		return v
	}
	return int(math.Round(float64(v) / scale))
}

func unscaleBox(b types.BoundingBox, scale float64) types.BoundingBox {
	return types.BoundingBox{
		X:      unscale(b.X, scale),
		Y:      unscale(b.Y, scale),
		Width:  unscale(b.Width, scale),
		Height: unscale(b.Height, scale),
	}
}
