package render

import (
	"image/color"
	"strconv"

	"github.com/andresmejia3/landmarkseq/internal/types"
)

// Style controls how faces are drawn.
type Style struct {
	Labels        bool
	BoxColor      color.Color
	LandmarkColor color.Color
	Thickness     int
}

// DefaultStyle is green boxes and red landmarks, one pixel wide.
func DefaultStyle() Style {
	return Style{
		BoxColor:      color.RGBA{G: 255, A: 255},
		LandmarkColor: color.RGBA{R: 255, A: 255},
		Thickness:     1,
	}
}

func (s Style) withDefaults() Style {
	d := DefaultStyle()
	if s.BoxColor == nil {
		s.BoxColor = d.BoxColor
	}
	if s.LandmarkColor == nil {
		s.LandmarkColor = d.LandmarkColor
	}
	s.Thickness = max(s.Thickness, 1)
	return s
}

// Box outlines a face's bounding box.
func Box(c Canvas, box types.BoundingBox, col color.Color, thickness int) {
	c.Rect(box.Rect(), col, max(thickness, 1))
}

// Landmarks draws a face's landmarks. A full 68-point set is drawn as facial
// contours; any other count as a disk per point, capped at 68 points. Labels
// are drawn for every point.
func Landmarks(c Canvas, pts []types.Point, labels bool, col color.Color, thickness int) {
	thickness = max(thickness, 1)

	n := min(len(pts), DenseLandmarkCount)
	if len(pts) == DenseLandmarkCount {
		for _, contour := range Contours68 {
			for _, seg := range contour.Segments() {
				c.Line(pts[seg[0]].ImagePoint(), pts[seg[1]].ImagePoint(), col, thickness)
			}
		}
	} else {
		for _, p := range pts[:n] {
			c.Disk(p.ImagePoint(), thickness, col)
		}
	}

	if labels {
		for i, p := range pts {
			c.Text(p.ImagePoint(), strconv.Itoa(i), col)
		}
	}
}

// Face draws the bounding box, then the landmarks.
func Face(c Canvas, face types.Face, s Style) {
	s = s.withDefaults()
	Box(c, face.BBox, s.BoxColor, s.Thickness)
	Landmarks(c, face.Landmarks, s.Labels, s.LandmarkColor, s.Thickness)
}

// Frame draws every face of the frame in detector order.
func Frame(c Canvas, frame types.Frame, s Style) {
	for _, face := range frame.Faces {
		Face(c, face, s)
	}
}
