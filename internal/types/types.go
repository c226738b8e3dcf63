package types

import "image"

// Point is a landmark location in original-frame pixel space.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ImagePoint converts the landmark into an image.Point for drawing.
func (p Point) ImagePoint() image.Point {
	return image.Point{X: p.X, Y: p.Y}
}

// BoundingBox is a face rectangle given by its origin and size.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box into an image.Rectangle (Min inclusive, Max exclusive).
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// BoxFromRect is the inverse of BoundingBox.Rect.
func BoxFromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Face is one detected subject. Landmarks keep the predictor's numbering order.
type Face struct {
	BBox      BoundingBox `json:"bbox"`
	Landmarks []Point     `json:"landmarks"`
}

// Frame holds the faces found in one image plus that image's original size.
type Frame struct {
	Faces  []Face `json:"faces"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Clone returns a deep copy so callers never alias sequence storage.
func (f Frame) Clone() Frame {
	out := Frame{Width: f.Width, Height: f.Height, Faces: make([]Face, len(f.Faces))}
	for i, face := range f.Faces {
		out.Faces[i] = Face{
			BBox:      face.BBox,
			Landmarks: append([]Point(nil), face.Landmarks...),
		}
	}
	return out
}

// FrameTask is one decoded input image handed from a frame source to the pipeline.
type FrameTask struct {
	Index int
	Name  string
	Image image.Image
}
