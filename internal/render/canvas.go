package render

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Canvas is the drawing surface the renderer talks to. Coordinates are in
// the surface's own pixel space; anything outside it is clipped.
type Canvas interface {
	Line(a, b image.Point, c color.Color, thickness int)
	Rect(r image.Rectangle, c color.Color, thickness int)
	Disk(center image.Point, radius int, c color.Color)
	Text(at image.Point, s string, c color.Color)
}

// ImageCanvas draws onto an image in place.
type ImageCanvas struct {
	Dst draw.Image
}

// NewImageCanvas draws onto dst, which may be Gray or RGBA.
func NewImageCanvas(dst draw.Image) *ImageCanvas {
	return &ImageCanvas{Dst: dst}
}

func (ic *ImageCanvas) set(x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}).In(ic.Dst.Bounds()) {
		return
	}
	// Fast path for the frames we decode ourselves
	if rgba, ok := ic.Dst.(*image.RGBA); ok {
		rgba.SetRGBA(x, y, color.RGBAModel.Convert(c).(color.RGBA))
		return
	}
	ic.Dst.Set(x, y, c)
}

// Line draws a Bresenham line. Thickness above 1 stamps a disk at every step.
func (ic *ImageCanvas) Line(a, b image.Point, c color.Color, thickness int) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := sign(b.X-a.X), sign(b.Y-a.Y)
	err := dx + dy
	x, y := a.X, a.Y

	for {
		if thickness <= 1 {
			ic.set(x, y, c)
		} else {
			ic.Disk(image.Pt(x, y), thickness/2, c)
		}
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

// Rect outlines r. Max is exclusive, as everywhere in package image.
func (ic *ImageCanvas) Rect(r image.Rectangle, c color.Color, thickness int) {
	r = r.Canon()
	if r.Empty() {
		return
	}
	tl := r.Min
	br := r.Max.Sub(image.Pt(1, 1))
	tr := image.Pt(br.X, tl.Y)
	bl := image.Pt(tl.X, br.Y)

	ic.Line(tl, tr, c, thickness)
	ic.Line(tr, br, c, thickness)
	ic.Line(br, bl, c, thickness)
	ic.Line(bl, tl, c, thickness)
}

// Disk fills a circle of the given radius. Radius 0 is a single pixel.
func (ic *ImageCanvas) Disk(center image.Point, radius int, c color.Color) {
	if radius < 0 {
		return
	}
	r2 := radius * radius
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y <= r2 {
				ic.set(center.X+x, center.Y+y, c)
			}
		}
	}
}

// Text writes s with its baseline starting at at.
func (ic *ImageCanvas) Text(at image.Point, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  ic.Dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(at.X, at.Y),
	}
	d.DrawString(s)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
