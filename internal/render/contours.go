package render

// DenseLandmarkCount is the size of the canonical 68-point landmark scheme.
const DenseLandmarkCount = 68

// Contour is a run of consecutive landmark indices drawn as a polyline.
// Closed contours also join End back to Start.
type Contour struct {
	Name       string
	Start, End int
	Closed     bool
}

// Contours68 is the facial topology of the 68-point scheme (0-based).
// The lower nose starts at 30 so its loop over 31..35 is closed through the
// nose tip.
var Contours68 = []Contour{
	{Name: "jaw", Start: 0, End: 16},
	{Name: "right eyebrow", Start: 17, End: 21},
	{Name: "left eyebrow", Start: 22, End: 26},
	{Name: "nose bridge", Start: 27, End: 30},
	{Name: "lower nose", Start: 30, End: 35, Closed: true},
	{Name: "right eye", Start: 36, End: 41, Closed: true},
	{Name: "left eye", Start: 42, End: 47, Closed: true},
	{Name: "outer mouth", Start: 48, End: 59, Closed: true},
	{Name: "inner mouth", Start: 60, End: 67, Closed: true},
}

// Segments lists the index pairs the contour connects, in drawing order.
func (c Contour) Segments() [][2]int {
	segs := make([][2]int, 0, c.End-c.Start+1)
	for i := c.Start + 1; i <= c.End; i++ {
		segs = append(segs, [2]int{i - 1, i})
	}
	if c.Closed {
		segs = append(segs, [2]int{c.Start, c.End})
	}
	return segs
}
