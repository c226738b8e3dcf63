package landmarks

import (
	"image"

	"github.com/andresmejia3/landmarkseq/internal/types"
)

// Model is a landmark model: a face detector paired with a shape predictor.
// Both operate on an image that has already been scaled; the adapter in
// Extract maps results back to original-frame coordinates.
type Model interface {
	// Detect returns one box per face, in the order the detector emits them.
	Detect(img image.Image) ([]types.BoundingBox, error)
	// Predict returns the landmark points for one detected face.
	Predict(img image.Image, box types.BoundingBox) ([]types.Point, error)
}

// Loader turns a model file path into a ready Model.
type Loader interface {
	Load(path string) (Model, error)
}

// LoaderFunc adapts a plain function to the Loader interface.
type LoaderFunc func(path string) (Model, error)

func (f LoaderFunc) Load(path string) (Model, error) {
	return f(path)
}
