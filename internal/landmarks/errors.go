package landmarks

import "errors"

var (
	// ErrModelNotConfigured is returned by Ingest when no model is bound.
	ErrModelNotConfigured = errors.New("landmark model not configured")
	// ErrUnsupportedImage is returned for images that are neither 1- nor 3-channel.
	ErrUnsupportedImage = errors.New("unsupported image format")
	// ErrIndexOutOfRange is returned by At for indices outside [0, Size()).
	ErrIndexOutOfRange = errors.New("frame index out of range")
	// ErrInvalidScale is returned for scale factors that are not finite and positive.
	ErrInvalidScale = errors.New("invalid scale factor")
	// ErrNoLoader is returned by BindModel when the session has no way to load models.
	ErrNoLoader = errors.New("no model loader configured")
)
