package codec

import (
	"errors"
	"io"

	"github.com/andresmejia3/landmarkseq/internal/types"
)

var (
	// ErrDeserialization covers missing, truncated, corrupt and schema-violating artifacts.
	ErrDeserialization = errors.New("deserialization failed")
	// ErrNotImplemented is returned when serialization support is not available.
	ErrNotImplemented = errors.New("serialization not implemented: no codec available")
	// ErrValueOutOfRange is returned when a coordinate does not fit the artifact's int32 fields.
	ErrValueOutOfRange = errors.New("value out of int32 range")
)

// Codec converts a frame sequence to and from its persisted binary form.
type Codec interface {
	Encode(w io.Writer, frames []types.Frame) error
	Decode(r io.Reader) ([]types.Frame, error)
}

// Unavailable is the codec of builds without serialization support.
// Both directions always fail with ErrNotImplemented.
type Unavailable struct{}

func (Unavailable) Encode(io.Writer, []types.Frame) error { return ErrNotImplemented }

func (Unavailable) Decode(io.Reader) ([]types.Frame, error) { return nil, ErrNotImplemented }

// Available reports whether c can actually persist sequences.
func Available(c Codec) bool {
	if c == nil {
		return false
	}
	_, off := c.(Unavailable)
	return !off
}
