package landmarks

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/landmarkseq/internal/codec"
	"github.com/andresmejia3/landmarkseq/internal/types"
	"github.com/sirupsen/logrus"
)

// Session owns one frame sequence and the model that fills it.
// It is not safe for concurrent use.
type Session struct {
	loader    Loader
	model     Model
	modelPath string
	scale     float64
	codec     codec.Codec
	log       logrus.FieldLogger

	frames []types.Frame
}

// Option configures a Session.
type Option func(*Session)

// WithLoader sets the loader used by BindModel.
func WithLoader(l Loader) Option {
	return func(s *Session) { s.loader = l }
}

// WithScale sets the processing scale applied before detection.
func WithScale(scale float64) Option {
	return func(s *Session) { s.scale = scale }
}

// WithCodec sets the serialization codec. A nil codec disables Save and Load.
func WithCodec(c codec.Codec) Option {
	return func(s *Session) { s.codec = c }
}

// WithModel binds an already loaded model.
func WithModel(m Model) Option {
	return func(s *Session) { s.model = m }
}

// WithModelPath loads and binds a model file when the session is created.
func WithModelPath(path string) Option {
	return func(s *Session) { s.modelPath = path }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

// New creates an empty session. When WithModelPath was given the model is
// loaded immediately and a load failure is returned.
func New(opts ...Option) (*Session, error) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	s := &Session{
		scale: 1,
		codec: codec.Protobuf{},
		log:   quiet,
	}
	for _, opt := range opts {
		opt(s)
	}

	if !validScale(s.scale) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScale, s.scale)
	}

	if path := s.modelPath; path != "" {
		s.modelPath = ""
		if err := s.BindModel(path); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// BindModel loads the model at path and makes it the session's model.
// An empty path keeps the current binding. On failure the previous binding
// stays in place.
func (s *Session) BindModel(path string) error {
	if path == "" {
		return nil
	}
	if s.loader == nil {
		return ErrNoLoader
	}

	m, err := s.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load model %s: %w", path, err)
	}

	if c, ok := s.model.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.WithError(err).Warn("closing previous model")
		}
	}
	s.model = m
	s.modelPath = path
	s.log.WithField("path", path).Debug("model bound")
	return nil
}

// Bound reports whether a model is bound.
func (s *Session) Bound() bool { return s.model != nil }

// Model returns the bound model, or nil.
func (s *Session) Model() Model { return s.model }

// ModelPath is the path of the model loaded through BindModel, if any.
func (s *Session) ModelPath() string { return s.modelPath }

// Scale is the processing scale applied before detection.
func (s *Session) Scale() float64 { return s.scale }

// Ingest runs the bound model over img and appends the resulting frame.
// The returned frame is a copy; later mutations of the session do not affect it.
func (s *Session) Ingest(img image.Image) (types.Frame, error) {
	if s.model == nil {
		return types.Frame{}, ErrModelNotConfigured
	}

	// Extract rejects unsupported images before the model sees them.
	faces, err := Extract(s.model, img, s.scale)
	if err != nil {
		return types.Frame{}, err
	}

	b := img.Bounds()
	frame := types.Frame{Faces: faces, Width: b.Dx(), Height: b.Dy()}
	s.frames = append(s.frames, frame)

	s.log.WithFields(logrus.Fields{
		"index": len(s.frames) - 1,
		"faces": len(faces),
	}).Debug("frame ingested")

	return frame.Clone(), nil
}

// Append adds an already extracted frame to the end of the sequence.
func (s *Session) Append(frame types.Frame) {
	s.frames = append(s.frames, frame.Clone())
}

// Clear empties the sequence. The model binding is untouched.
func (s *Session) Clear() {
	s.frames = nil
}

// Size is the number of frames in the sequence.
func (s *Session) Size() int { return len(s.frames) }

// At returns a copy of the frame at index i.
func (s *Session) At(i int) (types.Frame, error) {
	if i < 0 || i >= len(s.frames) {
		return types.Frame{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, len(s.frames))
	}
	return s.frames[i].Clone(), nil
}

// Frames returns a copy of the whole sequence.
func (s *Session) Frames() []types.Frame {
	out := make([]types.Frame, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Clone()
	}
	return out
}

// Save writes the sequence to path, replacing any existing file. The sequence
// is encoded in full and written to a temporary file next to path first, so a
// failed Save leaves the previous file intact.
func (s *Session) Save(path string) error {
	if !codec.Available(s.codec) {
		return codec.ErrNotImplemented
	}

	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, s.frames); err != nil {
		return fmt.Errorf("encode sequence: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := buf.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}

	s.log.WithFields(logrus.Fields{"path": path, "frames": len(s.frames)}).Debug("sequence saved")
	return nil
}

// Load replaces the sequence with the one stored at path. On any failure the
// sequence is left empty and the error wraps codec.ErrDeserialization.
func (s *Session) Load(path string) error {
	if !codec.Available(s.codec) {
		return codec.ErrNotImplemented
	}
	s.Clear()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrDeserialization, err)
	}
	defer f.Close()

	frames, err := s.codec.Decode(bufio.NewReader(f))
	if err != nil {
		if !errors.Is(err, codec.ErrDeserialization) {
			err = fmt.Errorf("%w: %w", codec.ErrDeserialization, err)
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	s.frames = frames

	s.log.WithFields(logrus.Fields{"path": path, "frames": len(frames)}).Debug("sequence loaded")
	return nil
}

// Close releases the bound model if it holds resources.
func (s *Session) Close() error {
	c, ok := s.model.(io.Closer)
	s.model = nil
	if ok {
		return c.Close()
	}
	return nil
}
