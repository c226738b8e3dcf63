package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/andresmejia3/landmarkseq/internal/types"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// Magic opens every artifact.
	Magic = "LMSQ"
	// Version is the artifact layout written by this package.
	Version = 1
)

// Field numbers of the protobuf-wire schema. They are part of the artifact
// format and must never be renumbered.
const (
	seqFrames     protowire.Number = 1
	seqFrameCount protowire.Number = 2

	frameWidth     protowire.Number = 1
	frameHeight    protowire.Number = 2
	frameFaces     protowire.Number = 3
	frameFaceCount protowire.Number = 4

	faceBBox          protowire.Number = 1
	faceLandmarks     protowire.Number = 2
	faceLandmarkCount protowire.Number = 3

	bboxLeft   protowire.Number = 1
	bboxTop    protowire.Number = 2
	bboxWidth  protowire.Number = 3
	bboxHeight protowire.Number = 4

	pointX protowire.Number = 1
	pointY protowire.Number = 2
)

// Protobuf writes the sequence as a protobuf-wire message inside a small
// envelope: magic, version, length-delimited body and a CRC-32 of the body.
type Protobuf struct{}

func (Protobuf) Encode(w io.Writer, frames []types.Frame) error {
	body, err := appendSequence(nil, frames)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(Magic)+2*binary.MaxVarintLen64+len(body)+4)
	buf = append(buf, Magic...)
	buf = protowire.AppendVarint(buf, Version)
	buf = protowire.AppendBytes(buf, body)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))

	_, err = w.Write(buf)
	return err
}

func (Protobuf) Decode(r io.Reader) ([]types.Frame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, corrupt("read artifact: %v", err)
	}

	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		return nil, corrupt("missing %q header", Magic)
	}
	data = data[len(Magic):]

	version, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, corrupt("version: %v", protowire.ParseError(n))
	}
	if version != Version {
		return nil, corrupt("unsupported version %d", version)
	}
	data = data[n:]

	body, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, corrupt("body: %v", protowire.ParseError(n))
	}
	data = data[n:]

	if len(data) != 4 {
		return nil, corrupt("expected 4 checksum bytes, found %d", len(data))
	}
	if sum := binary.BigEndian.Uint32(data); sum != crc32.ChecksumIEEE(body) {
		return nil, corrupt("checksum mismatch")
	}

	return decodeSequence(body)
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrDeserialization}, args...)...)
}

// --- Encoding ---

func appendInt32(b []byte, num protowire.Number, v int) ([]byte, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return nil, fmt.Errorf("%w: field %d = %d", ErrValueOutOfRange, num, v)
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v))), nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Counts are written before the repeated fields they describe so a decoder
// can size its slices up front.
func appendSequence(b []byte, frames []types.Frame) ([]byte, error) {
	b, err := appendInt32(b, seqFrameCount, len(frames))
	if err != nil {
		return nil, err
	}
	for i, f := range frames {
		msg, err := appendFrame(nil, f)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		b = appendMessage(b, seqFrames, msg)
	}
	return b, nil
}

func appendFrame(b []byte, f types.Frame) ([]byte, error) {
	var err error
	if b, err = appendInt32(b, frameWidth, f.Width); err != nil {
		return nil, err
	}
	if b, err = appendInt32(b, frameHeight, f.Height); err != nil {
		return nil, err
	}
	if b, err = appendInt32(b, frameFaceCount, len(f.Faces)); err != nil {
		return nil, err
	}
	for i, face := range f.Faces {
		msg, err := appendFace(nil, face)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		b = appendMessage(b, frameFaces, msg)
	}
	return b, nil
}

func appendFace(b []byte, face types.Face) ([]byte, error) {
	var box []byte
	var err error
	for _, f := range []struct {
		num protowire.Number
		v   int
	}{
		{bboxLeft, face.BBox.X},
		{bboxTop, face.BBox.Y},
		{bboxWidth, face.BBox.Width},
		{bboxHeight, face.BBox.Height},
	} {
		if box, err = appendInt32(box, f.num, f.v); err != nil {
			return nil, err
		}
	}
	b = appendMessage(b, faceBBox, box)

	if b, err = appendInt32(b, faceLandmarkCount, len(face.Landmarks)); err != nil {
		return nil, err
	}
	for _, p := range face.Landmarks {
		pt, err := appendInt32(nil, pointX, p.X)
		if err != nil {
			return nil, err
		}
		if pt, err = appendInt32(pt, pointY, p.Y); err != nil {
			return nil, err
		}
		b = appendMessage(b, faceLandmarks, pt)
	}
	return b, nil
}

// --- Decoding ---

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walk visits every field of a message. Unknown wire types are skipped.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return corrupt("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) int32() (int, error) {
	if f.typ != protowire.VarintType {
		return 0, corrupt("field %d: expected varint, got wire type %d", f.num, f.typ)
	}
	v := int64(f.varint)
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, corrupt("field %d: %d overflows int32", f.num, v)
	}
	return int(v), nil
}

func (f field) message() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, corrupt("field %d: expected message, got wire type %d", f.num, f.typ)
	}
	return f.bytes, nil
}

// capacity bounds a declared count by what the remaining bytes could hold,
// so a corrupt count cannot trigger a huge allocation.
func capacity(declared, remaining int) int {
	if declared < 0 {
		return 0
	}
	return min(declared, remaining/2)
}

func checkCount(what string, declared, got int, seen bool) error {
	if !seen {
		return corrupt("missing %s count", what)
	}
	if declared != got {
		return corrupt("%s count mismatch: declared %d, decoded %d", what, declared, got)
	}
	return nil
}

func decodeSequence(b []byte) ([]types.Frame, error) {
	var frames []types.Frame
	declared, seen := 0, false

	err := walk(b, func(f field) error {
		switch f.num {
		case seqFrameCount:
			n, err := f.int32()
			if err != nil {
				return err
			}
			declared, seen = n, true
			if frames == nil {
				frames = make([]types.Frame, 0, capacity(n, len(b)))
			}
		case seqFrames:
			msg, err := f.message()
			if err != nil {
				return err
			}
			frame, err := decodeFrame(msg)
			if err != nil {
				return fmt.Errorf("frame %d: %w", len(frames), err)
			}
			frames = append(frames, frame)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkCount("frame", declared, len(frames), seen); err != nil {
		return nil, err
	}
	if frames == nil {
		frames = []types.Frame{}
	}
	return frames, nil
}

func decodeFrame(b []byte) (types.Frame, error) {
	var frame types.Frame
	declared, seen := 0, false

	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case frameWidth:
			frame.Width, err = f.int32()
		case frameHeight:
			frame.Height, err = f.int32()
		case frameFaceCount:
			if declared, err = f.int32(); err == nil {
				seen = true
				if frame.Faces == nil {
					frame.Faces = make([]types.Face, 0, capacity(declared, len(b)))
				}
			}
		case frameFaces:
			var msg []byte
			if msg, err = f.message(); err != nil {
				return err
			}
			face, err := decodeFace(msg)
			if err != nil {
				return fmt.Errorf("face %d: %w", len(frame.Faces), err)
			}
			frame.Faces = append(frame.Faces, face)
		}
		return err
	})
	if err != nil {
		return types.Frame{}, err
	}
	if err := checkCount("face", declared, len(frame.Faces), seen); err != nil {
		return types.Frame{}, err
	}
	return frame, nil
}

func decodeFace(b []byte) (types.Face, error) {
	var face types.Face
	declared, seen := 0, false

	err := walk(b, func(f field) error {
		switch f.num {
		case faceBBox:
			msg, err := f.message()
			if err != nil {
				return err
			}
			face.BBox, err = decodeBox(msg)
			return err
		case faceLandmarkCount:
			n, err := f.int32()
			if err != nil {
				return err
			}
			declared, seen = n, true
			if face.Landmarks == nil {
				face.Landmarks = make([]types.Point, 0, capacity(n, len(b)))
			}
		case faceLandmarks:
			msg, err := f.message()
			if err != nil {
				return err
			}
			p, err := decodePoint(msg)
			if err != nil {
				return fmt.Errorf("landmark %d: %w", len(face.Landmarks), err)
			}
			face.Landmarks = append(face.Landmarks, p)
		}
		return nil
	})
	if err != nil {
		return types.Face{}, err
	}
	if err := checkCount("landmark", declared, len(face.Landmarks), seen); err != nil {
		return types.Face{}, err
	}
	return face, nil
}

func decodeBox(b []byte) (types.BoundingBox, error) {
	var box types.BoundingBox
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case bboxLeft:
			box.X, err = f.int32()
		case bboxTop:
			box.Y, err = f.int32()
		case bboxWidth:
			box.Width, err = f.int32()
		case bboxHeight:
			box.Height, err = f.int32()
		}
		return err
	})
	return box, err
}

func decodePoint(b []byte) (types.Point, error) {
	var p types.Point
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case pointX:
			p.X, err = f.int32()
		case pointY:
			p.Y, err = f.int32()
		}
		return err
	})
	return p, err
}
