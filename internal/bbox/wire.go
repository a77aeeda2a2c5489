package bbox

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame is the unit the tracker shard client ships to the aggregator:
// a shard's dead tracks as of one update call, plus enough bookkeeping
// for the aggregator to know which shard range they belong to and
// what is safe to finalize.
type Frame struct {
	RangeStart uint64
	Oldest     uint64
	Bboxes     []Bbox
}

// tag bytes for the optional-field presence prefix.
const (
	tagAbsent  = 0
	tagPresent = 1
)

// EncodeBbox appends the little-endian wire encoding of b to dst and
// returns the result: five f32 geometry fields (left, top, width,
// height, area), then three
// presence-tagged optional fields (track_id, timestamp, class_id),
// then a presence-tagged confidence.
func EncodeBbox(dst []byte, b Bbox) []byte {
	dst = appendFloat32(dst, b.Left)
	dst = appendFloat32(dst, b.Top)
	dst = appendFloat32(dst, b.Width)
	dst = appendFloat32(dst, b.Height)
	dst = appendFloat32(dst, b.Area)
	dst = appendOptionalUint64(dst, b.TrackID)
	dst = appendOptionalUint64(dst, b.Timestamp)
	dst = appendOptionalUint32(dst, b.ClassID)
	dst = appendOptionalFloat32(dst, b.Confidence)
	return dst
}

// DecodeBbox reads one Bbox from the head of src and returns the
// remaining bytes.
func DecodeBbox(src []byte) (Bbox, []byte, error) {
	var b Bbox
	var err error

	if b.Left, src, err = readFloat32(src); err != nil {
		return b, nil, err
	}
	if b.Top, src, err = readFloat32(src); err != nil {
		return b, nil, err
	}
	if b.Width, src, err = readFloat32(src); err != nil {
		return b, nil, err
	}
	if b.Height, src, err = readFloat32(src); err != nil {
		return b, nil, err
	}
	if b.Area, src, err = readFloat32(src); err != nil {
		return b, nil, err
	}
	if b.TrackID, src, err = readOptionalUint64(src); err != nil {
		return b, nil, err
	}
	if b.Timestamp, src, err = readOptionalUint64(src); err != nil {
		return b, nil, err
	}
	if b.ClassID, src, err = readOptionalUint32(src); err != nil {
		return b, nil, err
	}
	if b.Confidence, src, err = readOptionalFloat32(src); err != nil {
		return b, nil, err
	}
	return b, src, nil
}

// EncodeFrame returns the little-endian payload for f: range_start,
// oldest, then a u64 bbox count followed by each encoded bbox. This
// is the payload that goes inside the 4-byte big-endian length prefix
// on the wire; EncodeFrame does not add that prefix itself.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, 0, 16+8+len(f.Bboxes)*32)
	buf = appendUint64(buf, f.RangeStart)
	buf = appendUint64(buf, f.Oldest)
	buf = appendUint64(buf, uint64(len(f.Bboxes)))
	for _, b := range f.Bboxes {
		buf = EncodeBbox(buf, b)
	}
	return buf
}

// DecodeFrame parses a Frame payload (without the length prefix).
func DecodeFrame(src []byte) (Frame, error) {
	var f Frame
	var err error

	if f.RangeStart, src, err = readUint64(src); err != nil {
		return f, err
	}
	if f.Oldest, src, err = readUint64(src); err != nil {
		return f, err
	}
	var n uint64
	if n, src, err = readUint64(src); err != nil {
		return f, err
	}
	f.Bboxes = make([]Bbox, 0, n)
	for i := uint64(0); i < n; i++ {
		var b Bbox
		if b, src, err = DecodeBbox(src); err != nil {
			return f, err
		}
		f.Bboxes = append(f.Bboxes, b)
	}
	return f, nil
}

// WriteFrame writes f to w as a 4-byte big-endian length prefix
// followed by its little-endian payload.
func WriteFrame(w io.Writer, f Frame) error {
	payload := EncodeFrame(f)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write frame length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed Frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	return DecodeFrame(payload)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendFloat32(dst []byte, v float32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	return append(dst, b[:]...)
}

func appendOptionalUint64(dst []byte, v *uint64) []byte {
	if v == nil {
		return append(dst, tagAbsent)
	}
	dst = append(dst, tagPresent)
	return appendUint64(dst, *v)
}

func appendOptionalUint32(dst []byte, v *uint32) []byte {
	if v == nil {
		return append(dst, tagAbsent)
	}
	dst = append(dst, tagPresent)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], *v)
	return append(dst, b[:]...)
}

func appendOptionalFloat32(dst []byte, v *float32) []byte {
	if v == nil {
		return append(dst, tagAbsent)
	}
	dst = append(dst, tagPresent)
	return appendFloat32(dst, *v)
}

func readUint64(src []byte) (uint64, []byte, error) {
	if len(src) < 8 {
		return 0, nil, fmt.Errorf("%w: want 8 bytes for uint64, have %d", ErrTruncated, len(src))
	}
	return binary.LittleEndian.Uint64(src), src[8:], nil
}

func readFloat32(src []byte) (float32, []byte, error) {
	if len(src) < 4 {
		return 0, nil, fmt.Errorf("%w: want 4 bytes for float32, have %d", ErrTruncated, len(src))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(src)), src[4:], nil
}

func readTag(src []byte) (byte, []byte, error) {
	if len(src) < 1 {
		return 0, nil, fmt.Errorf("%w: missing presence tag", ErrTruncated)
	}
	return src[0], src[1:], nil
}

func readOptionalUint64(src []byte) (*uint64, []byte, error) {
	tag, rest, err := readTag(src)
	if err != nil {
		return nil, nil, err
	}
	if tag == tagAbsent {
		return nil, rest, nil
	}
	v, rest, err := readUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	return &v, rest, nil
}

func readOptionalUint32(src []byte) (*uint32, []byte, error) {
	tag, rest, err := readTag(src)
	if err != nil {
		return nil, nil, err
	}
	if tag == tagAbsent {
		return nil, rest, nil
	}
	if len(rest) < 4 {
		return nil, nil, fmt.Errorf("%w: want 4 bytes for uint32, have %d", ErrTruncated, len(rest))
	}
	v := binary.LittleEndian.Uint32(rest)
	return &v, rest[4:], nil
}

func readOptionalFloat32(src []byte) (*float32, []byte, error) {
	tag, rest, err := readTag(src)
	if err != nil {
		return nil, nil, err
	}
	if tag == tagAbsent {
		return nil, rest, nil
	}
	v, rest, err := readFloat32(rest)
	if err != nil {
		return nil, nil, err
	}
	return &v, rest, nil
}
