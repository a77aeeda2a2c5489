package bbox_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cova-project/analysisd/internal/bbox"
)

func TestIoU(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		a, b     bbox.Bbox
		expected float32
	}{
		{"identical", bbox.New(0, 0, 2, 2), bbox.New(0, 0, 2, 2), 1},
		{"quarter_overlap", bbox.New(0, 0, 2, 2), bbox.New(1, 1, 2, 2), 1.0 / 7.0},
		{"no_overlap", bbox.New(0, 0, 2, 2), bbox.New(2, 2, 2, 2), 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tc.expected, tc.a.IoU(tc.b), 1e-6)
			assert.Equal(t, tc.a.IoU(tc.b), tc.b.IoU(tc.a), "IoU should be symmetric")
		})
	}
}

func TestIoURange(t *testing.T) {
	t.Parallel()
	a := bbox.New(0, 0, 4, 3)
	b := bbox.New(1, 1, 5, 5)
	v := a.IoU(b)
	assert.GreaterOrEqual(t, v, float32(0))
	assert.LessOrEqual(t, v, float32(1))
}

func TestScaleIdentity(t *testing.T) {
	t.Parallel()
	b := bbox.New(1, 2, 3, 4)
	a := b
	a.Scale(1)
	assert.Equal(t, b, a)

	c := b
	c.ScaleDim(1)
	assert.Equal(t, b, c)
}

func TestScalePreservesCentroid(t *testing.T) {
	t.Parallel()
	b := bbox.New(10, 20, 4, 6)
	cx := b.Left + b.Width/2
	cy := b.Top + b.Height/2

	b.Scale(2)
	assert.InDelta(t, cx, b.Left+b.Width/2, 1e-3)
	assert.InDelta(t, cy, b.Top+b.Height/2, 1e-3)
	assert.InDelta(t, float32(4*6*4), b.Area, 1e-2)
}

func TestToZFromXRoundTrip(t *testing.T) {
	t.Parallel()
	b := bbox.New(5, 7, 8, 4)
	z := b.ToZ()
	got := bbox.FromX(z[:])

	origCX := b.Left + b.Width/2
	origCY := b.Top + b.Height/2
	gotCX := got.Left + got.Width/2
	gotCY := got.Top + got.Height/2

	assert.InDelta(t, origCX, gotCX, 1e-2)
	assert.InDelta(t, origCY, gotCY, 1e-2)
	assert.InDelta(t, b.Area, got.Area, 1e-1)
}

func TestBboxWireRoundTrip(t *testing.T) {
	t.Parallel()
	trackID := uint64(42)
	ts := uint64(123456789)
	classID := uint32(3)
	conf := float32(0.87)

	b := bbox.Bbox{
		Left: 1, Top: 2, Width: 3, Height: 4, Area: 12,
		TrackID: &trackID, Timestamp: &ts, ClassID: &classID, Confidence: &conf,
	}

	encoded := bbox.EncodeBbox(nil, b)
	decoded, rest, err := bbox.DecodeBbox(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	if diff := cmp.Diff(b, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBboxWireRoundTripAbsentFields(t *testing.T) {
	t.Parallel()
	b := bbox.New(1, 2, 3, 4)
	encoded := bbox.EncodeBbox(nil, b)
	decoded, rest, err := bbox.DecodeBbox(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Nil(t, decoded.TrackID)
	assert.Nil(t, decoded.Timestamp)
	assert.Nil(t, decoded.ClassID)
	assert.Nil(t, decoded.Confidence)
}

func TestFrameWireRoundTrip(t *testing.T) {
	t.Parallel()
	trackID := uint64(7)
	ts := uint64(1000)
	b1 := bbox.New(0, 0, 2, 2)
	b1.TrackID = &trackID
	b1.Timestamp = &ts

	f := bbox.Frame{RangeStart: 5, Oldest: 10, Bboxes: []bbox.Bbox{b1, bbox.New(1, 1, 1, 1)}}

	var buf bytes.Buffer
	require.NoError(t, bbox.WriteFrame(&buf, f))

	got, err := bbox.ReadFrame(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("frame round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	t.Parallel()
	_, err := bbox.DecodeFrame([]byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, bbox.ErrTruncated)
}
