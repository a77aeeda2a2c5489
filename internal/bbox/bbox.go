// Package bbox implements the geometric value types shared by the
// tracker, decode scheduler, and aggregator: axis-aligned bounding
// boxes, their IoU/scale operations, and the Frame envelope used on
// the tracker-to-aggregator wire.
package bbox

import "math"

// Bbox is an axis-aligned rectangle in pixel coordinates, with the
// optional annotations a Bbox accumulates as it flows through the
// pipeline. Optional fields are nil when absent, matching the wire
// format's present/absent tag.
type Bbox struct {
	Left, Top, Width, Height, Area float32

	TrackID    *uint64
	Timestamp  *uint64
	ClassID    *uint32
	Confidence *float32
}

// New returns a Bbox with Area derived from Width*Height and every
// optional field absent.
func New(left, top, width, height float32) Bbox {
	return Bbox{Left: left, Top: top, Width: width, Height: height, Area: width * height}
}

// Clone returns a deep copy; the optional-field pointers are copied,
// not shared.
func (b Bbox) Clone() Bbox {
	c := b
	if b.TrackID != nil {
		v := *b.TrackID
		c.TrackID = &v
	}
	if b.Timestamp != nil {
		v := *b.Timestamp
		c.Timestamp = &v
	}
	if b.ClassID != nil {
		v := *b.ClassID
		c.ClassID = &v
	}
	if b.Confidence != nil {
		v := *b.Confidence
		c.Confidence = &v
	}
	return c
}

func (b Bbox) corners() (x1, y1, x2, y2 float32) {
	return b.Left, b.Top, b.Left + b.Width, b.Top + b.Height
}

// IoU returns the intersection-over-union of two boxes: 0 if they
// don't overlap, 1 if identical.
func (b Bbox) IoU(other Bbox) float32 {
	sx1, sy1, sx2, sy2 := b.corners()
	tx1, ty1, tx2, ty2 := other.corners()

	left := max32(sx1, tx1)
	top := max32(sy1, ty1)
	right := min32(sx2, tx2)
	bottom := min32(sy2, ty2)

	if right <= left || bottom <= top {
		return 0
	}

	intersect := (right - left) * (bottom - top)
	union := b.Area + other.Area - intersect
	return intersect / union
}

// ScaleDim scales coordinates and dimensions uniformly about the
// origin (macroblock -> pixel conversion uses this).
func (b *Bbox) ScaleDim(scale float32) {
	if scale == 1 {
		return
	}
	b.Left *= scale
	b.Top *= scale
	b.Width *= scale
	b.Height *= scale
	b.Area *= scale * scale
}

// Scale scales width/height about the box's own centroid, which stays
// fixed.
func (b *Bbox) Scale(scale float32) {
	if scale == 1 {
		return
	}
	cx := b.Left + b.Width/2
	cy := b.Top + b.Height/2

	b.Width *= scale
	b.Height *= scale
	b.Left = cx - b.Width/2
	b.Top = cy - b.Height/2
	b.Area *= scale * scale
}

// ToZ projects the box onto the Kalman observation vector
// [cx, cy, area, aspect_ratio].
func (b Bbox) ToZ() [4]float64 {
	cx := float64(b.Left) + float64(b.Width)/2
	cy := float64(b.Top) + float64(b.Height)/2
	r := float64(b.Width) / float64(b.Height)
	return [4]float64{cx, cy, float64(b.Area), r}
}

// FromX reconstructs a Bbox from a Kalman state vector whose first
// four components are [cx, cy, area, aspect_ratio]. The upstream
// reference implementation this was ported from computed
// top = cy - width/2, which does not preserve the centroid; that is
// corrected here to top = cy - height/2.
func FromX(x []float64) Bbox {
	cx, cy, s, r := x[0], x[1], x[2], x[3]

	width := math.Sqrt(s * r)
	height := s / width
	return New(float32(cx-width/2), float32(cy-height/2), float32(width), float32(height))
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
