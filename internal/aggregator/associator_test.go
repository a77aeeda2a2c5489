package aggregator

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/config"
)

func u64p(v uint64) *uint64 { return &v }
func u32p(v uint32) *uint32 { return &v }
func f64p(v float64) *float64 { return &v }

func box(left, top, w, h float32, trackID *uint64, ts uint64, classID uint32) bbox.Bbox {
	b := bbox.New(left, top, w, h)
	b.TrackID = trackID
	b.Timestamp = u64p(ts)
	cid := classID
	b.ClassID = &cid
	return b
}

func TestVotedClasses(t *testing.T) {
	t.Parallel()

	assert.Nil(t, votedClasses(nil))

	assert.Equal(t, []uint32{1}, votedClasses([]uint32{1, 1, 1}))

	majority := votedClasses([]uint32{1, 1, 1, 2, 2, 3})
	require.NotEmpty(t, majority)
	assert.Equal(t, uint32(1), majority[0], "clear majority class must be first")
	assert.ElementsMatch(t, []uint32{1, 2}, majority, "only classes seen >=2 times ride along a majority winner")

	allTied := votedClasses([]uint32{1, 2, 3})
	assert.Len(t, allTied, 3)
	assert.ElementsMatch(t, []uint32{1, 2, 3}, allTied, "every class rides along when no class has more than one vote")
}

func newTestAssociator(cfg config.AggregatorConfig) (*associator, *bytes.Buffer, *bytes.Buffer, *bytes.Buffer, *bytes.Buffer) {
	trackBuf, dnnBuf, assocBuf, stationaryBuf := new(bytes.Buffer), new(bytes.Buffer), new(bytes.Buffer), new(bytes.Buffer)
	a := newAssociator(trackBuf, dnnBuf, assocBuf, stationaryBuf, cfg)
	return a, trackBuf, dnnBuf, assocBuf, stationaryBuf
}

func dataRows(csv string) []string {
	lines := strings.Split(strings.TrimRight(csv, "\n"), "\n")
	if len(lines) <= 1 {
		return nil
	}
	return lines[1:]
}

func TestAssociator_MatchedTrackVotesDetectionClass(t *testing.T) {
	t.Parallel()

	cfg := config.AggregatorConfig{
		MovingIoU:        f64p(0.1),
		StationaryIoU:    f64p(0.3),
		StationaryMaxAge: u32p(0),
		ScaleFactor:      f64p(1.0),
	}
	a, _, _, assocBuf, _ := newTestAssociator(cfg)
	a.trackerRange[0] = 1000

	det := box(0, 0, 10, 10, nil, 100, 7)
	require.NoError(t, a.updateDnn([]bbox.Bbox{det}))

	trk := box(0, 0, 10, 10, u64p(5), 100, 0)
	require.NoError(t, a.updateTrack(0, 0, []bbox.Bbox{trk}))

	other := box(500, 500, 1, 1, nil, 200, 9)
	require.NoError(t, a.updateDnn([]bbox.Bbox{other}))
	require.NoError(t, a.assocWriter.Flush())

	rows := dataRows(assocBuf.String())
	require.Len(t, rows, 1, "the track's single bbox should be written once, with the voted class")
	assert.Equal(t, "7", strings.Split(rows[0], ",")[7], "row should carry the detection's class_id: %q", rows[0])
}

func TestAssociator_UnmatchedTrackWritesNoRows(t *testing.T) {
	t.Parallel()

	cfg := config.AggregatorConfig{
		MovingIoU:        f64p(0.1),
		StationaryIoU:    f64p(0.3),
		StationaryMaxAge: u32p(0),
		ScaleFactor:      f64p(1.0),
	}
	a, _, _, assocBuf, _ := newTestAssociator(cfg)
	a.trackerRange[0] = 1000

	trk := box(0, 0, 10, 10, u64p(5), 100, 0)
	require.NoError(t, a.updateTrack(0, 0, []bbox.Bbox{trk}))

	farAway := box(5000, 5000, 1, 1, nil, 200, 9)
	require.NoError(t, a.updateDnn([]bbox.Bbox{farAway}))
	require.NoError(t, a.assocWriter.Flush())

	assert.Empty(t, dataRows(assocBuf.String()), "a track that never accrued a class vote writes zero rows")
}

func TestAssociator_StationaryRunSynthesizesSparseSamples(t *testing.T) {
	t.Parallel()

	cfg := config.AggregatorConfig{
		MovingIoU:        f64p(0.1),
		StationaryIoU:    f64p(0.3),
		StationaryMaxAge: u32p(0),
		ScaleFactor:      f64p(1.0),
	}
	a, trackBuf, _, _, stationaryBuf := newTestAssociator(cfg)
	_ = trackBuf
	a.trackerRange[0] = 1_000_000_000_000

	detA := box(0, 0, 10, 10, nil, 0, 3)
	require.NoError(t, a.updateDnn([]bbox.Bbox{detA}))
	detB := box(0, 0, 10, 10, nil, 200_000_000, 3)
	require.NoError(t, a.updateDnn([]bbox.Bbox{detB}))

	farTrack := box(9000, 9000, 1, 1, u64p(99), 100_000_000, 0)
	require.NoError(t, a.updateTrack(0, 300_000_000, []bbox.Bbox{farTrack}))

	detC := box(1000, 1000, 1, 1, nil, 300_000_000, 5)
	require.NoError(t, a.updateDnn([]bbox.Bbox{detC}))

	require.NoError(t, a.terminate())

	rows := dataRows(stationaryBuf.String())
	require.Len(t, rows, 4, "start=0,end=200ms should expand to two 100ms windows of two samples each")
	for _, row := range rows {
		fields := strings.Split(row, ",")
		assert.Equal(t, "100", fields[5], "synthesized rows should carry the fresh track id past max_track_id: %q", row)
		assert.Equal(t, "3", fields[7], "synthesized rows keep the stationary object's observed class: %q", row)
	}
}
