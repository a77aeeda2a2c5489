package decode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/decode"
	"github.com/cova-project/analysisd/internal/trackerclient"
)

func newScheduler(t *testing.T, cfg decode.Config) *decode.Scheduler {
	t.Helper()
	return decode.New(cfg, func() (*trackerclient.Tracker, error) {
		return trackerclient.New(cfg.MaxAge, cfg.MinHits, cfg.IoUThreshold, nil), nil
	})
}

// killTrack feeds a detection to spawn+confirm a track (min_hits=1, so
// one real match activates it), then a miss to let it age past
// max_age=1 and die, returning the PTS of the killing frame.
func killTrack(t *testing.T, s *decode.Scheduler, det bbox.Bbox) uint64 {
	t.Helper()
	_, err := s.OnMask([]bbox.Bbox{det}, 0)
	require.NoError(t, err)
	_, err = s.OnMask([]bbox.Bbox{det}, 1)
	require.NoError(t, err)
	flushed, err := s.OnMask(nil, 2)
	require.NoError(t, err)
	assert.Empty(t, flushed, "GoP is not finalized yet, so nothing droppable")
	return 2
}

func TestScheduler_DeadTrackSchedulesMinimalDecode(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, decode.Config{MaxAge: 1, MinHits: 1, IoUThreshold: 0.2, Alpha: 0, Beta: 1})

	s.OnEncoded(decode.EncodedFrame{PTS: 0, IsIDR: true})
	for pts := uint64(1); pts <= 5; pts++ {
		s.OnEncoded(decode.EncodedFrame{PTS: pts})
	}

	killTrack(t, s, bbox.New(0, 0, 4, 4))

	counts := s.Counts()
	assert.Equal(t, uint64(1), counts.DecodedInference)
	assert.Equal(t, uint64(0), counts.DecodedDependency)
	assert.Equal(t, uint64(0), counts.Dropped)
}

func TestScheduler_ExtraDecodeDistributesAcrossAlphaBeta(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, decode.Config{MaxAge: 1, MinHits: 1, IoUThreshold: 0.2, Alpha: 3, Beta: 2})

	s.OnEncoded(decode.EncodedFrame{PTS: 0, IsIDR: true})
	for pts := uint64(1); pts <= 6; pts++ {
		s.OnEncoded(decode.EncodedFrame{PTS: pts})
	}

	killTrack(t, s, bbox.New(0, 0, 4, 4))

	counts := s.Counts()
	assert.Equal(t, uint64(2), counts.DecodedInference)
	assert.Equal(t, uint64(2), counts.DecodedDependency)
}

func TestScheduler_DrainsDroppableGoPAfterWindow(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, decode.Config{MaxAge: 1, MinHits: 1, IoUThreshold: 0.2})

	s.OnEncoded(decode.EncodedFrame{PTS: 0, IsIDR: true})
	s.OnEncoded(decode.EncodedFrame{PTS: 1})
	s.OnEncoded(decode.EncodedFrame{PTS: 2})
	// Starting the next GoP finalizes the first one.
	const gopPTS = 1_000_000_000 / 30 * 250
	s.OnEncoded(decode.EncodedFrame{PTS: gopPTS + 1, IsIDR: true})

	flushed, err := s.OnMask(nil, gopPTS+2)
	require.NoError(t, err)
	assert.Empty(t, flushed, "nothing was ever promoted to out, so nothing to deliver")

	counts := s.Counts()
	assert.Equal(t, uint64(3), counts.Dropped)
}

func TestScheduler_OnEOSRequiresBothSides(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, decode.Config{MaxAge: 1, MinHits: 1, IoUThreshold: 0.2, Beta: 1})

	s.OnEncoded(decode.EncodedFrame{PTS: 0, IsIDR: true})
	s.OnEncoded(decode.EncodedFrame{PTS: 1})

	killTrack(t, s, bbox.New(0, 0, 4, 4))

	flushed, err := s.OnEOS(decode.MaskSide)
	require.NoError(t, err)
	assert.Nil(t, flushed, "only one side reported EOS so far")

	flushed, err = s.OnEOS(decode.EncSide)
	require.NoError(t, err)
	assert.Len(t, flushed, 1, "the IDR frame already promoted for the dead track should flush")

	counts := s.Counts()
	assert.Equal(t, uint64(1), counts.Dropped, "the one remaining delta frame is dropped")
}
