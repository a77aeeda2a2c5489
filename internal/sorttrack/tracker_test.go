package sorttrack_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/sorttrack"
)

func TestTracker_CreateAndUpdate(t *testing.T) {
	t.Parallel()
	initial := bbox.New(0, 0, 2, 2)
	trk := sorttrack.NewTracker(0, initial, 0)

	trk.Predict(0)
	next := bbox.New(1, 1, 2, 2)
	require.NoError(t, trk.Update(&next))

	assert.Len(t, trk.History, 1)
}

func TestTracker_UpdateWithoutPredictFails(t *testing.T) {
	t.Parallel()
	trk := sorttrack.NewTracker(0, bbox.New(0, 0, 2, 2), 0)
	det := bbox.New(0, 0, 2, 2)
	err := trk.Update(&det)
	assert.ErrorIs(t, err, sorttrack.ErrPredictNotCalled)
}

func TestTracker_MissResetsHitStreak(t *testing.T) {
	t.Parallel()
	trk := sorttrack.NewTracker(0, bbox.New(0, 0, 2, 2), 0)
	det := bbox.New(0, 0, 2, 2)

	trk.Predict(0)
	require.NoError(t, trk.Update(&det))
	assert.Equal(t, uint64(1), trk.HitStreaks)

	trk.Predict(1)
	require.NoError(t, trk.Update(nil))
	assert.Equal(t, uint64(0), trk.HitStreaks)
}

func TestTracker_CheckActivatePromotesOnMinHits(t *testing.T) {
	t.Parallel()
	trk := sorttrack.NewTracker(0, bbox.New(0, 0, 2, 2), 0)
	det := bbox.New(0, 0, 2, 2)

	for i := uint64(0); i < 3; i++ {
		trk.Predict(i)
		require.NoError(t, trk.Update(&det))
		trk.CheckActivate(3)
	}
	assert.True(t, trk.Active)
}

func TestTracker_ShouldLiveTracksTimeSinceUpdate(t *testing.T) {
	t.Parallel()
	trk := sorttrack.NewTracker(0, bbox.New(0, 0, 2, 2), 0)
	det := bbox.New(0, 0, 2, 2)

	trk.Predict(0)
	require.NoError(t, trk.Update(&det))
	assert.True(t, trk.ShouldLive(2))

	trk.Predict(1)
	require.NoError(t, trk.Update(nil))
	trk.Predict(2)
	require.NoError(t, trk.Update(nil))
	trk.Predict(3)
	require.NoError(t, trk.Update(nil))
	assert.False(t, trk.ShouldLive(2))
}

func TestTracker_IsSeenWithinWindow(t *testing.T) {
	t.Parallel()
	trk := sorttrack.NewTracker(0, bbox.New(0, 0, 2, 2), 10)
	trk.LastMatch = 20

	trk.SeenTS = []uint64{5, 15, 25}
	assert.True(t, trk.IsSeen(), "15 falls within [10, 20]")

	trk2 := sorttrack.NewTracker(0, bbox.New(0, 0, 2, 2), 10)
	trk2.LastMatch = 20
	trk2.SeenTS = []uint64{5, 25}
	assert.False(t, trk2.IsSeen())
}

func TestTracker_TrimDeadHistoryDropsExtrapolatedTail(t *testing.T) {
	t.Parallel()
	trk := sorttrack.NewTracker(0, bbox.New(0, 0, 2, 2), 0)
	det := bbox.New(0, 0, 2, 2)

	// Five matched frames: the fifth brings the hit streak to 5, which
	// resets time_since_update to 0.
	for i := uint64(0); i < 5; i++ {
		trk.Predict(i)
		require.NoError(t, trk.Update(&det))
	}
	// Two coasted frames with no match.
	trk.Predict(5)
	require.NoError(t, trk.Update(nil))
	trk.Predict(6)
	require.NoError(t, trk.Update(nil))

	require.Len(t, trk.History, 7)
	trk.TrimDeadHistory()
	assert.Len(t, trk.History, 5)
}
