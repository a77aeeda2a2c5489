package sorttrack

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/cova-project/analysisd/internal/bbox"
)

// ErrPredictNotCalled is returned by Update when Predict was not
// called first in the current frame — a programmer error in the
// caller's update loop, not a data problem.
var ErrPredictNotCalled = errors.New("sorttrack: predict must be called before update")

// hitStreakActivateDelay is the number of consecutive matched frames
// after which a track's last-match timestamp starts tracking its
// most recent detection instead of staying pinned to track start.
// Chosen to require a short run of stable hits before trusting a
// track's freshness, rather than any single lucky match.
const hitStreakActivateDelay = 5

// Tracker is a single object's Kalman filter plus its SORT lifecycle
// bookkeeping: hit/miss counters, active/tentative state, and the
// bbox history needed to answer "what did this track look like at
// time T" and to ship its dead-track trail to the aggregator.
type Tracker struct {
	ID        uint64
	Start     uint64
	SeenTS    []uint64
	LastMatch uint64
	Active    bool

	History []bbox.Bbox

	hits            uint64
	timeSinceUpdate uint64
	HitStreaks      uint64
	age             uint64

	previous estimate
	prior    *estimate
}

// NewTracker starts a fresh track from a detection at time start.
func NewTracker(id uint64, initial bbox.Bbox, start uint64) *Tracker {
	z := initial.ToZ()
	state := mat.NewVecDense(stateDim, []float64{z[0], z[1], z[2], z[3], 0, 0, 0})

	return &Tracker{
		ID:        id,
		Start:     start,
		LastMatch: start,
		Active:    false,
		previous:  estimate{state: state, cov: initialCovariance()},
	}
}

// Predict advances the track's Kalman estimate to ts, appends the
// predicted bbox to history, and returns it.
func (t *Tracker) Predict(ts uint64) *bbox.Bbox {
	state := t.previous.state

	// If area plus its velocity would go non-positive, zero the
	// velocity rather than let the next predict step drive area
	// negative — area has no physical meaning below zero.
	if state.AtVec(6)+state.AtVec(2) <= 0 {
		state.SetVec(6, 0)
	}

	prior := kalmanPredict(t.previous)

	predicted := bbox.FromX(prior.state.RawVector().Data)
	id := t.ID
	predicted.TrackID = &id
	tsCopy := ts
	predicted.Timestamp = &tsCopy

	t.prior = &prior
	t.age++
	t.timeSinceUpdate++
	t.History = append(t.History, predicted)

	return &t.History[len(t.History)-1]
}

// Update folds a matched detection into the track, or — if det is
// nil — records a miss by resetting the hit streak. Predict must have
// been called first in this frame.
func (t *Tracker) Update(det *bbox.Bbox) error {
	if det == nil {
		t.HitStreaks = 0
		return nil
	}
	if t.prior == nil {
		return ErrPredictNotCalled
	}

	t.hits++
	t.HitStreaks++
	if t.HitStreaks >= hitStreakActivateDelay {
		t.timeSinceUpdate = 0
		if det.Timestamp != nil {
			t.LastMatch = *det.Timestamp
		}
	}

	z := det.ToZ()
	observation := mat.NewVecDense(obsDim, z[:])
	t.previous = kalmanUpdate(*t.prior, observation)

	last := &t.History[len(t.History)-1]
	last.ClassID = det.ClassID
	last.Confidence = det.Confidence

	return nil
}

// ShouldLive reports whether the track is still within maxAge frames
// of its last real update.
func (t *Tracker) ShouldLive(maxAge uint64) bool {
	return t.timeSinceUpdate <= maxAge
}

// CheckActivate promotes the track to active once its current hit
// streak reaches minHits.
func (t *Tracker) CheckActivate(minHits uint64) {
	if !t.Active && t.HitStreaks >= minHits {
		t.Active = true
	}
}

// LocationAt returns the history entry recorded at timestamp ts, if
// any.
func (t *Tracker) LocationAt(ts uint64) *bbox.Bbox {
	for i := range t.History {
		if t.History[i].Timestamp != nil && *t.History[i].Timestamp == ts {
			return &t.History[i]
		}
	}
	return nil
}

// IsSeen reports whether any seen-mark timestamp falls within
// [Start, LastMatch].
func (t *Tracker) IsSeen() bool {
	for _, ts := range t.SeenTS {
		if t.Start <= ts && ts <= t.LastMatch {
			return true
		}
	}
	return false
}

// TrimDeadHistory drops the trailing history entries that were
// predicted after the last real detection, so a dying track's
// shipped trail doesn't end in pure Kalman extrapolation.
func (t *Tracker) TrimDeadHistory() {
	keep := uint64(len(t.History)) - t.timeSinceUpdate
	if keep > uint64(len(t.History)) {
		keep = 0
	}
	t.History = t.History[:keep]
}

// GetState returns the track's current (unpredicted) state as a bbox,
// with no timestamp or class attached.
func (t *Tracker) GetState() bbox.Bbox {
	return bbox.FromX(t.previous.state.RawVector().Data)
}
