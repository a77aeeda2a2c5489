package sorttrack

import (
	"github.com/cova-project/analysisd/internal/assign"
	"github.com/cova-project/analysisd/internal/bbox"
)

// Sort owns every track for one video stream: it predicts, matches,
// updates, spawns, and retires KalmanBoxTracker instances frame by
// frame, and hands back the tracks that just died so the caller can
// decide whether they're worth a selective decode.
type Sort struct {
	MaxAge     uint64
	MinHits    uint64
	IoUThresh  float32
	Trackers   []*Tracker
	frameCount uint64
	idCounter  uint64
}

// NewSort constructs a Sort engine with the given lifecycle tuning.
func NewSort(maxAge, minHits uint64, iouThreshold float32) *Sort {
	return &Sort{MaxAge: maxAge, MinHits: minHits, IoUThresh: iouThreshold}
}

// Update advances every track one frame against dets observed at pts,
// matching, updating, activating, and retiring as needed, and returns
// the tracks that died this frame (active ones only — a tentative
// track that never confirmed leaves no trace).
func (s *Sort) Update(dets []bbox.Bbox, pts uint64) []*Tracker {
	s.frameCount++

	preds := make([]bbox.Bbox, len(s.Trackers))
	for i, trk := range s.Trackers {
		preds[i] = *trk.Predict(pts)
	}

	candidates := make([]assign.Candidate, len(s.Trackers))
	for i, trk := range s.Trackers {
		candidates[i] = assign.Candidate{Box: preds[i], Active: trk.Active}
	}
	result := assign.Match(candidates, dets, s.IoUThresh)

	matchedDet := make([]int, len(s.Trackers))
	for i := range matchedDet {
		matchedDet[i] = -1
	}
	for _, m := range result.Matches {
		matchedDet[m.TrackIndex] = m.DetIndex
	}

	for i, trk := range s.Trackers {
		if di := matchedDet[i]; di >= 0 {
			d := dets[di]
			ts := pts
			d.Timestamp = &ts
			_ = trk.Update(&d)
		} else {
			_ = trk.Update(nil)
		}
	}

	for _, trk := range s.Trackers {
		trk.CheckActivate(s.MinHits)
	}

	var dead []*Tracker
	var alive []*Tracker
	for _, trk := range s.Trackers {
		if trk.ShouldLive(s.MaxAge) {
			alive = append(alive, trk)
			continue
		}
		if trk.Active {
			trk.TrimDeadHistory()
			dead = append(dead, trk)
		}
	}
	s.Trackers = alive

	for _, di := range result.UnmatchedDets {
		trk := NewTracker(s.idCounter, dets[di], pts)
		s.idCounter++
		s.Trackers = append(s.Trackers, trk)
	}

	return dead
}

// MarkSeen appends ts to every track's seen-timestamp list.
func (s *Sort) MarkSeen(ts uint64) {
	for _, trk := range s.Trackers {
		trk.SeenTS = append(trk.SeenTS, ts)
	}
}

// MarkActiveSeen appends ts to the seen-timestamp list of active
// tracks that already existed by ts.
func (s *Sort) MarkActiveSeen(ts uint64) {
	for _, trk := range s.Trackers {
		if trk.Active && trk.Start <= ts {
			trk.SeenTS = append(trk.SeenTS, ts)
		}
	}
}

// AnyValid reports whether any track is active.
func (s *Sort) AnyValid() bool {
	for _, trk := range s.Trackers {
		if trk.Active {
			return true
		}
	}
	return false
}

// Finalize drains every active track with enough history to be
// worth reporting, for use at stream end when nothing more will ever
// match them.
func (s *Sort) Finalize() []*Tracker {
	var final []*Tracker
	var remaining []*Tracker
	for _, trk := range s.Trackers {
		if trk.Active && len(trk.History) > int(s.MinHits) {
			final = append(final, trk)
		} else {
			remaining = append(remaining, trk)
		}
	}
	s.Trackers = remaining
	return final
}
