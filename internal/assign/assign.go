package assign

import "github.com/cova-project/analysisd/internal/bbox"

// Candidate is one tracked box offered up for matching against a frame
// of detections. Active carries a lower match cost than tentative, so
// an ambiguous detection prefers to extend an already-confirmed track
// over spawning competition for a track that hasn't proven itself yet.
type Candidate struct {
	Box    bbox.Bbox
	Active bool
}

// Pairing is one successful track<->detection pairing, plus the two
// indices it was found at.
type Pairing struct {
	TrackIndex int
	DetIndex   int
	IoU        float32
}

// Result is the outcome of matching a set of tracked boxes against a
// set of detections: every detection lands in exactly one of Matches,
// UnmatchedTracks, or UnmatchedDets.
type Result struct {
	Matches         []Pairing
	UnmatchedTracks []int
	UnmatchedDets   []int
}

// activeWeight and tentativeWeight bias the cost matrix so that, cost
// being otherwise equal, a detection prefers an active track over a
// tentative one.
const (
	activeWeight    = 1.0
	tentativeWeight = 2.0
)

// Match solves the assignment problem between tracks and dets by IoU,
// then discards any pairing whose IoU falls below iouThreshold.
//
// The cost of pairing track i with detection j is weight(i) - IoU(i,
// j), where weight is lower for active tracks than tentative ones.
// This biases the solver toward giving a contested detection to an
// already-confirmed track, without changing the survival threshold:
// weight cancels out of the per-row cutoff, so every surviving pair
// has IoU(i,j) >= iouThreshold regardless of track state.
func Match(tracks []Candidate, dets []bbox.Bbox, iouThreshold float32) Result {
	var res Result

	if len(tracks) == 0 {
		res.UnmatchedDets = sequence(len(dets))
		return res
	}
	if len(dets) == 0 {
		res.UnmatchedTracks = sequence(len(tracks))
		return res
	}

	cost := make([][]float64, len(tracks))
	iou := make([][]float32, len(tracks))
	for i, trk := range tracks {
		cost[i] = make([]float64, len(dets))
		iou[i] = make([]float32, len(dets))
		weight := float32(activeWeight)
		if !trk.Active {
			weight = tentativeWeight
		}
		for j, det := range dets {
			v := trk.Box.IoU(det)
			iou[i][j] = v
			cost[i][j] = float64(weight - v)
		}
	}

	assignment := solve(cost)

	matchedTrack := make([]bool, len(tracks))
	matchedDet := make([]bool, len(dets))

	for i, j := range assignment {
		if j < 0 {
			continue
		}
		if iou[i][j] < iouThreshold {
			continue
		}
		matchedTrack[i] = true
		matchedDet[j] = true
		res.Matches = append(res.Matches, Pairing{TrackIndex: i, DetIndex: j, IoU: iou[i][j]})
	}

	for i, ok := range matchedTrack {
		if !ok {
			res.UnmatchedTracks = append(res.UnmatchedTracks, i)
		}
	}
	for j, ok := range matchedDet {
		if !ok {
			res.UnmatchedDets = append(res.UnmatchedDets, j)
		}
	}

	return res
}

func sequence(n int) []int {
	if n == 0 {
		return nil
	}
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
