package aggregator

import (
	"fmt"
	"io"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/config"
)

// nsPerSecond converts the stationary-maxage flag (seconds) to the
// nanosecond PTS unit every timestamp in this package is expressed in.
const nsPerSecond = 1_000_000_000

// stationaryTimestep/stationaryTimestep3 reproduce the two-sample-
// per-window expansion a finalized stationary object is written out
// as: one pair of samples every stationaryTimestep3 nanoseconds,
// stationaryTimestep apart within the pair.
const (
	stationaryTimestep  = 33_333_333
	stationaryTimestep3 = 100_000_000
)

// trackBatch is one tracker shard's dead-track report, held onto
// until finalizeTrk decides it's safe to write out.
type trackBatch struct {
	rangeStart, rangeEnd uint64
	boxes                []bbox.Bbox
}

// pendingDetection is one DNN detection still waiting to either match
// a track or be finalized into a stationary-object candidate.
type pendingDetection struct {
	matched bool
	box     bbox.Bbox
}

// stationaryObject accumulates a run of unmatched detections at
// (roughly) the same location and class into a single long-lived
// object, synthesized into sparse CSV rows once no longer updated.
type stationaryObject struct {
	rangeStart, rangeEnd uint64
	start, end           uint64
	box                  bbox.Bbox
	trackID              *uint64
	classID              uint32
}

func newStationaryObject(rangeStart, rangeEnd uint64, b bbox.Bbox) stationaryObject {
	return stationaryObject{
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		start:      *b.Timestamp,
		end:        *b.Timestamp,
		classID:    *b.ClassID,
		box:        b,
	}
}

func (s *stationaryObject) extend(b bbox.Bbox) {
	s.end = *b.Timestamp
}

// toRows expands one stationary object into the sparse sample rows it
// is written as: two samples (stationaryTimestep apart) every
// stationaryTimestep3 across its observed lifetime.
func (s *stationaryObject) toRows() []bbox.Bbox {
	var rows []bbox.Bbox
	for ts := s.start; ts < s.end; ts += stationaryTimestep3 {
		for i := uint64(0); i < 2; i++ {
			stamp := ts + i*stationaryTimestep
			row := s.box.Clone()
			row.Timestamp = &stamp
			row.TrackID = s.trackID
			rows = append(rows, row)
		}
	}
	return rows
}

// associator holds all cross-shard state: the pending track/detection
// windows awaiting finalization, the class-vote tally per track, and
// the four CSV sinks.
type associator struct {
	trackerRange map[uint64]uint64

	trackWriter      *bbox.CSVWriter
	dnnWriter        *bbox.CSVWriter
	assocWriter      *bbox.CSVWriter
	stationaryWriter *bbox.CSVWriter

	tracks              []trackBatch
	dnns                []pendingDetection
	stationary          []stationaryObject
	finalizedStationary []stationaryObject

	track2class map[uint64][]uint32

	movingIoU        float32
	stationaryIoU    float32
	stationaryMaxAge uint64
	maxTrackID       uint64
	scaleFactor      float32
}

func newAssociator(trackW, dnnW, assocW, stationaryW io.Writer, cfg config.AggregatorConfig) *associator {
	return &associator{
		trackerRange:     make(map[uint64]uint64),
		trackWriter:      bbox.NewCSVWriter(trackW),
		dnnWriter:        bbox.NewCSVWriter(dnnW),
		assocWriter:      bbox.NewCSVWriter(assocW),
		stationaryWriter: bbox.NewCSVWriter(stationaryW),
		track2class:      make(map[uint64][]uint32),
		movingIoU:        float32(cfg.GetMovingIoU()),
		stationaryIoU:    float32(cfg.GetStationaryIoU()),
		stationaryMaxAge: uint64(cfg.GetStationaryMaxAge()) * nsPerSecond,
		scaleFactor:      float32(cfg.GetScaleFactor()),
	}
}

// votedClasses applies the class-voting policy to one track's
// accumulated class observations: the most frequent class always
// wins; if it was observed more than once, every other class observed
// at least twice rides along; otherwise (every class tied at one
// vote) every observed class rides along. Ties for "most frequent"
// break arbitrarily, mirroring the unordered hash-map iteration the
// policy was ported from.
func votedClasses(classIDs []uint32) []uint32 {
	if len(classIDs) == 0 {
		return nil
	}

	count := make(map[uint32]int, len(classIDs))
	for _, c := range classIDs {
		count[c]++
	}

	var topClass uint32
	topFreq := -1
	for c, freq := range count {
		if freq >= topFreq {
			topClass, topFreq = c, freq
		}
	}
	delete(count, topClass)

	result := []uint32{topClass}
	if topFreq != 1 {
		for c, freq := range count {
			if freq >= 2 {
				result = append(result, c)
			}
		}
	} else {
		for c := range count {
			result = append(result, c)
		}
	}
	return result
}

func findByTimestamp(boxes []bbox.Bbox, ts uint64) (bbox.Bbox, bool) {
	for _, b := range boxes {
		if b.Timestamp != nil && *b.Timestamp == ts {
			return b, true
		}
	}
	return bbox.Bbox{}, false
}

// finalizeTrk writes out (and drops from the pending set) every track
// batch whose shard range has already produced a detection at
// timestamp and whose own last frame is older than timestamp — it
// cannot possibly gain any more class votes from future detections in
// that range.
func (a *associator) finalizeTrk(timestamp uint64) error {
	kept := a.tracks[:0]
	for _, t := range a.tracks {
		last := t.boxes[len(t.boxes)-1]
		if t.rangeStart <= timestamp && timestamp < t.rangeEnd && *last.Timestamp < timestamp {
			if err := a.writeFinalizedTrack(t); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, t)
	}
	a.tracks = kept
	return nil
}

func (a *associator) writeFinalizedTrack(t trackBatch) error {
	trkID := *t.boxes[0].TrackID
	classIDs := votedClasses(a.track2class[trkID])
	delete(a.track2class, trkID)

	for _, classID := range classIDs {
		cid := classID
		for _, b := range t.boxes {
			row := b.Clone()
			row.ClassID = &cid
			if err := a.assocWriter.WriteRow(row); err != nil {
				return fmt.Errorf("write assoc.csv row: %w", err)
			}
		}
	}
	return nil
}

// finalizeDnn moves every pending detection from [rangeStart,
// rangeEnd) older than timestamp out of the pending set: matched ones
// are simply dropped (their vote was already recorded), unmatched
// ones become (or extend) a stationary-object candidate.
func (a *associator) finalizeDnn(rangeStart, rangeEnd, timestamp uint64) {
	kept := a.dnns[:0]
	for _, d := range a.dnns {
		ts := *d.box.Timestamp
		if rangeStart <= ts && ts < rangeEnd && ts < timestamp {
			if !d.matched {
				a.considerStationary(rangeStart, rangeEnd, d.box)
			}
			continue
		}
		kept = append(kept, d)
	}
	a.dnns = kept
}

func (a *associator) considerStationary(rangeStart, rangeEnd uint64, b bbox.Bbox) {
	best := -1
	var bestIoU float32 = -1
	for i := range a.stationary {
		s := &a.stationary[i]
		if s.rangeStart != rangeStart || s.classID != *b.ClassID {
			continue
		}
		iou := s.box.IoU(b)
		if iou < a.stationaryIoU {
			continue
		}
		if iou >= bestIoU {
			bestIoU = iou
			best = i
		}
	}

	if best >= 0 {
		a.stationary[best].extend(b)
		return
	}
	a.stationary = append(a.stationary, newStationaryObject(rangeStart, rangeEnd, b))
}

// finalizeStationary moves every stationary candidate that hasn't
// been extended in stationaryMaxAge into finalizedStationary, ready
// for terminate to write out.
func (a *associator) finalizeStationary(dnnTimestamp uint64) {
	kept := a.stationary[:0]
	for _, s := range a.stationary {
		if s.rangeStart <= dnnTimestamp && dnnTimestamp < s.rangeEnd && a.stationaryMaxAge+s.end < dnnTimestamp {
			// This guard compares the shard's range bounds fixed at
			// construction; it is not a count of observations.
			if s.rangeStart != s.rangeEnd {
				a.finalizedStationary = append(a.finalizedStationary, s)
			}
			continue
		}
		kept = append(kept, s)
	}
	a.stationary = kept
}

func (a *associator) updateMaxTrackID(track []bbox.Bbox) {
	id := *track[0].TrackID
	if id > a.maxTrackID {
		a.maxTrackID = id
	}
}

// updateDnn ingests one batch of DNN detections: first it finalizes
// anything aged out as of each distinct detection timestamp in the
// batch, then writes every detection to dnn.csv and tries to match it
// against a pending track batch covering its timestamp.
func (a *associator) updateDnn(dnnBboxes []bbox.Bbox) error {
	seen := make(map[uint64]bool, len(dnnBboxes))
	var timestamps []uint64
	for _, b := range dnnBboxes {
		ts := *b.Timestamp
		if !seen[ts] {
			seen[ts] = true
			timestamps = append(timestamps, ts)
		}
	}
	for _, ts := range timestamps {
		a.finalizeStationary(ts)
		if err := a.finalizeTrk(ts); err != nil {
			return err
		}
	}

	for _, dnnBbox := range dnnBboxes {
		dnnTimestamp := *dnnBbox.Timestamp

		if err := a.dnnWriter.WriteRow(dnnBbox); err != nil {
			return fmt.Errorf("write dnn.csv row: %w", err)
		}

		matched := false
		for _, t := range a.tracks {
			if !(t.rangeStart <= dnnTimestamp && dnnTimestamp < t.rangeEnd) {
				continue
			}
			if !(t.boxes[0].Timestamp != nil && *t.boxes[0].Timestamp <= dnnTimestamp) {
				continue
			}

			trkBbox, ok := findByTimestamp(t.boxes, dnnTimestamp)
			if !ok {
				return fmt.Errorf("%w: no track bbox at dnn timestamp %d despite finalize_trk", ErrInvariant, dnnTimestamp)
			}

			scaled := trkBbox.Clone()
			scaled.Scale(a.scaleFactor)
			iou := scaled.IoU(dnnBbox)
			trkID := *scaled.TrackID
			if iou >= a.movingIoU {
				classID := *dnnBbox.ClassID
				a.track2class[trkID] = append(a.track2class[trkID], classID)
				matched = true
			}
		}

		a.dnns = append(a.dnns, pendingDetection{matched: matched, box: dnnBbox})
	}
	return nil
}

// updateTrack ingests one tracker shard's dead-track batch: writes it
// to track.csv, tries to match every pending detection that falls
// within the batch's timestamp span, then holds the batch pending
// until finalizeTrk (triggered by a later detection) releases it.
func (a *associator) updateTrack(rangeStart, oldest uint64, trk []bbox.Bbox) error {
	rangeEnd, ok := a.trackerRange[rangeStart]
	if !ok {
		return fmt.Errorf("%w: track batch from unregistered range_start %d", ErrInvariant, rangeStart)
	}

	for _, b := range trk {
		if err := a.trackWriter.WriteRow(b); err != nil {
			return fmt.Errorf("write track.csv row: %w", err)
		}
	}

	a.updateMaxTrackID(trk)

	startTimestamp := *trk[0].Timestamp
	endTimestamp := *trk[len(trk)-1].Timestamp

	for i := range a.dnns {
		d := &a.dnns[i]
		dnnTimestamp := *d.box.Timestamp
		if !(startTimestamp <= dnnTimestamp && dnnTimestamp <= endTimestamp) {
			continue
		}

		trkBbox, ok := findByTimestamp(trk, dnnTimestamp)
		if !ok {
			return fmt.Errorf("%w: no track bbox at dnn timestamp %d within its own span", ErrInvariant, dnnTimestamp)
		}

		scaled := trkBbox.Clone()
		scaled.Scale(a.scaleFactor)
		iou := scaled.IoU(d.box)
		trkID := *scaled.TrackID
		if iou > a.movingIoU {
			classID := *d.box.ClassID
			a.track2class[trkID] = append(a.track2class[trkID], classID)
			d.matched = true
		}
	}

	a.tracks = append(a.tracks, trackBatch{rangeStart: rangeStart, rangeEnd: rangeEnd, boxes: trk})
	a.finalizeDnn(rangeStart, rangeEnd, oldest)
	return nil
}

// terminate runs when the ingest channel closes: every shard range is
// finalized as of its own end, every finalized stationary object is
// assigned a fresh track ID past the highest one ever seen and
// written out, and all four CSV sinks are flushed.
func (a *associator) terminate() error {
	type span struct{ start, end uint64 }
	var ranges []span
	for start, end := range a.trackerRange {
		ranges = append(ranges, span{start, end})
	}

	for _, r := range ranges {
		if err := a.finalizeTrk(r.end); err != nil {
			return err
		}
		a.finalizeDnn(r.start, r.end, r.end)
		a.finalizeStationary(r.end)
	}

	nextTrackID := a.maxTrackID + 1
	for i := range a.finalizedStationary {
		s := &a.finalizedStationary[i]
		id := nextTrackID
		s.trackID = &id
		nextTrackID++

		for _, row := range s.toRows() {
			if err := a.stationaryWriter.WriteRow(row); err != nil {
				return fmt.Errorf("write stationary.csv row: %w", err)
			}
		}
	}

	if err := a.trackWriter.Flush(); err != nil {
		return fmt.Errorf("flush track.csv: %w", err)
	}
	if err := a.dnnWriter.Flush(); err != nil {
		return fmt.Errorf("flush dnn.csv: %w", err)
	}
	if err := a.assocWriter.Flush(); err != nil {
		return fmt.Errorf("flush assoc.csv: %w", err)
	}
	if err := a.stationaryWriter.Flush(); err != nil {
		return fmt.Errorf("flush stationary.csv: %w", err)
	}
	return nil
}
