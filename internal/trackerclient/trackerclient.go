// Package trackerclient wraps a sorttrack.Sort instance for one video
// stream: it feeds the decode scheduler's PTS-driven updates into the
// tracker, and ships every track that dies to the aggregator over a
// length-prefixed TCP connection.
package trackerclient

import (
	"bufio"
	"io"
	"net"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/sorttrack"
)

// Tracker wraps a Sort engine with shard identity and an optional
// outbound connection to the aggregator. A nil conn is a valid,
// socket-less configuration (used in tests and for local-only runs).
type Tracker struct {
	sort       *sorttrack.Sort
	out        *bufio.Writer
	conn       io.Closer
	rangeStart *uint64
}

// New constructs a Tracker around a fresh Sort engine. conn may be nil
// to run without shipping anything over the wire.
func New(maxAge, minHits uint64, iouThreshold float32, conn net.Conn) *Tracker {
	t := &Tracker{sort: sorttrack.NewSort(maxAge, minHits, iouThreshold)}
	if conn != nil {
		t.conn = conn
		t.out = bufio.NewWriter(conn)
	}
	return t
}

// Update feeds one frame of detections into the tracker and ships any
// tracks that died this frame to the aggregator. It returns the
// decode-scheduler's "min required" PTS: the latest start timestamp
// among this frame's dead tracks that were never actually decoded, or
// nil if every dead track was already seen (decoded).
//
// The "latest, not earliest" choice matches the tracker's dead-track
// survivor set: a track that started more recently has a tighter GoP
// constraint (less needs decoding to recover it) than one that
// started long ago, so picking the max start gives the cheapest
// sufficient decode window.
func (t *Tracker) Update(dets []bbox.Bbox, pts uint64) (*uint64, error) {
	if t.rangeStart == nil {
		rs := pts
		t.rangeStart = &rs
	}

	dead := t.sort.Update(dets, pts)

	var minRequired *uint64
	for _, trk := range dead {
		if trk.IsSeen() {
			continue
		}
		start := trk.Start
		if minRequired == nil || start > *minRequired {
			minRequired = &start
		}
	}

	if err := t.ship(dead); err != nil {
		return minRequired, err
	}

	return minRequired, nil
}

// Seen marks ts as decoded across every live track, so a track that
// is later found dead without ever crossing the decoder isn't
// double-counted as still needing decode.
func (t *Tracker) Seen(ts uint64) {
	t.sort.MarkSeen(ts)
}

// OldestTimestamp returns the earliest start time among currently
// live tracks, or the maximum uint64 if there are none. This mirrors
// the wire Frame's "oldest" field: the earliest point the aggregator
// might still need from this shard.
func (t *Tracker) OldestTimestamp() uint64 {
	oldest := uint64(1<<64 - 1)
	for _, trk := range t.sort.Trackers {
		if trk.Start < oldest {
			oldest = trk.Start
		}
	}
	return oldest
}

// Flush drains every remaining active track (stream end: nothing more
// will ever match them), ships them, and closes the connection.
func (t *Tracker) Flush() error {
	final := t.sort.Finalize()
	if err := t.ship(final); err != nil {
		return err
	}
	if t.out != nil {
		if err := t.out.Flush(); err != nil {
			return err
		}
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *Tracker) ship(dead []*sorttrack.Tracker) error {
	if len(dead) == 0 || t.out == nil {
		return nil
	}

	// Scaling from macroblock to pixel coordinates and disambiguating
	// track IDs across shards both happen on the aggregator's ingest
	// side, once range_start is known to it too — shipping raw here
	// keeps this process's view of its own tracks self-consistent.
	oldest := t.OldestTimestamp()
	for _, trk := range dead {
		boxes := make([]bbox.Bbox, len(trk.History))
		for i, b := range trk.History {
			boxes[i] = b.Clone()
		}
		frame := bbox.Frame{RangeStart: *t.rangeStart, Oldest: oldest, Bboxes: boxes}
		if err := bbox.WriteFrame(t.out, frame); err != nil {
			return err
		}
	}
	return t.out.Flush()
}
