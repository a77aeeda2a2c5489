package aggregator

import "github.com/cova-project/analysisd/internal/bbox"

// Message is the tagged union the track and DNN ingest workers send
// to the associator goroutine over one shared channel.
type Message interface {
	isMessage()
}

// FirstMessage reports the range_start a tracker shard assigned
// itself, as learned from its first frame. The associator collects
// one of these per tracker shard before it can build the
// range_start -> range_end mapping the rest of association depends
// on.
type FirstMessage struct {
	RangeStart uint64
}

func (FirstMessage) isMessage() {}

// TrackMessage carries one batch of dead tracks from a tracker shard,
// already reconciled to pixel coordinates and a global track ID.
type TrackMessage struct {
	Frame bbox.Frame
}

func (TrackMessage) isMessage() {}

// DnnMessage carries the zero or more detections parsed out of one
// read of a DNN shard's socket.
type DnnMessage struct {
	Bboxes []bbox.Bbox
}

func (DnnMessage) isMessage() {}
