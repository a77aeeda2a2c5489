package aggregator

import "errors"

// ErrProtocol marks a malformed wire message: a bad DNN text line, a
// length-prefix/Frame decode failure. It is connection-scoped — the
// owning ingest worker closes its connection and returns it; the other
// shards' workers keep running.
var ErrProtocol = errors.New("aggregator: protocol error")

// ErrInvariant marks a violation of an assumption the wire format
// guarantees when the producer is behaving correctly (a dead-track
// bbox missing its track_id, a track with no bbox at a detection's
// timestamp, a track batch reporting a range_start the associator never
// registered). It indicates a producer bug and is fatal to whichever
// goroutine observes it.
var ErrInvariant = errors.New("aggregator: invariant violated")
