package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/monitoring"
)

// serveTrack opens the track port, accepts exactly numTracker shard
// connections, and runs one worker per connection until all of them
// finish.
func serveTrack(ctx context.Context, port string, numTracker int, msgs chan<- Message, barrier *Barrier) error {
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		return fmt.Errorf("track server: listen on %s: %w", port, err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	g := new(errgroup.Group)
	for i := 0; i < numTracker; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("track server: accept shard %d/%d: %w", i+1, numTracker, err)
		}
		connID := uuid.NewString()
		g.Go(func() error { return trackWorker(conn, msgs, barrier, connID) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	monitoring.Logf("[track] exit")
	return nil
}

// trackWorker reads length-prefixed Frames from one shard connection.
// On the shard's first frame it reports the shard's range_start to
// the associator and waits at the barrier, so every shard's range is
// known before any shard's dead tracks are processed. Every frame
// (including the first) then has its bboxes converted from macroblock
// to pixel coordinates and its track IDs disambiguated by range_start
// before being forwarded.
func trackWorker(conn net.Conn, msgs chan<- Message, barrier *Barrier, connID string) error {
	defer conn.Close()

	first := true
	for {
		frame, err := bbox.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				monitoring.Logf("[track %s] eof received", connID)
				return nil
			}
			return fmt.Errorf("%w: track %s: %v", ErrProtocol, connID, err)
		}

		if first {
			msgs <- FirstMessage{RangeStart: frame.RangeStart}
			monitoring.Logf("[track %s] waiting first barrier", connID)
			barrier.Wait()
			first = false
		}

		for i := range frame.Bboxes {
			b := &frame.Bboxes[i]
			b.ScaleDim(16)
			if b.TrackID == nil {
				return fmt.Errorf("%w: track %s: dead-track bbox missing track_id", ErrInvariant, connID)
			}
			*b.TrackID += frame.RangeStart
		}
		msgs <- TrackMessage{Frame: frame}
	}
}
