// Package aggregator ingests dead tracks (binary TCP, one connection
// per tracker shard) and detections (newline/comma-delimited text
// TCP, one connection per DNN shard), associates them, and writes the
// four CSV outputs: track.csv, dnn.csv, assoc.csv, stationary.csv.
package aggregator

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cova-project/analysisd/internal/config"
	"github.com/cova-project/analysisd/internal/monitoring"
)

// msgBuffer bounds the channel between the ingest workers and the
// associator goroutine. The original sized this channel in bytes (10
// MiB); there is no equivalent byte-budget for a channel of Go
// values, so this is sized in elements instead, generously above any
// burst the ingest workers can produce between associator turns.
const msgBuffer = 1 << 16

const (
	trackCSVName      = "track.csv"
	dnnCSVName        = "dnn.csv"
	assocCSVName      = "assoc.csv"
	stationaryCSVName = "stationary.csv"
)

// Run starts the track and DNN ingest servers and the associator, and
// blocks until all shards have disconnected and every output has been
// flushed, or ctx is canceled.
func Run(ctx context.Context, cfg config.AggregatorConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	numTracker := int(cfg.GetNumTracker())
	barrier := NewBarrier(numTracker*2 + 1)
	msgs := make(chan Message, msgBuffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ig, _ := errgroup.WithContext(gctx)
		ig.Go(func() error { return serveTrack(gctx, cfg.TrackPort, numTracker, msgs, barrier) })
		ig.Go(func() error { return serveDNN(gctx, cfg.DnnPort, numTracker, msgs, barrier) })
		err := ig.Wait()
		close(msgs)
		return err
	})

	g.Go(func() error {
		return runAssociator(cfg, msgs, barrier)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}
	monitoring.Logf("[aggregator] exit")
	return nil
}

// runAssociator drives the associator from the shared message
// channel: it gathers every shard's range_start, releases the ingest
// workers' barrier exactly once, dispatches every subsequent message
// by type, and finalizes everything once the channel closes.
func runAssociator(cfg config.AggregatorConfig, msgs <-chan Message, barrier *Barrier) error {
	trackFile, err := createOutput(cfg.OutputDir, trackCSVName)
	if err != nil {
		return err
	}
	defer trackFile.Close()

	dnnFile, err := createOutput(cfg.OutputDir, dnnCSVName)
	if err != nil {
		return err
	}
	defer dnnFile.Close()

	assocFile, err := createOutput(cfg.OutputDir, assocCSVName)
	if err != nil {
		return err
	}
	defer assocFile.Close()

	stationaryFile, err := createOutput(cfg.OutputDir, stationaryCSVName)
	if err != nil {
		return err
	}
	defer stationaryFile.Close()

	assoc := newAssociator(trackFile, dnnFile, assocFile, stationaryFile, cfg)

	numTracker := int(cfg.GetNumTracker())
	var rangeStarts []uint64
	barrierReleased := false

	for msg := range msgs {
		switch m := msg.(type) {
		case FirstMessage:
			rangeStarts = append(rangeStarts, m.RangeStart)
			if len(rangeStarts) == numTracker && !barrierReleased {
				sort.Slice(rangeStarts, func(i, j int) bool { return rangeStarts[i] < rangeStarts[j] })
				rangeStarts = append(rangeStarts, math.MaxUint64)
				for i := 0; i < len(rangeStarts)-1; i++ {
					assoc.trackerRange[rangeStarts[i]] = rangeStarts[i+1]
				}
				barrierReleased = true
				barrier.Wait()
			}
		case DnnMessage:
			if err := assoc.updateDnn(m.Bboxes); err != nil {
				return fmt.Errorf("associator: %w", err)
			}
		case TrackMessage:
			if err := assoc.updateTrack(m.Frame.RangeStart, m.Frame.Oldest, m.Frame.Bboxes); err != nil {
				return fmt.Errorf("associator: %w", err)
			}
		default:
			return fmt.Errorf("%w: unknown message type %T", ErrInvariant, msg)
		}
	}

	if err := assoc.terminate(); err != nil {
		return fmt.Errorf("associator: terminate: %w", err)
	}
	return nil
}

func createOutput(dir, name string) (*os.File, error) {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return f, nil
}
