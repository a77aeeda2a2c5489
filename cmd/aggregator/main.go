package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cova-project/analysisd/internal/aggregator"
	"github.com/cova-project/analysisd/internal/config"
	"github.com/cova-project/analysisd/internal/version"
)

var (
	numTracker       = flag.Uint("num-tracker", 1, "number of tracker shards (and DNN shards) to accept")
	movingIoU        = flag.Float64("moving-iou", 0.15, "minimum IoU for a detection to vote on a moving track's class")
	stationaryIoU    = flag.Float64("stationary-iou", 0.3, "minimum IoU for an unmatched detection to extend an existing stationary object")
	stationaryMaxAge = flag.Uint("stationary-maxage", 120, "seconds an unmatched detection run may go unextended before it is finalized as stationary")
	scaleFactor      = flag.Float64("scale-factor", 1.3, "factor a track's box is scaled by before matching against a detection")
	printVersion     = flag.Bool("version", false, "print version and exit")
)

// usage documents the three positional arguments flag.Args() expects
// after the named flags: output_dir, track_port, dnn_port.
const usage = "usage: aggregator [flags] <output_dir> <track_port> <dnn_port>"

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Printf("aggregator %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	args := flag.Args()
	if len(args) != 3 {
		fmt.Println(usage)
		os.Exit(2)
	}
	outputDir, trackPort, dnnPort := args[0], args[1], args[2]

	numTrackerU32 := uint32(*numTracker)
	cfg := config.AggregatorConfig{
		OutputDir:        outputDir,
		TrackPort:        trackPort,
		DnnPort:          dnnPort,
		NumTracker:       &numTrackerU32,
		MovingIoU:        movingIoU,
		StationaryIoU:    stationaryIoU,
		StationaryMaxAge: ptrUint32(uint32(*stationaryMaxAge)),
		ScaleFactor:      scaleFactor,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := aggregator.Run(ctx, cfg); err != nil {
		log.Fatalf("aggregator: %v", err)
	}
}

func ptrUint32(v uint32) *uint32 { return &v }
