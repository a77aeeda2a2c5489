package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/monitoring"
)

// dnnReadBufferSize is the fixed read size per socket read; a single
// read may end mid-line, in which case the trailing partial line is
// retained and prefixed onto the next read.
const dnnReadBufferSize = 10000

// serveDNN opens the DNN port, accepts exactly numTracker shard
// connections (one DNN shard per tracker shard), and runs one worker
// per connection until all of them finish.
func serveDNN(ctx context.Context, port string, numTracker int, msgs chan<- Message, barrier *Barrier) error {
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		return fmt.Errorf("dnn server: listen on %s: %w", port, err)
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
			return fmt.Errorf("dnn server: accept shard %d/%d: %w", i+1, numTracker, err)
		}
		connID := uuid.NewString()
		g.Go(func() error { return dnnWorker(conn, msgs, barrier, connID) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	monitoring.Logf("[dnn] exit")
	return nil
}

// dnnWorker waits at the barrier unconditionally before its first
// read (DNN shards carry no range_start of their own to report), then
// parses comma-separated detection lines out of a fixed-size read
// buffer. A read may end mid-line: the partial (or otherwise
// malformed) trailing line is retained as the prefix of the next
// read rather than processed, matching the accumulate-then-split
// behavior of the original reference parser.
func dnnWorker(conn net.Conn, msgs chan<- Message, barrier *Barrier, connID string) error {
	defer conn.Close()

	monitoring.Logf("[dnn %s] waiting first barrier", connID)
	barrier.Wait()

	var remain string
	buf := make([]byte, dnnReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: dnn %s: %v", ErrProtocol, connID, err)
			}
			return nil
		}
		remain += string(buf[:n])

		var bboxes []bbox.Bbox
		lines := strings.Split(remain, "\n")
		// Whatever follows the last newline is an unterminated record.
		remain = lines[len(lines)-1]
		for _, line := range lines[:len(lines)-1] {
			fields := strings.Split(line, ",")
			if len(fields) != 6 || fields[5] == "" {
				remain = line
				break
			}
			b, err := parseDNNFields(fields)
			if err != nil {
				return fmt.Errorf("%w: dnn %s: %v", ErrProtocol, connID, err)
			}
			bboxes = append(bboxes, b)
		}
		msgs <- DnnMessage{Bboxes: bboxes}
	}
}

// parseDNNFields parses one "timestamp,left,top,width,height,class_id"
// line into a Bbox with only Timestamp and ClassID set.
func parseDNNFields(fields []string) (bbox.Bbox, error) {
	timestamp, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return bbox.Bbox{}, fmt.Errorf("timestamp: %w", err)
	}
	left, err := parseFloat32(fields[1])
	if err != nil {
		return bbox.Bbox{}, fmt.Errorf("left: %w", err)
	}
	top, err := parseFloat32(fields[2])
	if err != nil {
		return bbox.Bbox{}, fmt.Errorf("top: %w", err)
	}
	width, err := parseFloat32(fields[3])
	if err != nil {
		return bbox.Bbox{}, fmt.Errorf("width: %w", err)
	}
	height, err := parseFloat32(fields[4])
	if err != nil {
		return bbox.Bbox{}, fmt.Errorf("height: %w", err)
	}
	classID64, err := strconv.ParseInt(fields[5], 10, 32)
	if err != nil {
		return bbox.Bbox{}, fmt.Errorf("class_id: %w", err)
	}
	if classID64 < 0 {
		return bbox.Bbox{}, fmt.Errorf("class_id: negative value %d", classID64)
	}
	classID := uint32(classID64)

	b := bbox.New(left, top, width, height)
	b.ClassID = &classID
	b.Timestamp = &timestamp
	return b, nil
}

func parseFloat32(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}
