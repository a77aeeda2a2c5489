// Package decode implements the selective-decode scheduler: it watches
// an encoded-frame stream grouped into GoPs and a parallel dead-track
// stream from the tracker, and decides which encoded frames are worth
// decoding (for inference, or only as another frame's dependency) and
// which can be dropped, under (alpha, beta) extra-decode allowances.
//
// The scheduler is expressed as a plain state-machine object so a host
// media runtime's adapter can drive it from its own callback threads;
// the runtime itself is out of scope here.
package decode

import (
	"sync"

	"github.com/cova-project/analysisd/internal/bbox"
	"github.com/cova-project/analysisd/internal/monitoring"
	"github.com/cova-project/analysisd/internal/trackerclient"
)

// nsPerFrameAt30fps is one 30fps tick in nanoseconds, the scheduler's
// PTS unit throughout.
const nsPerFrameAt30fps = 1_000_000_000 / 30

// safetyBuffer extends a track's max-age window by this many extra
// 30fps ticks when computing the upper bound of the decode range, to
// absorb jitter between when a track dies and when its GoP is walked.
const safetyBuffer = 10

// gopWindow is how many 30fps ticks a finalized GoP must sit behind
// the current PTS before it is considered droppable.
const gopWindow = 250

// EncodedFrame is one opaque encoded video frame as received from the
// upstream encoder. Payload is forwarded downstream untouched; the
// scheduler only inspects PTS and IsIDR.
type EncodedFrame struct {
	PTS     uint64
	IsIDR   bool
	Discont bool
	// Droppable marks a frame promoted to out for decoding only as a
	// dependency of a later frame, not for inference.
	Droppable bool
	Payload   []byte
}

// Counts are the scheduler's monotonically non-decreasing output
// counters: decoded_inference + decoded_dependency + dropped equals
// the total number of encoded frames ever enqueued into a GoP.
type Counts struct {
	DecodedDependency uint64
	DecodedInference  uint64
	Dropped           uint64
}

// Side identifies which upstream pad reported end-of-stream.
type Side int

const (
	MaskSide Side = iota
	EncSide
)

// Config holds the scheduler's tuning knobs, set once at construction
// (mirrors the host element's settable properties).
type Config struct {
	MaxAge       uint64
	MinHits      uint64
	IoUThreshold float32
	Alpha        uint64
	Beta         uint64
	// InferI promotes a droppable GoP's IDR frame to inference even
	// when the rest of the GoP is dropped, provided that frame isn't
	// itself a DELTA frame.
	InferI bool
}

type gopRecord struct {
	min, max  uint64
	pending   []EncodedFrame
	out       []EncodedFrame
	finalized bool
}

// Scheduler owns the buffered GoP list and the lazily-created tracker
// for one video stream. All operations are safe to call concurrently
// from the host runtime's separate chain/event callback threads.
type Scheduler struct {
	cfg        Config
	newTracker func() (*trackerclient.Tracker, error)

	mu      sync.Mutex
	gops    []*gopRecord
	tracker *trackerclient.Tracker
	counts  Counts
	eos     [2]bool
}

// New constructs a Scheduler. newTracker is called at most once, on
// the first OnMask call, to lazily construct the tracker-shard client
// (mirroring the host element's get_or_insert_with).
func New(cfg Config, newTracker func() (*trackerclient.Tracker, error)) *Scheduler {
	return &Scheduler{cfg: cfg, newTracker: newTracker}
}

// Counts returns a snapshot of the scheduler's output counters.
func (s *Scheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// OnEncoded appends an encoded frame to the current GoP, or starts a
// new GoP if the frame is an IDR. The previous GoP (if any) is marked
// finalized at that point, since an encoder never revisits a GoP once
// the next one starts.
func (s *Scheduler) OnEncoded(f EncodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.IsIDR {
		if len(s.gops) > 0 {
			s.gops[len(s.gops)-1].finalized = true
		}
		f.Discont = true
		s.gops = append(s.gops, &gopRecord{min: f.PTS, max: f.PTS, pending: []EncodedFrame{f}})
		return
	}

	back := s.gops[len(s.gops)-1]
	if f.PTS < back.min {
		back.min = f.PTS
	} else if f.PTS > back.max {
		back.max = f.PTS
	}
	back.pending = append(back.pending, f)
}

// OnMask feeds one frame of mask-derived detections into the tracker
// at pts, schedules any decode work their dead tracks require, and
// drains whatever finalized GoPs have aged past the droppable window.
// It returns the frames promoted for downstream delivery, in GoP
// order, oldest first.
func (s *Scheduler) OnMask(dets []bbox.Bbox, pts uint64) ([]EncodedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker == nil {
		trk, err := s.newTracker()
		if err != nil {
			return nil, err
		}
		s.tracker = trk
	}

	minRequired, err := s.tracker.Update(dets, pts)
	if err != nil {
		return nil, err
	}

	maxAgePTS := nsPerFrameAt30fps * (s.cfg.MaxAge + safetyBuffer)
	var maxTrackPTS uint64
	if pts >= maxAgePTS {
		maxTrackPTS = pts - maxAgePTS
	}

	if minRequired != nil {
		s.scheduleDecode(*minRequired, maxTrackPTS)
	}

	return s.drainDroppable(pts), nil
}

// scheduleDecode guarantees at least one inference-worthy frame in
// [minTrackPTS, maxTrackPTS] by walking GoPs whose range intersects it
// in reverse PTS order — the newest-first walk maximizes the chance an
// already-promoted frame already satisfies the requirement.
func (s *Scheduler) scheduleDecode(minTrackPTS, maxTrackPTS uint64) {
	intersects := func(g *gopRecord) bool {
		return minTrackPTS <= g.max && g.min <= maxTrackPTS
	}

	trackInferenced := 0
	var decodedDependency, decodedInference uint64

	for i := len(s.gops) - 1; i >= 0; i-- {
		g := s.gops[i]
		if !intersects(g) {
			continue
		}

		if alreadySatisfied(g.out, minTrackPTS) {
			trackInferenced++
			continue
		}

		for len(g.pending) > 0 {
			if trackInferenced > 0 {
				break
			}
			f := g.pending[0]
			g.pending = g.pending[1:]
			if minTrackPTS <= f.PTS {
				s.tracker.Seen(f.PTS)
				decodedInference++
				g.out = append(g.out, f)
				trackInferenced++
				break
			}
			f.Droppable = true
			decodedDependency++
			g.out = append(g.out, f)
		}
	}

	if trackInferenced < int(s.cfg.Beta) {
		for i := len(s.gops) - 1; i >= 0; i-- {
			g := s.gops[i]
			if !intersects(g) || len(g.out) == 0 {
				continue
			}
			d, inf := s.extraDecode(g, &trackInferenced)
			decodedDependency += d
			decodedInference += inf
		}
	}

	if trackInferenced == 0 {
		monitoring.Logf("decode: scheduleDecode found no inference-worthy frame in [%d, %d]", minTrackPTS, maxTrackPTS)
	}

	s.counts.DecodedInference += decodedInference
	s.counts.DecodedDependency += decodedDependency
}

// extraDecode performs the over-decode pass for one GoP: up to alpha
// additional pending frames are moved to out, of which up to
// (beta - trackInferenced) are promoted to inference, spread evenly
// (one inference every extra_decode/extra_infer consecutive frames).
// beta - trackInferenced is clamped at zero rather than left to
// underflow, since trackInferenced can already exceed beta by the time
// a later GoP in this same pass is visited.
func (s *Scheduler) extraDecode(g *gopRecord, trackInferenced *int) (dependency, inference uint64) {
	extraDecode := len(g.pending)
	if extraDecode > int(s.cfg.Alpha) {
		extraDecode = int(s.cfg.Alpha)
	}
	remainingBeta := int(s.cfg.Beta) - *trackInferenced
	if remainingBeta < 0 {
		remainingBeta = 0
	}
	extraInfer := extraDecode
	if extraInfer > remainingBeta {
		extraInfer = remainingBeta
	}
	if extraDecode == 0 || extraInfer == 0 {
		return 0, 0
	}

	stepExtraInfer := extraDecode / extraInfer
	remainder := extraDecode % extraInfer

	for i := 0; i < remainder; i++ {
		f := g.pending[0]
		g.pending = g.pending[1:]
		f.Droppable = true
		g.out = append(g.out, f)
		dependency++
	}

	for i := 0; i < extraInfer; i++ {
		numDependent := stepExtraInfer - 1
		if numDependent < 0 {
			numDependent = 0
		}
		for j := 0; j < numDependent; j++ {
			f := g.pending[0]
			g.pending = g.pending[1:]
			f.Droppable = true
			g.out = append(g.out, f)
			dependency++
		}
		f := g.pending[0]
		g.pending = g.pending[1:]
		s.tracker.Seen(f.PTS)
		g.out = append(g.out, f)
		inference++
		*trackInferenced++
	}
	return dependency, inference
}

func alreadySatisfied(out []EncodedFrame, minTrackPTS uint64) bool {
	for _, f := range out {
		if minTrackPTS < f.PTS {
			return true
		}
	}
	return false
}

// drainDroppable flushes every finalized GoP whose max PTS has aged
// past the droppable window relative to pts, optionally promoting its
// IDR frame to inference first, and returns the flushed frames in GoP
// order for downstream delivery.
func (s *Scheduler) drainDroppable(pts uint64) []EncodedFrame {
	gopPTS := nsPerFrameAt30fps * gopWindow
	var droppablePTS uint64
	if pts >= gopPTS {
		droppablePTS = pts - gopPTS
	}

	var flushed []EncodedFrame
	var dropped, decodedInference uint64

	kept := s.gops[:0]
	for _, g := range s.gops {
		if !(g.finalized && g.max <= droppablePTS) {
			kept = append(kept, g)
			continue
		}

		if s.cfg.InferI && len(g.pending) > 0 {
			f := g.pending[0]
			g.pending = g.pending[1:]
			if f.IsIDR {
				decodedInference++
				g.out = append(g.out, f)
			} else {
				dropped++
			}
		}

		if len(g.out) > 0 {
			flushed = append(flushed, g.out...)
		}
		dropped += uint64(len(g.pending))
	}
	s.gops = kept

	if dropped != 0 || decodedInference != 0 {
		s.counts.DecodedInference += decodedInference
		s.counts.Dropped += dropped
	}
	return flushed
}

// OnEOS records end-of-stream from side and, once both sides have
// reported it, drains every remaining GoP (its out frames delivered,
// its pending frames counted as dropped) and flushes the tracker
// client. It returns the flushed frames, or nil if the other side
// hasn't reported EOS yet.
func (s *Scheduler) OnEOS(side Side) ([]EncodedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eos[side] = true
	if !(s.eos[MaskSide] && s.eos[EncSide]) {
		return nil, nil
	}

	var flushed []EncodedFrame
	var dropped uint64
	for _, g := range s.gops {
		flushed = append(flushed, g.out...)
		dropped += uint64(len(g.pending))
	}
	s.gops = nil
	s.counts.Dropped += dropped

	if s.tracker != nil {
		if err := s.tracker.Flush(); err != nil {
			return flushed, err
		}
	}
	return flushed, nil
}
