package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/annotate"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/pkg/perfstats"
)

var ErrMalformedOutput = errors.New("malformed detections")

// Don't log inference errors more often than this, per processor
const errorLogInterval = 15 * time.Second

// Result of processing a single frame.
// If Annotated is false, then Frame is the input frame, untouched, and Err says why.
type Result struct {
	Seq        uint64 // AnnotatedFrame.Seq, or zero if the frame was not annotated
	Frame      *cimg.Image
	Detections []nn.ObjectDetection
	Annotated  bool
	Err        error
	NumTracks  int // Objects the stream's tracker is following. Zero when not tracking.
}

// Processor runs one frame at a time through resize, inference and annotation.
// Each stream gets its own Processor, because the adapter's tracking state belongs to the stream.
type Processor struct {
	log      logs.Log
	state    *State
	adapter  InferenceAdapter
	stats    *stats
	annotate *annotate.Options

	lastErrAt        atomic.Int64 // unix nanoseconds
	failuresSinceLog atomic.Int64
}

func newProcessor(log logs.Log, state *State, adapter InferenceAdapter, st *stats) *Processor {
	return &Processor{
		log:      log,
		state:    state,
		adapter:  adapter,
		stats:    st,
		annotate: annotate.DefaultOptions(),
	}
}

// Process never panics, and never returns an error to the caller. Any failure
// causes the input frame to be returned unchanged, and leaves State.LastFrame() untouched.
func (p *Processor) Process(frame *cimg.Image) (result Result) {
	start := time.Now()
	config := p.state.Config()
	op := "detect"
	if config.Tracking {
		op = "track"
	}

	defer func() {
		if r := recover(); r != nil {
			result = p.fail(frame, &InferenceError{Op: op, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := imagex.Validate(frame); err != nil {
		return p.fail(frame, &InferenceError{Op: op, Err: err})
	}

	// Read the threshold once, so that the whole cycle sees the same value
	threshold := p.state.Threshold()
	resized := imagex.ResizeExact(frame, TargetWidth, TargetHeight)

	inferStart := time.Now()
	var objects []nn.ObjectDetection
	var err error
	if config.Tracking {
		objects, err = p.adapter.Track(resized, threshold, config.Tracker, true)
	} else {
		objects, err = p.adapter.Detect(resized, threshold)
	}
	p.stats.inferenceTime.Add(time.Since(inferStart))
	if err != nil {
		return p.fail(frame, &InferenceError{Op: op, Err: err})
	}
	if err := validateDetections(objects); err != nil {
		return p.fail(frame, &InferenceError{Op: op, Err: err})
	}
	objects = nn.FilterByConfidence(objects, threshold)

	annotated, err := annotate.Draw(resized, objects, p.annotate)
	if err != nil {
		return p.fail(frame, &InferenceError{Op: "annotate", Err: err})
	}
	out := &AnnotatedFrame{
		ProducedAt: time.Now(),
		Source:     resized,
		Annotated:  annotated,
		Detections: objects,
	}
	p.state.publish(out)

	p.stats.processed.Add(1)
	p.stats.cycleTime.Add(time.Since(start))
	result = Result{
		Seq:        out.Seq,
		Frame:      annotated,
		Detections: objects,
		Annotated:  true,
	}
	if tc, ok := p.adapter.(trackCounter); ok && config.Tracking {
		result.NumTracks = tc.NumTracks()
	}
	return result
}

func (p *Processor) fail(frame *cimg.Image, err error) Result {
	p.stats.failed.Add(1)
	msg := err.Error()
	p.stats.lastError.Store(&msg)

	nFailed := p.failuresSinceLog.Add(1)
	now := time.Now().UnixNano()
	last := p.lastErrAt.Load()
	if now-last > int64(errorLogInterval) && p.lastErrAt.CompareAndSwap(last, now) {
		p.failuresSinceLog.Add(-nFailed)
		p.log.Errorf("Frame processing failed (%v failures since last report): %v", nFailed, err)
	}

	return Result{
		Frame: frame,
		Err:   err,
	}
}

func validateDetections(objects []nn.ObjectDetection) error {
	for i := range objects {
		c := objects[i].Confidence
		if math32.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: object %v has confidence %v", ErrMalformedOutput, i, c)
		}
		if objects[i].Box.Width < 0 || objects[i].Box.Height < 0 {
			return fmt.Errorf("%w: object %v has a negative size", ErrMalformedOutput, i)
		}
	}
	return nil
}

// Processing statistics, shared by all processors of a pipeline
type stats struct {
	processed     atomic.Int64
	failed        atomic.Int64
	lastError     atomic.Pointer[string]
	inferenceTime perfstats.MovingAverage
	cycleTime     perfstats.MovingAverage
}

// Stats is a snapshot of a pipeline's processing statistics
type Stats struct {
	Processed        int64   `json:"processed"`
	Failed           int64   `json:"failed"`
	LastError        string  `json:"lastError,omitempty"`
	AvgInferenceMS   float64 `json:"avgInferenceMS"`
	AvgCycleMS       float64 `json:"avgCycleMS"`
	LastFrameSeq     uint64  `json:"lastFrameSeq"`
	NumActiveStreams int     `json:"numActiveStreams"`
}

func (s *stats) snapshot() Stats {
	r := Stats{
		Processed:      s.processed.Load(),
		Failed:         s.failed.Load(),
		AvgInferenceMS: float64(s.inferenceTime.Average().Microseconds()) / 1000,
		AvgCycleMS:     float64(s.cycleTime.Average().Microseconds()) / 1000,
	}
	if msg := s.lastError.Load(); msg != nil {
		r.LastError = *msg
	}
	return r
}
