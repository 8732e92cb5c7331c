package pipeline

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/orchard/pkg/nn"
)

// AnnotatedFrame is the output of one successful processing cycle.
// It is immutable once published.
type AnnotatedFrame struct {
	Seq        uint64 // Increases with every published frame of a pipeline
	ProducedAt time.Time
	Source     *cimg.Image          // The resized frame, before annotation
	Annotated  *cimg.Image          // Source, with detections drawn on it
	Detections []nn.ObjectDetection // Detections drawn onto Annotated
}

// State is shared between the frame processors of a pipeline and everything else
// that reads or tweaks the pipeline (HTTP handlers, snapshot capture).
// None of its methods block.
type State struct {
	config    Config
	threshold atomic.Uint32 // float32 bits
	lastFrame atomic.Pointer[AnnotatedFrame]
	nextSeq   atomic.Uint64
}

// The config must already be validated
func NewState(config Config) *State {
	s := &State{
		config: config.Normalized(),
	}
	s.threshold.Store(math.Float32bits(config.Threshold))
	return s
}

// Config returns the configuration that the pipeline was created with.
// The threshold inside it is the initial threshold, not the current one.
func (s *State) Config() Config {
	return s.config
}

func (s *State) Threshold() float32 {
	return math.Float32frombits(s.threshold.Load())
}

// SetThreshold clamps t to [0, 1] and stores it. NaN is ignored.
// Returns the threshold that is in effect after the call.
func (s *State) SetThreshold(t float32) float32 {
	if math32.IsNaN(t) {
		return s.Threshold()
	}
	t = min(max(t, 0), 1)
	s.threshold.Store(math.Float32bits(t))
	return t
}

// LastFrame returns the most recently published frame, or nil if no cycle has succeeded yet
func (s *State) LastFrame() *AnnotatedFrame {
	return s.lastFrame.Load()
}

func (s *State) publish(f *AnnotatedFrame) {
	f.Seq = s.nextSeq.Add(1)
	s.lastFrame.Store(f)
}
