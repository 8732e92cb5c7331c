package pipeline

import (
	"fmt"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/pkg/track"
)

// InferenceAdapter is the boundary to the object detection model.
// Both calls are synchronous. Track with persist=true carries object identities
// forward from the previous Track call on the same adapter.
// Implementations must only return objects with Confidence >= confidence.
type InferenceAdapter interface {
	Detect(img *cimg.Image, confidence float32) ([]nn.ObjectDetection, error)
	Track(img *cimg.Image, confidence float32, tracker track.Kind, persist bool) ([]nn.ObjectDetection, error)
}

// Adapters that track objects can report how many they are following
type trackCounter interface {
	NumTracks() int
}

// AdapterFactory creates a fresh adapter for every stream, so that tracking
// state is never shared between streams.
type AdapterFactory func() InferenceAdapter

// InferenceError is a failed Detect or Track call, or a panic inside one, or output that we can't use
type InferenceError struct {
	Op  string // "detect" or "track"
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %v failed: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// DetectorAdapter implements InferenceAdapter on top of an nn.ObjectDetector, with tracking
// performed by pkg/track. The detector may be shared by many adapters, but each adapter
// owns its own tracker.
type DetectorAdapter struct {
	detector      nn.ObjectDetector
	nmsIoU        float32
	nThreads      int
	trackSettings track.Settings

	trackerLock sync.Mutex
	tracker     *track.Tracker
}

func NewDetectorAdapter(detector nn.ObjectDetector, trackSettings track.Settings) *DetectorAdapter {
	return &DetectorAdapter{
		detector:      detector,
		nmsIoU:        nn.DefaultNmsIouThreshold,
		nThreads:      2,
		trackSettings: trackSettings,
	}
}

// Detect returns the objects with a confidence of at least 'confidence'
func (a *DetectorAdapter) Detect(img *cimg.Image, confidence float32) ([]nn.ObjectDetection, error) {
	if err := imagex.Validate(img); err != nil {
		return nil, err
	}
	crop, err := nn.WholeImage(img)
	if err != nil {
		return nil, err
	}
	params := nn.DetectionParams{
		ProbabilityThreshold: confidence,
		NmsIouThreshold:      a.nmsIoU,
	}
	objects, err := nn.TiledInference(a.detector, crop, &params, a.nThreads)
	if err != nil {
		return nil, err
	}
	// The threshold is inclusive, regardless of what the detector does
	return nn.FilterByConfidence(objects, confidence), nil
}

// Track runs Detect, and then assigns track IDs.
// If persist is false, or the tracker kind has changed since the previous call,
// then all existing tracks are forgotten first.
func (a *DetectorAdapter) Track(img *cimg.Image, confidence float32, tracker track.Kind, persist bool) ([]nn.ObjectDetection, error) {
	if tracker == track.KindNone {
		return nil, fmt.Errorf("no tracker specified")
	}
	objects, err := a.Detect(img, confidence)
	if err != nil {
		return nil, err
	}

	a.trackerLock.Lock()
	defer a.trackerLock.Unlock()
	if a.tracker == nil || a.tracker.Kind() != tracker {
		a.tracker = track.NewTracker(tracker, a.trackSettings)
	} else if !persist {
		a.tracker.Reset()
	}
	return a.tracker.Update(objects, img.Width), nil
}

// NumTracks returns the number of objects that the tracker is currently following
func (a *DetectorAdapter) NumTracks() int {
	a.trackerLock.Lock()
	defer a.trackerLock.Unlock()
	if a.tracker == nil {
		return 0
	}
	return a.tracker.NumTracks()
}
