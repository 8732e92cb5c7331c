package history

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/pkg/track"
	"github.com/cyclopcam/orchard/server/pipeline"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	frame *pipeline.AnnotatedFrame
}

func (f *fakeSource) LastFrame() *pipeline.AnnotatedFrame {
	return f.frame
}

func bgrFrame(seq uint64, b, g, r byte) *pipeline.AnnotatedFrame {
	src := cimg.NewImage(pipeline.TargetWidth, pipeline.TargetHeight, cimg.PixelFormatBGR)
	ann := cimg.NewImage(pipeline.TargetWidth, pipeline.TargetHeight, cimg.PixelFormatBGR)
	for i := 0; i < len(ann.Pixels); i += 3 {
		ann.Pixels[i] = b
		ann.Pixels[i+1] = g
		ann.Pixels[i+2] = r
	}
	return &pipeline.AnnotatedFrame{
		Seq:        seq,
		ProducedAt: time.Now(),
		Source:     src,
		Annotated:  ann,
		Detections: []nn.ObjectDetection{{Class: 1, Label: "black_spot", Confidence: 0.8}},
	}
}

func TestNothingCaptured(t *testing.T) {
	h := New()
	sink := NewSink(logs.NewTestingLog(t), &fakeSource{}, h)
	r, err := sink.CaptureSnapshot()
	require.ErrorIs(t, err, ErrNothingCaptured)
	require.Nil(t, r)
	require.Equal(t, 0, h.Len())
}

func TestCaptureIsIdempotent(t *testing.T) {
	h := New()
	src := &fakeSource{frame: bgrFrame(7, 10, 20, 30)}
	sink := NewSink(logs.NewTestingLog(t), src, h)

	r1, err := sink.CaptureSnapshot()
	require.NoError(t, err)
	r2, err := sink.CaptureSnapshot()
	require.NoError(t, err)

	require.Equal(t, 2, h.Len())
	require.NotEqual(t, r1.ID, r2.ID)
	require.Equal(t, int64(1), r1.ID)
	require.Equal(t, int64(2), r2.ID)
	require.Equal(t, r1.FrameSeq, r2.FrameSeq)
	require.Equal(t, r1.Annotated.Pixels, r2.Annotated.Pixels)
	require.Equal(t, r1.Original.Pixels, r2.Original.Pixels)
	require.Equal(t, r1.Detections, r2.Detections)
}

func TestCaptureConvertsToRGB(t *testing.T) {
	h := New()
	frame := bgrFrame(1, 10, 20, 30)
	sink := NewSink(logs.NewTestingLog(t), &fakeSource{frame: frame}, h)
	r, err := sink.CaptureSnapshot()
	require.NoError(t, err)
	require.Equal(t, cimg.PixelFormatRGB, r.Annotated.Format)
	require.Equal(t, cimg.PixelFormatRGB, r.Original.Format)
	require.Equal(t, []byte{30, 20, 10}, r.Annotated.Pixels[:3])
	require.Equal(t, pipeline.TargetWidth, r.Width)

	// The published frame is never modified
	require.Equal(t, []byte{10, 20, 30}, frame.Annotated.Pixels[:3])
	require.Equal(t, cimg.PixelFormatBGR, frame.Annotated.Format)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	h := New()
	src := &fakeSource{}
	sink := NewSink(logs.NewTestingLog(t), src, h)
	for i := 1; i <= 5; i++ {
		src.frame = bgrFrame(uint64(i), byte(i), 0, 0)
		_, err := sink.CaptureSnapshot()
		require.NoError(t, err)
	}
	records := h.Records()
	require.Len(t, records, 5)
	for i, r := range records {
		require.Equal(t, int64(i+1), r.ID)
		require.Equal(t, uint64(i+1), r.FrameSeq)
		require.Same(t, r, h.Get(r.ID))
	}
	require.Nil(t, h.Get(0))
	require.Nil(t, h.Get(6))

	// Mutating the returned slice doesn't affect the history
	records[0] = nil
	require.NotNil(t, h.Records()[0])
}

func TestConcurrentCapture(t *testing.T) {
	h := New()
	sink := NewSink(logs.NewTestingLog(t), &fakeSource{frame: bgrFrame(1, 1, 2, 3)}, h)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.CaptureSnapshot()
		}()
	}
	wg.Wait()
	require.Equal(t, 8, h.Len())
	seen := map[int64]bool{}
	for _, r := range h.Records() {
		require.False(t, seen[r.ID])
		seen[r.ID] = true
	}
}

func TestConcurrentCaptureLimit(t *testing.T) {
	h := New()
	sink := NewSink(logs.NewTestingLog(t), &fakeSource{frame: bgrFrame(1, 1, 2, 3)}, h)
	var wg sync.WaitGroup
	var lock sync.Mutex
	nFull := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sink.CaptureSnapshotLimit(5)
			if errors.Is(err, ErrHistoryFull) {
				lock.Lock()
				nFull++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, h.Len())
	require.Equal(t, 11, nFull)

	// Zero means unlimited
	_, err := sink.CaptureSnapshotLimit(0)
	require.NoError(t, err)
	require.Equal(t, 6, h.Len())
}

// Scripted adapter: 2 detections, then 1, then failure
type scriptedAdapter struct {
	step int
}

func (a *scriptedAdapter) Detect(img *cimg.Image, confidence float32) ([]nn.ObjectDetection, error) {
	a.step++
	box := nn.Rect{X: 50, Y: 50, Width: 100, Height: 100}
	switch a.step {
	case 1:
		return nn.FilterByConfidence([]nn.ObjectDetection{
			{Class: 0, Label: "apple_scab", Confidence: 0.5, Box: box},
			{Class: 3, Label: "fly_speck", Confidence: 0.3, Box: box},
		}, confidence), nil
	case 2:
		return []nn.ObjectDetection{{Class: 2, Label: "black_rot", Confidence: 0.6, Box: box}}, nil
	}
	return nil, errors.New("inference failed")
}

func (a *scriptedAdapter) Track(img *cimg.Image, confidence float32, tracker track.Kind, persist bool) ([]nn.ObjectDetection, error) {
	return a.Detect(img, confidence)
}

func TestCaptureAfterFailedFrame(t *testing.T) {
	log := logs.NewTestingLog(t)
	config, err := pipeline.NewConfig(0.4, false, "")
	require.NoError(t, err)
	p, err := pipeline.New(log, config, func() pipeline.InferenceAdapter { return &scriptedAdapter{} })
	require.NoError(t, err)
	proc, release := p.NewProcessor()
	defer release()

	h := New()
	sink := NewSink(log, p.State, h)
	_, err = sink.CaptureSnapshot()
	require.ErrorIs(t, err, ErrNothingCaptured)

	frame := cimg.NewImage(1280, 720, cimg.PixelFormatBGR)
	r1 := proc.Process(frame)
	require.Len(t, r1.Detections, 1)
	r2 := proc.Process(frame)
	require.True(t, r2.Annotated)
	r3 := proc.Process(frame)
	require.False(t, r3.Annotated)

	rec, err := sink.CaptureSnapshot()
	require.NoError(t, err)
	require.Len(t, rec.Detections, 1)
	require.Equal(t, "black_rot", rec.Detections[0].Label)
	require.Equal(t, imagex.ToRGB(r2.Frame).Pixels, rec.Annotated.Pixels)
	require.Equal(t, 1, h.Len())
}
