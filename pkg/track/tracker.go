package track

import (
	"math"

	"github.com/bmharper/flatbush-go"
	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/orchard/pkg/idgen"
	"github.com/cyclopcam/orchard/pkg/nn"
)

type Settings struct {
	MaxAge              int     // Drop a track after it has gone unmatched for this many updates
	PositionHistorySize int     // Keep a ring buffer of the last N positions of each track
	HighConfidence      float32 // ByteTrack: detections at or above this confidence are associated first
	MinIOU              float32 // Minimum overlap for an IoU match
	SearchBuffer        float32 // Expand each box by this fraction of its size when looking for candidates
}

func DefaultSettings() Settings {
	return Settings{
		MaxAge:              30,
		PositionHistorySize: 16,
		HighConfidence:      0.5,
		MinIOU:              0.1,
		SearchBuffer:        0.8,
	}
}

// Internal state of an object that we're tracking
type trackedObject struct {
	id           uint32
	class        int
	lastPosition nn.Rect
	predicted    nn.Rect // where we expect to see the object in the next frame
	history      ringbuffer.RingP[nn.Rect]
	sightings    int
	age          int // number of updates since we last saw this object
}

// Tracker assigns stable identities to detections across consecutive frames of a single stream.
// A Tracker is not safe for concurrent use.
type Tracker struct {
	kind     Kind
	settings Settings
	nextID   idgen.Uint32
	tracked  []*trackedObject
}

func NewTracker(kind Kind, settings Settings) *Tracker {
	if settings.PositionHistorySize < 2 {
		settings.PositionHistorySize = 2
	}
	return &Tracker{
		kind:     kind,
		settings: settings,
	}
}

func (t *Tracker) Kind() Kind {
	return t.kind
}

// Reset forgets all tracked objects.
// Track IDs continue to increase, so an ID is never reused for a different object after a reset.
func (t *Tracker) Reset() {
	t.tracked = nil
}

func (t *Tracker) NumTracks() int {
	return len(t.tracked)
}

// Update associates the detections of a new frame with the existing tracks.
// The returned slice is a copy of 'objects' with TrackID populated.
// frameWidth is used to compute the minimum search radius.
func (t *Tracker) Update(objects []nn.ObjectDetection, frameWidth int) []nn.ObjectDetection {
	out := make([]nn.ObjectDetection, len(objects))
	copy(out, objects)

	if t.kind == KindNone {
		for i := range out {
			out[i].TrackID = 0
		}
		return out
	}

	// Create spatial index on the predicted positions of the currently tracked objects
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(t.tracked))
	for _, obj := range t.tracked {
		p := &obj.predicted
		fb.Add(p.X, p.Y, p.X2(), p.Y2())
	}
	fb.Finish()

	minSearchBuffer := int32(0.05 * float64(frameWidth))

	// Map from out[i] to tracked[j]
	newToTracked := make([]int, len(out))
	for i := range newToTracked {
		newToTracked[i] = -1
	}
	trackedHasMatch := make([]bool, len(t.tracked))

	// Find the best unmatched track for out[newIndex], among the indices in 'existingList'.
	// If allowDistance is true, and no track overlaps, then fall back to the nearest centre.
	findBestMatch := func(newIndex int, existingList []int, allowDistance bool) int {
		newObj := &out[newIndex]
		bestJ := -1
		bestIOU := float32(0)
		bestDistance := float32(9e20)
		for _, j := range existingList {
			if trackedHasMatch[j] {
				continue
			}
			old := t.tracked[j]
			if old.class != newObj.Class {
				continue
			}
			iou := newObj.Box.IOU(old.predicted)
			if iou >= t.settings.MinIOU && iou > bestIOU {
				bestIOU = iou
				bestJ = j
			} else if allowDistance && bestIOU == 0 {
				distance := newObj.Box.Center().Distance(old.predicted.Center())
				if distance < bestDistance {
					bestDistance = distance
					bestJ = j
				}
			}
		}
		if bestJ != -1 {
			trackedHasMatch[bestJ] = true
			newToTracked[newIndex] = bestJ
		}
		return bestJ
	}

	nearbyIdx := []int{}
	searchNearby := func(i int, allowDistance bool) {
		if len(t.tracked) == 0 {
			return
		}
		box := out[i].Box
		bufferX := max(minSearchBuffer, int32(t.settings.SearchBuffer*float32(box.Width)))
		bufferY := max(minSearchBuffer, int32(t.settings.SearchBuffer*float32(box.Height)))
		nearbyIdx = fb.SearchFast(box.X-bufferX, box.Y-bufferY, box.X2()+bufferX, box.Y2()+bufferY, nearbyIdx)
		findBestMatch(i, nearbyIdx, allowDistance)
	}

	switch t.kind {
	case KindByteTrack:
		// Stage 1: high confidence detections get first pick of the tracks
		for i := range out {
			if out[i].Confidence >= t.settings.HighConfidence {
				searchNearby(i, false)
			}
		}
		// Stage 2: low confidence detections may only claim the leftovers
		for i := range out {
			if out[i].Confidence < t.settings.HighConfidence {
				searchNearby(i, false)
			}
		}
	case KindBoTSORT:
		for i := range out {
			searchNearby(i, true)
		}
	}

	// Update matched tracks
	for i := range out {
		j := newToTracked[i]
		if j == -1 {
			continue
		}
		obj := t.tracked[j]
		obj.observe(out[i].Box)
		out[i].TrackID = obj.id
	}

	// Age and prune tracks that were not seen in this frame
	survivors := t.tracked[:0]
	for j, obj := range t.tracked {
		if !trackedHasMatch[j] {
			obj.age++
			obj.predicted = obj.lastPosition
			if obj.age > t.settings.MaxAge {
				continue
			}
		}
		survivors = append(survivors, obj)
	}
	for j := len(survivors); j < len(t.tracked); j++ {
		t.tracked[j] = nil
	}
	t.tracked = survivors

	// Unmatched detections open new tracks
	historySize := nextPowerOf2(t.settings.PositionHistorySize)
	for i := range out {
		if newToTracked[i] != -1 {
			continue
		}
		obj := &trackedObject{
			id:      t.nextID.Next(),
			class:   out[i].Class,
			history: ringbuffer.NewRingP[nn.Rect](historySize),
		}
		obj.observe(out[i].Box)
		t.tracked = append(t.tracked, obj)
		out[i].TrackID = obj.id
	}

	return out
}

func (t *trackedObject) observe(box nn.Rect) {
	t.sightings++
	t.age = 0
	t.lastPosition = box
	t.history.Add(box)
	t.predicted = t.predictNext()
}

// Constant velocity prediction from the two most recent positions
func (t *trackedObject) predictNext() nn.Rect {
	n := t.history.Len()
	if n < 2 {
		return t.lastPosition
	}
	prev := t.history.Peek(n - 2)
	last := t.history.Peek(n - 1)
	p := last
	p.Offset(last.X-prev.X, last.Y-prev.Y)
	return p
}

func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
