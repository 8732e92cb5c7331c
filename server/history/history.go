// Package history keeps the snapshots that a user has captured during their session
package history

import (
	"errors"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/server/pipeline"
)

// ErrNothingCaptured is returned when a snapshot is requested before any frame has been annotated
var ErrNothingCaptured = errors.New("nothing captured yet")

// ErrHistoryFull is returned by CaptureSnapshotLimit when the history already holds the maximum number of records
var ErrHistoryFull = errors.New("history is full")

// Record is an immutable snapshot. Both images are RGB.
type Record struct {
	ID         int64                `json:"id"` // 1-based position in the history
	CapturedAt time.Time            `json:"capturedAt"`
	FrameSeq   uint64               `json:"frameSeq"` // AnnotatedFrame.Seq that this was captured from
	Original   *cimg.Image          `json:"-"`
	Annotated  *cimg.Image          `json:"-"`
	Detections []nn.ObjectDetection `json:"detections"`
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
}

// History is an append-only list of records.
// It is safe for concurrent use.
type History struct {
	lock    sync.RWMutex
	records []*Record
}

func New() *History {
	return &History{}
}

// append adds r, unless limit is positive and the history already has limit records
func (h *History) append(r *Record, limit int) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if limit > 0 && len(h.records) >= limit {
		return ErrHistoryFull
	}
	r.ID = int64(len(h.records) + 1)
	h.records = append(h.records, r)
	return nil
}

func (h *History) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.records)
}

// Records returns a copy of the list, oldest first.
// The records themselves are shared, and must not be modified.
func (h *History) Records() []*Record {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return append([]*Record(nil), h.records...)
}

// Get returns the record with the given ID, or nil
func (h *History) Get(id int64) *Record {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if id < 1 || id > int64(len(h.records)) {
		return nil
	}
	return h.records[id-1]
}

// FrameSource is anything that can hand out the most recently annotated frame (eg pipeline.State)
type FrameSource interface {
	LastFrame() *pipeline.AnnotatedFrame
}

// Sink captures snapshots from a frame source into a history
type Sink struct {
	log     logs.Log
	source  FrameSource
	history *History
}

func NewSink(log logs.Log, source FrameSource, history *History) *Sink {
	return &Sink{
		log:     log,
		source:  source,
		history: history,
	}
}

// CaptureSnapshot appends the most recent frame of the source to the history.
// If the source has not produced a frame yet, returns ErrNothingCaptured, and the history is unchanged.
// The history is never trimmed.
func (s *Sink) CaptureSnapshot() (*Record, error) {
	return s.CaptureSnapshotLimit(0)
}

// CaptureSnapshotLimit is CaptureSnapshot, but fails with ErrHistoryFull if the history
// already has 'limit' records. The check and the append happen under the same lock,
// so concurrent captures can never push the history past the limit.
// A limit of zero means unlimited.
func (s *Sink) CaptureSnapshotLimit(limit int) (*Record, error) {
	frame := s.source.LastFrame()
	if frame == nil {
		return nil, ErrNothingCaptured
	}
	r := &Record{
		CapturedAt: time.Now().UTC(),
		FrameSeq:   frame.Seq,
		Original:   imagex.ToRGB(frame.Source),
		Annotated:  imagex.ToRGB(frame.Annotated),
		Detections: append([]nn.ObjectDetection{}, frame.Detections...),
		Width:      frame.Annotated.Width,
		Height:     frame.Annotated.Height,
	}
	if err := s.history.append(r, limit); err != nil {
		return nil, err
	}
	s.log.Infof("Captured snapshot %v (frame %v, %v detections)", r.ID, r.FrameSeq, len(r.Detections))
	return r, nil
}
