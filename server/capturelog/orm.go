package capturelog

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/orchard/pkg/nn"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Capture is the metadata of one snapshot. We never store the images.
type Capture struct {
	BaseModel
	Session    string                                `json:"session"` // Public session ID (not the cookie)
	Time       dbh.IntTime                           `json:"time"`
	RecordID   int64                                 `json:"recordID"` // ID of the record in the session's history
	FrameSeq   int64                                 `json:"frameSeq"` // Sequence number of the annotated frame that was captured
	Width      int                                   `json:"width"`
	Height     int                                   `json:"height"`
	Detections *dbh.JSONField[CaptureDetectionsJSON] `json:"detections"`
}

type CaptureDetectionsJSON struct {
	Objects []nn.ObjectDetection `json:"objects"`
}

// StreamSummary is written when a frame stream ends
type StreamSummary struct {
	BaseModel
	Session         string      `json:"session"`
	StartedAt       dbh.IntTime `json:"startedAt"`
	EndedAt         dbh.IntTime `json:"endedAt"`
	Mode            string      `json:"mode"`    // "detecting" or "tracking"
	Tracker         string      `json:"tracker"` // eg "bytetrack"
	FramesReceived  int64       `json:"framesReceived"`
	FramesDropped   int64       `json:"framesDropped"` // Frames that were overwritten before we got to them
	FramesProcessed int64       `json:"framesProcessed"`
	FramesFailed    int64       `json:"framesFailed"`
	AvgProcessMS    float64     `json:"avgProcessMS"`
}
