package stream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
)

// First byte of a binary message from the client
// SYNC-STREAM-FRAME-TYPE
type frameType byte

const (
	frameTypeJPEG  frameType = 0
	frameTypeBGR24 frameType = 1
	frameTypeRGB24 frameType = 2
)

// Raw frames have a 4 byte header after the type: uint16 width, uint16 height (little endian)
const rawHeaderSize = 5

var ErrEmptyMessage = errors.New("empty frame message")

// Decode a binary websocket message into a frame
func decodeFrame(msg []byte) (*cimg.Image, error) {
	if len(msg) == 0 {
		return nil, ErrEmptyMessage
	}
	switch frameType(msg[0]) {
	case frameTypeJPEG:
		return imagex.DecodeJPEG(msg[1:])
	case frameTypeBGR24, frameTypeRGB24:
		if len(msg) < rawHeaderSize {
			return nil, fmt.Errorf("%w: raw frame header is truncated", imagex.ErrMalformedFrame)
		}
		width := int(binary.LittleEndian.Uint16(msg[1:3]))
		height := int(binary.LittleEndian.Uint16(msg[3:5]))
		format := cimg.PixelFormatBGR
		if frameType(msg[0]) == frameTypeRGB24 {
			format = cimg.PixelFormatRGB
		}
		return imagex.FromRaw(width, height, format, msg[rawHeaderSize:])
	default:
		return nil, fmt.Errorf("%w: unknown frame type %v", imagex.ErrMalformedFrame, msg[0])
	}
}

// Sent by client as a TEXT message
// SYNC-STREAM-COMMANDS
type commandJSON struct {
	Command string   `json:"command"` // "threshold", "pause", "resume"
	Value   *float32 `json:"value,omitempty"`
}

// Sent by the server as a TEXT message, after the BINARY message that holds the JPEG of the frame
type detectionsJSON struct {
	Type      string               `json:"type"` // "detections"
	Seq       uint64               `json:"seq"`  // zero if the frame was not annotated
	Annotated bool                 `json:"annotated"`
	Objects   []nn.ObjectDetection `json:"objects"`
	Error     string               `json:"error,omitempty"`
	Dropped   int64                `json:"dropped"` // total frames dropped so far on this stream
	Tracks    int                  `json:"tracks"`  // objects currently followed by the tracker
}

// Sent by the server in reply to a threshold command
type thresholdJSON struct {
	Type  string  `json:"type"` // "threshold"
	Value float32 `json:"value"`
}
