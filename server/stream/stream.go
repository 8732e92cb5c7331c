// Package stream carries frames between a browser and a pipeline over a websocket.
// The browser sends camera frames, and receives the annotated frame and its detections back.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/pkg/perfstats"
	"github.com/cyclopcam/orchard/pkg/track"
	"github.com/cyclopcam/orchard/server/pipeline"
	"github.com/gorilla/websocket"
)

// Don't log bad client messages more often than this
const badMessageLogInterval = 5 * time.Second

type Options struct {
	JPEGQuality    int           // Quality of the JPEG frames that we send back
	MaxMessageSize int64         // Largest frame that we'll accept from the client
	WriteTimeout   time.Duration // Give up on a client that takes longer than this to accept a frame
}

func DefaultOptions() Options {
	return Options{
		JPEGQuality:    80,
		MaxMessageSize: 32 * 1024 * 1024,
		WriteTimeout:   10 * time.Second,
	}
}

// Summary describes a stream after it has ended
type Summary struct {
	ID              int64
	StartedAt       time.Time
	EndedAt         time.Time
	Mode            pipeline.Mode
	Tracker         track.Kind
	FramesReceived  int64 // Frames decoded successfully
	FramesDropped   int64 // Frames that were overwritten before the worker got to them, or arrived while paused
	FramesProcessed int64 // Frames that were annotated
	FramesFailed    int64 // Frames that fell back to the original image
	BadMessages     int64 // Messages that could not be decoded
	AvgProcessMS    float64
	MaxProcessMS    float64
}

var nextStreamID atomic.Int64

type streamer struct {
	log      logs.Log
	id       int64
	conn     *websocket.Conn
	pipeline *pipeline.Pipeline
	proc     *pipeline.Processor
	options  Options
	inbox    *mailbox

	paused         atomic.Bool
	writeLock      sync.Mutex
	received       atomic.Int64
	droppedPaused  atomic.Int64
	badMessages    atomic.Int64
	lastBadMessage time.Time // reader only

	// Owned by the worker
	processed   int64
	failed      int64
	processTime perfstats.TimeAccumulator
}

// Run services the websocket until it closes, and then returns a summary of the stream.
// Every frame received from conn is run through a processor of p.
func Run(logger logs.Log, conn *websocket.Conn, p *pipeline.Pipeline, options Options) Summary {
	id := nextStreamID.Add(1)
	proc, release := p.NewProcessor()
	defer release()

	s := &streamer{
		log:      logs.NewPrefixLogger(logger, fmt.Sprintf("Stream %v", id)),
		id:       id,
		conn:     conn,
		pipeline: p,
		proc:     proc,
		options:  options,
		inbox:    newMailbox(),
	}

	summary := Summary{
		ID:        id,
		StartedAt: time.Now(),
		Mode:      p.Mode(),
		Tracker:   p.State.Config().Tracker,
	}
	s.log.Infof("Started (mode %v)", summary.Mode)

	workerDone := make(chan bool)
	go func() {
		s.worker()
		close(workerDone)
	}()

	s.reader()

	// The reader has exited, which means the socket is dead. Let the worker finish its current frame.
	s.inbox.close()
	<-workerDone
	conn.Close()

	summary.EndedAt = time.Now()
	summary.FramesReceived = s.received.Load()
	summary.FramesDropped = s.inbox.numDropped() + s.droppedPaused.Load()
	summary.FramesProcessed = s.processed
	summary.FramesFailed = s.failed
	summary.BadMessages = s.badMessages.Load()
	summary.AvgProcessMS = float64(s.processTime.Average().Microseconds()) / 1000
	summary.MaxProcessMS = float64(s.processTime.Max.Microseconds()) / 1000
	s.log.Infof("Ended after %v. Received %v, dropped %v, processed %v, failed %v",
		summary.EndedAt.Sub(summary.StartedAt).Round(time.Second), summary.FramesReceived, summary.FramesDropped, summary.FramesProcessed, summary.FramesFailed)
	return summary
}

// Read from the websocket until it fails
func (s *streamer) reader() {
	s.conn.SetReadLimit(s.options.MaxMessageSize)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Infof("Read failed: %v", err)
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.onFrame(data)
		case websocket.TextMessage:
			s.onCommand(data)
		}
	}
}

func (s *streamer) onFrame(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		s.onBadMessage(err)
		return
	}
	s.received.Add(1)
	if s.paused.Load() {
		s.droppedPaused.Add(1)
		return
	}
	s.inbox.put(frame)
}

func (s *streamer) onCommand(data []byte) {
	cmd := commandJSON{}
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.onBadMessage(fmt.Errorf("Invalid command JSON: %w", err))
		return
	}
	switch cmd.Command {
	case "threshold":
		if cmd.Value == nil {
			s.onBadMessage(fmt.Errorf("threshold command has no value"))
			return
		}
		t := s.pipeline.State.SetThreshold(*cmd.Value)
		s.log.Infof("Threshold set to %.2f", t)
		s.sendJSON(&thresholdJSON{Type: "threshold", Value: t})
	case "pause":
		s.paused.Store(true)
	case "resume":
		s.paused.Store(false)
	default:
		s.onBadMessage(fmt.Errorf("Unknown command '%v'", cmd.Command))
	}
}

func (s *streamer) onBadMessage(err error) {
	s.badMessages.Add(1)
	if time.Since(s.lastBadMessage) > badMessageLogInterval {
		s.log.Warnf("Bad message from client (%v so far): %v", s.badMessages.Load(), err)
		s.lastBadMessage = time.Now()
	}
}

// Process frames from the inbox until it is closed
func (s *streamer) worker() {
	for {
		frame := s.inbox.take()
		if frame == nil {
			return
		}
		start := time.Now()
		result := s.proc.Process(frame)
		s.processTime.AddSample(time.Since(start))
		if result.Annotated {
			s.processed++
		} else {
			s.failed++
		}
		if s.paused.Load() {
			continue
		}
		if err := s.sendResult(result); err != nil {
			s.log.Infof("Write failed: %v", err)
			// Unblock the reader, which will then close the inbox
			s.conn.Close()
			return
		}
	}
}

// Send the JPEG as a BINARY message, followed by the detections as a TEXT message
func (s *streamer) sendResult(result pipeline.Result) error {
	jpg, err := imagex.EncodeJPEG(result.Frame, s.options.JPEGQuality)
	if err != nil {
		return err
	}
	msg := detectionsJSON{
		Type:      "detections",
		Seq:       result.Seq,
		Annotated: result.Annotated,
		Objects:   result.Detections,
		Dropped:   s.inbox.numDropped() + s.droppedPaused.Load(),
		Tracks:    result.NumTracks,
	}
	if msg.Objects == nil {
		msg.Objects = []nn.ObjectDetection{}
	}
	if result.Err != nil {
		msg.Error = result.Err.Error()
	}
	j, err := json.Marshal(&msg)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, jpg); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, j)
}

func (s *streamer) sendJSON(obj any) {
	j, err := json.Marshal(obj)
	if err != nil {
		s.log.Errorf("Failed to marshal websocket message: %v", err)
		return
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, j); err != nil {
		s.log.Infof("Write failed: %v", err)
	}
}
