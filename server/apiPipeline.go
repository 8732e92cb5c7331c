package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/server/capturelog"
	"github.com/cyclopcam/orchard/server/pipeline"
	"github.com/cyclopcam/orchard/server/session"
	"github.com/cyclopcam/orchard/server/stream"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// SYNC-PIPELINE-JSON
type pipelineJSON struct {
	Configured       bool            `json:"configured"`
	Mode             string          `json:"mode,omitempty"`
	Tracking         bool            `json:"tracking"`
	Tracker          string          `json:"tracker,omitempty"`
	Threshold        float32         `json:"threshold"`        // Current threshold
	InitialThreshold float32         `json:"initialThreshold"` // Threshold that the pipeline was created with
	CreatedAt        int64           `json:"createdAt"`        // Unix milliseconds
	Stats            *pipeline.Stats `json:"stats,omitempty"`
}

func toPipelineJSON(p *pipeline.Pipeline) *pipelineJSON {
	if p == nil {
		return &pipelineJSON{}
	}
	cfg := p.State.Config()
	stats := p.Stats()
	return &pipelineJSON{
		Configured:       true,
		Mode:             p.Mode().String(),
		Tracking:         cfg.Tracking,
		Tracker:          cfg.Tracker.String(),
		Threshold:        p.State.Threshold(),
		InitialThreshold: cfg.Threshold,
		CreatedAt:        p.CreatedAt.UnixMilli(),
		Stats:            &stats,
	}
}

func (s *Server) newPipeline(sess *session.Session, cfg pipeline.Config) (*pipeline.Pipeline, error) {
	log := logs.NewPrefixLogger(s.Log, fmt.Sprintf("Pipeline %v", sess.ID))
	return pipeline.New(log, cfg, s.newAdapter)
}

// Return the session's pipeline, or create a default one if the session has none yet
func (s *Server) pipelineOrDefault(sess *session.Session) *pipeline.Pipeline {
	if p := sess.Pipeline(); p != nil {
		return p
	}
	cfg := pipeline.DefaultConfig()
	cfg.Threshold = s.config.DefaultThreshold
	p, err := s.newPipeline(sess, cfg)
	www.Check(err)
	sess.SetPipeline(p)
	return p
}

func (s *Server) httpPipelineGet(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	www.SendJSON(w, toPipelineJSON(sess.Pipeline()))
}

// Replace the session's pipeline with a new one.
// Streams that are already running continue on the old pipeline until they reconnect.
func (s *Server) httpPipelineCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	type request struct {
		Threshold *float32 `json:"threshold"`
		Tracking  bool     `json:"tracking"`
		Tracker   string   `json:"tracker"`
	}
	req := request{}
	www.ReadJSON(w, r, &req, 64*1024)
	threshold := s.config.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	cfg, err := pipeline.NewConfig(threshold, req.Tracking, req.Tracker)
	var cfgErr *pipeline.ConfigError
	if errors.As(err, &cfgErr) {
		www.PanicBadRequestf("%v", cfgErr)
	}
	www.Check(err)
	p, err := s.newPipeline(sess, cfg)
	if errors.As(err, &cfgErr) {
		www.PanicBadRequestf("%v", cfgErr)
	}
	www.Check(err)
	sess.SetPipeline(p)
	www.SendJSON(w, toPipelineJSON(p))
}

// Example: PUT /api/pipeline/threshold?value=0.55
// The value is clamped to [0, 1]
func (s *Server) httpPipelineSetThreshold(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	v, err := strconv.ParseFloat(www.RequiredQueryValue(r, "value"), 32)
	if err != nil {
		www.PanicBadRequestf("Invalid threshold: %v", err)
	}
	p := sess.Pipeline()
	if p == nil {
		www.Panic(http.StatusConflict, "No pipeline has been configured")
	}
	type response struct {
		Threshold float32 `json:"threshold"`
	}
	www.SendJSON(w, &response{Threshold: p.State.SetThreshold(float32(v))})
}

// Websocket stream of frames. See the stream package for the protocol.
func (s *Server) httpPipelineStream(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	p := s.pipelineOrDefault(sess)
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already sent an HTTP error
		s.Log.Errorf("Stream websocket upgrade failed: %v", err)
		return
	}
	// Ending the session closes the socket, which ends the stream
	removeStream := sess.AddStream(conn)
	options := stream.DefaultOptions()
	options.JPEGQuality = s.config.StreamJPEGQuality
	summary := stream.Run(logs.NewPrefixLogger(s.Log, fmt.Sprintf("Session %v", sess.ID)), conn, p, options)
	removeStream()
	sess.Touch()

	if s.captureLog != nil {
		row := &capturelog.StreamSummary{
			Session:         sess.ID,
			StartedAt:       dbh.MakeIntTime(summary.StartedAt),
			EndedAt:         dbh.MakeIntTime(summary.EndedAt),
			Mode:            summary.Mode.String(),
			Tracker:         summary.Tracker.String(),
			FramesReceived:  summary.FramesReceived,
			FramesDropped:   summary.FramesDropped,
			FramesProcessed: summary.FramesProcessed,
			FramesFailed:    summary.FramesFailed,
			AvgProcessMS:    summary.AvgProcessMS,
		}
		if err := s.captureLog.LogStream(row); err != nil {
			s.Log.Warnf("%v", err)
		}
	}
}

// The most recent annotated frame of the session's pipeline
func (s *Server) httpPipelineLatestImage(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	frame := sess.LastFrame()
	if frame == nil {
		www.PanicNotFound()
	}
	jpg, err := imagex.EncodeJPEG(frame.Annotated, s.config.ImageJPEGQuality)
	www.Check(err)
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.Header().Set("Last-Modified", frame.ProducedAt.UTC().Format(http.TimeFormat))
	w.Write(jpg)
}
