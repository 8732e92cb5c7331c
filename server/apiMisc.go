package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/server/capturelog"
	"github.com/cyclopcam/orchard/server/pipeline"
	"github.com/cyclopcam/orchard/server/session"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	www.SendJSON(w, &pingJSON{Time: time.Now().Unix()})
}

// Class labels of the model, and descriptions of the diseases for the home page
func (s *Server) httpClasses(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type classesJSON struct {
		Classes            []string     `json:"classes"`
		Diseases           []nn.Disease `json:"diseases"`
		DefaultThreshold   float32      `json:"defaultThreshold"`
		SliderMinThreshold float32      `json:"sliderMinThreshold"`
		SliderMaxThreshold float32      `json:"sliderMaxThreshold"`
	}
	www.CacheSeconds(w, 300)
	www.SendJSON(w, &classesJSON{
		Classes:            s.detector.Config().Classes,
		Diseases:           nn.AppleDiseases,
		DefaultThreshold:   s.config.DefaultThreshold,
		SliderMinThreshold: pipeline.SliderMinThreshold,
		SliderMaxThreshold: pipeline.SliderMaxThreshold,
	})
}

// Captures and stream summaries of the caller's own session.
// Example: GET /api/diagnostics/captures?limit=20
func (s *Server) httpDiagnosticsCaptures(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	if s.captureLog == nil {
		www.Panic(http.StatusNotFound, "Capture log is disabled")
	}
	limit := www.QueryInt(r, "limit")
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	type response struct {
		Captures []capturelog.Capture       `json:"captures"`
		Streams  []capturelog.StreamSummary `json:"streams"`
	}
	resp := response{}
	var err error
	resp.Captures, err = s.captureLog.RecentCaptures(sess.ID, limit)
	www.Check(err)
	resp.Streams, err = s.captureLog.RecentStreams(sess.ID, limit)
	www.Check(err)
	www.SendJSON(w, &resp)
}
