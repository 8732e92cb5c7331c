package server

import (
	"errors"
	"net/http"

	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/server/history"
	"github.com/cyclopcam/orchard/server/session"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Capture the most recent annotated frame into the session's history
func (s *Server) httpSnapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	rec, err := sess.Sink.CaptureSnapshotLimit(s.config.MaxHistory)
	if errors.Is(err, history.ErrNothingCaptured) {
		www.Panic(http.StatusConflict, "No frame has been processed yet")
	} else if errors.Is(err, history.ErrHistoryFull) {
		www.Panic(http.StatusConflict, "History is full")
	}
	www.Check(err)
	if s.captureLog != nil {
		if err := s.captureLog.LogCapture(sess.ID, rec); err != nil {
			s.Log.Warnf("%v", err)
		}
	}
	www.SendJSON(w, rec)
}

// List the session's history, oldest first. Images are fetched separately.
func (s *Server) httpHistoryList(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	www.SendJSON(w, sess.History.Records())
}

// Example: GET /api/history/3/annotated.jpg
func (s *Server) httpHistoryImage(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	id := www.ParseID(params.ByName("id"))
	rec := sess.History.Get(id)
	if rec == nil {
		www.PanicNotFound()
	}
	var jpg []byte
	var err error
	switch params.ByName("image") {
	case "original.jpg":
		jpg, err = imagex.EncodeJPEG(rec.Original, s.config.ImageJPEGQuality)
	case "annotated.jpg":
		jpg, err = imagex.EncodeJPEG(rec.Annotated, s.config.ImageJPEGQuality)
	default:
		www.PanicBadRequestf("Invalid image '%v'. Valid values are 'original.jpg' and 'annotated.jpg'", params.ByName("image"))
	}
	www.Check(err)
	// IDs are only unique within a session, so a cached image could belong to a previous session
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}
