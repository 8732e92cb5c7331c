package server

import (
	"net/http"

	"github.com/cyclopcam/orchard/server/pipeline"
	"github.com/cyclopcam/orchard/server/session"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

type sessionJSON struct {
	ID                 string  `json:"id"`
	Created            bool    `json:"created"` // False if the caller already had a session
	DefaultThreshold   float32 `json:"defaultThreshold"`
	SliderMinThreshold float32 `json:"sliderMinThreshold"`
	SliderMaxThreshold float32 `json:"sliderMaxThreshold"`
	NumSnapshots       int     `json:"numSnapshots"`
}

func (s *Server) httpSessionCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess, created := s.sessions.GetOrCreate(w, r)
	www.SendJSON(w, &sessionJSON{
		ID:                 sess.ID,
		Created:            created,
		DefaultThreshold:   s.config.DefaultThreshold,
		SliderMinThreshold: pipeline.SliderMinThreshold,
		SliderMaxThreshold: pipeline.SliderMaxThreshold,
		NumSnapshots:       sess.History.Len(),
	})
}

// Ending a session discards its pipeline and its history
func (s *Server) httpSessionEnd(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session) {
	s.sessions.End(w, sess)
	www.SendOK(w)
}
