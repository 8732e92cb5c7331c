package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/orchard/server/session"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type sessionHandler func(w http.ResponseWriter, r *http.Request, params httprouter.Params, sess *session.Session)

func (s *Server) setupHttpRoutes() {
	logEveryRequest := false
	router := httprouter.New()
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	// withSession creates an HTTP handler that requires a session cookie
	withSession := func(method, route string, handle sessionHandler) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP (session) %v %v", method, r.URL.Path)
			}
			sess := s.sessions.FromRequest(r)
			if sess == nil {
				www.PanicUnauthorized()
			}
			handle(w, r, params, sess)
		})
	}

	// noSession creates an HTTP handler that doesn't need a session
	noSession := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP (no session) %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// ratelimited wraps a handler with a per-IP rate limit.
	// Each route gets its own limiter, so we don't need httprate.KeyByEndpoint.
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	// ratelimitedSession is ratelimited + withSession
	ratelimitedSession := func(method, route string, handle sessionHandler, requestLimit int, windowLength time.Duration) {
		ratelimited(method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			sess := s.sessions.FromRequest(r)
			if sess == nil {
				www.PanicUnauthorized()
			}
			handle(w, r, params, sess)
		}, requestLimit, windowLength)
	}

	noSession("GET", "/api/ping", s.httpPing)
	noSession("GET", "/api/classes", s.httpClasses)
	withSession("GET", "/api/diagnostics/captures", s.httpDiagnosticsCaptures)

	ratelimited("POST", "/api/session", s.httpSessionCreate, s.config.SessionsPerMinute, time.Minute)
	withSession("DELETE", "/api/session", s.httpSessionEnd)

	withSession("GET", "/api/pipeline", s.httpPipelineGet)
	withSession("POST", "/api/pipeline", s.httpPipelineCreate)
	withSession("PUT", "/api/pipeline/threshold", s.httpPipelineSetThreshold)
	withSession("GET", "/api/pipeline/stream", s.httpPipelineStream)
	withSession("GET", "/api/pipeline/latest.jpg", s.httpPipelineLatestImage)

	ratelimitedSession("POST", "/api/snapshot", s.httpSnapshot, s.config.SnapshotsPerMinute, time.Minute)
	withSession("GET", "/api/history", s.httpHistoryList)
	withSession("GET", "/api/history/:id/:image", s.httpHistoryImage)

	s.httpRouter = router
}
