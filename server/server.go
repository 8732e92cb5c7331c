// Package server is the HTTP front end of orchard. It owns the sessions, and connects
// browser streams to pipelines.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/modelserver"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/pkg/track"
	"github.com/cyclopcam/orchard/server/capturelog"
	"github.com/cyclopcam/orchard/server/pipeline"
	"github.com/cyclopcam/orchard/server/session"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log              logs.Log
	ShutdownComplete chan bool // Closed when Shutdown has finished

	config     Config
	detector   nn.ObjectDetector
	sessions   *session.Registry
	captureLog *capturelog.CaptureLog // nil if disabled
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
	isShutdown atomic.Bool
}

// NewServer creates a server from config.
// If detector is nil, then we create a client for the model server named in the config.
func NewServer(logger logs.Log, config Config, detector nn.ObjectDetector) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		Log:              logger,
		ShutdownComplete: make(chan bool),
		config:           config,
		detector:         detector,
	}

	if s.detector == nil {
		msConfig, err := config.ModelServer.clientConfig()
		if err != nil {
			return nil, err
		}
		client, err := modelserver.New(logger, msConfig)
		if err != nil {
			return nil, err
		}
		s.detector = client
	}

	if config.CaptureLog != "" {
		cl, err := capturelog.Open(logger, config.CaptureLog)
		if err != nil {
			s.detector.Close()
			return nil, err
		}
		s.captureLog = cl
	}

	s.sessions = session.NewRegistry(logger, config.SessionIdleTimeout(), s.onSessionEnd)
	s.setupHttpRoutes()
	return s, nil
}

// Every stream gets its own adapter, so that tracking state is never shared between streams
func (s *Server) newAdapter() pipeline.InferenceAdapter {
	return pipeline.NewDetectorAdapter(s.detector, track.DefaultSettings())
}

func (s *Server) onSessionEnd(sess *session.Session) {
	s.Log.Infof("Discarding session %v with %v snapshots", sess.ID, sess.History.Len())
}

// Handler is the root HTTP handler, for use with httptest
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// address example: ":8080"
func (s *Server) ListenHTTP(address string) error {
	s.Log.Infof("Listening on %v", address)
	s.httpServer = &http.Server{
		Addr:    address,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	if !s.isShutdown.CompareAndSwap(false, true) {
		return
	}
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown: %v", err)
		}
	}
	s.sessions.Close()
	if s.captureLog != nil {
		s.captureLog.Close()
	}
	s.detector.Close()
	s.Log.Infof("Shutdown complete")
	close(s.ShutdownComplete)
}
