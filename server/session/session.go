// Package session owns per-browser state: the pipeline configuration and the snapshot history.
// Sessions are anonymous, held in memory, and discarded when they end or go idle.
package session

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/idgen"
	"github.com/cyclopcam/orchard/server/history"
	"github.com/cyclopcam/orchard/server/pipeline"
)

const SessionCookie = "orchard_session"

// Session is the lifetime of one user's interactive use of the application
type Session struct {
	ID        string // Public identifier, safe to log. Not the cookie.
	CreatedAt time.Time
	History   *history.History
	Sink      *history.Sink

	token    string
	lastSeen atomic.Int64 // unix nanoseconds

	pipelineLock sync.Mutex
	pipeline     *pipeline.Pipeline

	streamsLock sync.Mutex
	streams     map[int64]io.Closer // key is from nextStream
	nextStream  int64
	ended       bool
}

func newSession(log logs.Log) *Session {
	s := &Session{
		ID:        idgen.Token(8),
		CreatedAt: time.Now(),
		History:   history.New(),
		token:     idgen.Token(30),
	}
	s.Sink = history.NewSink(logs.NewPrefixLogger(log, "Session "+s.ID), s, s.History)
	s.Touch()
	return s
}

// Pipeline returns the session's current pipeline, or nil if none has been configured
func (s *Session) Pipeline() *pipeline.Pipeline {
	s.pipelineLock.Lock()
	defer s.pipelineLock.Unlock()
	return s.pipeline
}

// SetPipeline replaces the session's pipeline.
// Streams that are already running keep the pipeline that they started with.
func (s *Session) SetPipeline(p *pipeline.Pipeline) {
	s.pipelineLock.Lock()
	defer s.pipelineLock.Unlock()
	s.pipeline = p
}

// LastFrame returns the most recent frame of the current pipeline
func (s *Session) LastFrame() *pipeline.AnnotatedFrame {
	p := s.Pipeline()
	if p == nil {
		return nil
	}
	return p.State.LastFrame()
}

// AddStream registers the connection of a running stream, so that it is closed when the session ends.
// Call the returned function when the stream is done.
// If the session has already ended, c is closed immediately.
func (s *Session) AddStream(c io.Closer) func() {
	s.streamsLock.Lock()
	if s.ended {
		s.streamsLock.Unlock()
		c.Close()
		return func() {}
	}
	if s.streams == nil {
		s.streams = map[int64]io.Closer{}
	}
	s.nextStream++
	key := s.nextStream
	s.streams[key] = c
	s.streamsLock.Unlock()
	return func() {
		s.streamsLock.Lock()
		delete(s.streams, key)
		s.streamsLock.Unlock()
	}
}

// NumStreams is the number of streams that are currently running
func (s *Session) NumStreams() int {
	s.streamsLock.Lock()
	defer s.streamsLock.Unlock()
	return len(s.streams)
}

// Close all running streams, and refuse new ones
func (s *Session) closeStreams() {
	s.streamsLock.Lock()
	s.ended = true
	streams := s.streams
	s.streams = nil
	s.streamsLock.Unlock()
	for _, c := range streams {
		c.Close()
	}
}

func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Registry holds all live sessions
type Registry struct {
	log         logs.Log
	rootLog     logs.Log
	idleTimeout time.Duration
	onEnd       func(s *Session)

	lock     sync.Mutex
	sessions map[string]*Session // key is the cookie token

	shutdown      chan bool
	sweeperClosed chan bool
}

// NewRegistry starts a registry that expires sessions after idleTimeout of inactivity.
// An idleTimeout of zero means sessions never expire.
// onEnd, if not nil, is called whenever a session ends, for whatever reason.
func NewRegistry(log logs.Log, idleTimeout time.Duration, onEnd func(s *Session)) *Registry {
	r := &Registry{
		log:           logs.NewPrefixLogger(log, "Sessions"),
		rootLog:       log,
		idleTimeout:   idleTimeout,
		onEnd:         onEnd,
		sessions:      map[string]*Session{},
		shutdown:      make(chan bool),
		sweeperClosed: make(chan bool),
	}
	go r.sweeper()
	return r
}

// Close stops the sweeper. Sessions remain readable.
func (r *Registry) Close() {
	close(r.shutdown)
	<-r.sweeperClosed
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sessions)
}

// FromRequest returns the session identified by the request's cookie, or nil
func (r *Registry) FromRequest(req *http.Request) *Session {
	cookie, err := req.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	r.lock.Lock()
	s := r.sessions[cookie.Value]
	r.lock.Unlock()
	if s != nil {
		s.Touch()
	}
	return s
}

// GetOrCreate returns the request's existing session, or creates a new one and sets the cookie.
// The boolean is true if a new session was created.
func (r *Registry) GetOrCreate(w http.ResponseWriter, req *http.Request) (*Session, bool) {
	if s := r.FromRequest(req); s != nil {
		return s, false
	}
	s := newSession(r.rootLog)
	r.lock.Lock()
	r.sessions[s.token] = s
	r.lock.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	r.log.Infof("Session %v started", s.ID)
	return s, true
}

// End discards the session, including its history, and clears the cookie
func (r *Registry) End(w http.ResponseWriter, s *Session) {
	if r.remove(s) {
		r.log.Infof("Session %v ended", s.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (r *Registry) remove(s *Session) bool {
	r.lock.Lock()
	_, ok := r.sessions[s.token]
	delete(r.sessions, s.token)
	r.lock.Unlock()
	if !ok {
		return false
	}
	s.closeStreams()
	if r.onEnd != nil {
		r.onEnd(s)
	}
	return true
}

// Remove sessions that have been idle for longer than the idle timeout.
// A session with a running stream is never idle.
// Returns the number of sessions removed.
func (r *Registry) sweep(now time.Time) int {
	if r.idleTimeout <= 0 {
		return 0
	}
	expired := []*Session{}
	r.lock.Lock()
	for _, s := range r.sessions {
		if now.Sub(s.LastSeen()) > r.idleTimeout && s.NumStreams() == 0 {
			expired = append(expired, s)
		}
	}
	r.lock.Unlock()
	for _, s := range expired {
		if r.remove(s) {
			r.log.Infof("Session %v expired after %v idle", s.ID, now.Sub(s.LastSeen()).Round(time.Second))
		}
	}
	return len(expired)
}

func (r *Registry) sweeper() {
	interval := min(max(r.idleTimeout/4, time.Second), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			close(r.sweeperClosed)
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}
