package stream

import (
	"sync"

	"github.com/bmharper/cimg/v2"
)

// mailbox is a single-slot buffer between the websocket reader and the processing worker.
// A new frame replaces an unconsumed older one, so the worker always sees the most recent frame.
type mailbox struct {
	lock    sync.Mutex
	cond    *sync.Cond
	frame   *cimg.Image
	closed  bool
	dropped int64
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.lock)
	return m
}

// Put stores the frame, and returns true if an unconsumed frame was overwritten.
// After close, frames are discarded.
func (m *mailbox) put(frame *cimg.Image) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return false
	}
	overwrote := m.frame != nil
	if overwrote {
		m.dropped++
	}
	m.frame = frame
	m.cond.Signal()
	return overwrote
}

// Take blocks until a frame is available, or the mailbox is closed, in which case it returns nil
func (m *mailbox) take() *cimg.Image {
	m.lock.Lock()
	defer m.lock.Unlock()
	for m.frame == nil && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil
	}
	frame := m.frame
	m.frame = nil
	return frame
}

func (m *mailbox) close() {
	m.lock.Lock()
	m.closed = true
	m.frame = nil
	m.cond.Broadcast()
	m.lock.Unlock()
}

func (m *mailbox) numDropped() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.dropped
}
