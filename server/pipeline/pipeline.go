// Package pipeline is the real-time frame processing core: it turns incoming
// camera frames into annotated frames, and remembers the most recent one so
// that it can be captured at any time.
package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

// Pipeline ties together the shared state of a configuration, and the processors of
// the streams that run under it.
// To change anything other than the threshold, create a new Pipeline.
type Pipeline struct {
	Log       logs.Log
	State     *State
	CreatedAt time.Time

	newAdapter    AdapterFactory
	stats         stats
	activeStreams atomic.Int32
}

// New validates config and creates a pipeline.
// newAdapter is called once for every processor created by NewProcessor.
func New(log logs.Log, config Config, newAdapter AdapterFactory) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		Log:        log,
		State:      NewState(config),
		CreatedAt:  time.Now(),
		newAdapter: newAdapter,
	}
	log.Infof("Created pipeline: mode %v, tracker %v, threshold %.2f", p.Mode(), p.State.Config().Tracker, config.Threshold)
	return p, nil
}

func (p *Pipeline) Mode() Mode {
	c := p.State.Config()
	return c.Mode()
}

// NewProcessor creates a processor for a new stream.
// Call the returned release function when the stream ends.
func (p *Pipeline) NewProcessor() (*Processor, func()) {
	p.activeStreams.Add(1)
	proc := newProcessor(p.Log, p.State, p.newAdapter(), &p.stats)
	var released atomic.Bool
	release := func() {
		if released.CompareAndSwap(false, true) {
			p.activeStreams.Add(-1)
		}
	}
	return proc, release
}

func (p *Pipeline) Stats() Stats {
	s := p.stats.snapshot()
	s.NumActiveStreams = int(p.activeStreams.Load())
	if f := p.State.LastFrame(); f != nil {
		s.LastFrameSeq = f.Seq
	}
	return s
}
