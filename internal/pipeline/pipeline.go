// Package pipeline runs capture, encode and publish as one loop and
// restarts it when capture or encoding fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/junsooki/shar/internal/capture"
	"github.com/junsooki/shar/internal/encoder"
	"github.com/junsooki/shar/internal/events"
	"github.com/junsooki/shar/internal/media"
	"github.com/junsooki/shar/internal/mux"
	"github.com/junsooki/shar/internal/protocol"
	"github.com/junsooki/shar/internal/session"
)

// ErrRestartsExhausted is returned by Run when the pipeline keeps failing.
var ErrRestartsExhausted = errors.New("pipeline restarts exhausted")

// State of the pipeline as shown to operators.
type State string

const (
	StateStarting State = "starting"
	StateUp       State = "up"
	StateDown     State = "down"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// SourceFactory opens a new capture source for each run.
type SourceFactory func() (capture.Source, error)

// EncoderFactory creates a new encoder for each run. Every encoder draws
// sequence numbers from the same seq.
type EncoderFactory func(seq *media.Sequence, quality int) encoder.Encoder

type Config struct {
	Quality      int
	RestartDelay time.Duration
	MaxRestarts  int // 0 means unlimited
}

// Status is a snapshot of the pipeline.
type Status struct {
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
	Frames    uint64    `json:"frames"`
	LastSeq   uint64    `json:"lastSeq"`
	Quality   int       `json:"quality"`
}

type Pipeline struct {
	cfg        Config
	newSource  SourceFactory
	newEncoder EncoderFactory
	mux        *mux.Mux
	reg        *session.Registry
	emitter    events.Emitter
	log        *slog.Logger

	seq     media.Sequence
	quality atomic.Int32
	frames  atomic.Uint64

	mu       sync.Mutex
	enc      encoder.Encoder
	state    State
	since    time.Time
	restarts int
	lastErr  error
}

func New(cfg Config, newSource SourceFactory, newEncoder EncoderFactory, m *mux.Mux, reg *session.Registry, emitter events.Emitter) *Pipeline {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	p := &Pipeline{
		cfg:        cfg,
		newSource:  newSource,
		newEncoder: newEncoder,
		mux:        m,
		reg:        reg,
		emitter:    emitter,
		log:        slog.With("component", "pipeline"),
		state:      StateStarting,
		since:      time.Now(),
	}
	p.quality.Store(int32(cfg.Quality))
	return p
}

// RequestKeyframe asks the running encoder for a keyframe. A restarted
// encoder always starts with one, so requests while down are dropped.
func (p *Pipeline) RequestKeyframe() {
	p.mu.Lock()
	enc := p.enc
	p.mu.Unlock()
	if enc != nil {
		enc.ForceKeyframe()
	}
}

// Quality returns the encoder quality.
func (p *Pipeline) Quality() int {
	return int(p.quality.Load())
}

// SetQuality changes the quality of the running and future encoders.
func (p *Pipeline) SetQuality(q int) {
	p.mu.Lock()
	enc := p.enc
	p.mu.Unlock()
	if enc != nil {
		enc.SetQuality(q)
		q = enc.Quality()
	}
	p.quality.Store(int32(q))
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:    p.state,
		Restarts: p.restarts,
		Since:    p.since,
		Frames:   p.frames.Load(),
		LastSeq:  p.seq.Last(),
		Quality:  p.Quality(),
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

func (p *Pipeline) setState(s State, err error) {
	p.mu.Lock()
	p.state = s
	p.since = time.Now()
	if err != nil {
		p.lastErr = err
	}
	p.mu.Unlock()
}

func (p *Pipeline) setEncoder(enc encoder.Encoder) {
	p.mu.Lock()
	p.enc = enc
	p.mu.Unlock()
}

// Run supervises the pipeline until ctx is done. It returns
// ErrRestartsExhausted after evicting every session when the pipeline
// failed more than MaxRestarts times.
func (p *Pipeline) Run(ctx context.Context) error {
	failures := 0
	for {
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			p.setState(StateStopped, nil)
			return nil
		}
		if err == nil {
			err = errors.New("pipeline stopped unexpectedly")
		}
		p.down(err)

		failures++
		if p.cfg.MaxRestarts > 0 && failures > p.cfg.MaxRestarts {
			p.setState(StateFailed, err)
			p.reg.RemoveAll(session.ReasonPipelineDown)
			return fmt.Errorf("%w after %d attempts: %w", ErrRestartsExhausted, failures, err)
		}

		p.log.Info("restarting pipeline", "delay", p.cfg.RestartDelay, "attempt", failures)
		select {
		case <-ctx.Done():
			p.setState(StateStopped, nil)
			return nil
		case <-time.After(p.cfg.RestartDelay):
		}
		p.mu.Lock()
		p.restarts++
		p.mu.Unlock()
	}
}

func (p *Pipeline) down(err error) {
	switch {
	case errors.Is(err, capture.ErrCaptureUnavailable):
		p.log.Error("capture unavailable", "err", err)
	case errors.Is(err, encoder.ErrEncodeFailure):
		p.log.Error("encode failure", "err", err)
	default:
		p.log.Error("pipeline failed", "err", err)
	}
	p.setState(StateDown, err)
	// Nothing produced before the failure may reach a viewer after it.
	p.mux.Reset()
	p.mux.Broadcast(protocol.Message{Type: protocol.TypeStatus, State: protocol.StateDown, Msg: err.Error()})
	p.emitter.Emit(events.Event{Type: events.PipelineDown, Reason: err.Error(), Time: time.Now()})
}

func (p *Pipeline) runOnce(ctx context.Context) error {
	src, err := p.newSource()
	if err != nil {
		return fmt.Errorf("capture init: %w", err)
	}
	if err := src.Start(); err != nil {
		return fmt.Errorf("capture start: %w", err)
	}
	enc := p.newEncoder(&p.seq, p.Quality())
	p.setEncoder(enc)
	defer func() {
		src.Stop()
		p.setEncoder(nil)
		enc.Close()
	}()

	p.setState(StateUp, nil)
	p.log.Info("pipeline up", "seq", p.seq.Last())
	p.mux.Broadcast(protocol.Message{Type: protocol.TypeStatus, State: protocol.StateUp})
	p.emitter.Emit(events.Event{Type: events.PipelineUp, Time: time.Now()})

	for {
		frame, err := src.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.frames.Add(1)
		pkts, err := enc.Encode(frame)
		if err != nil {
			return err
		}
		for _, pkt := range pkts {
			p.mux.Publish(pkt)
		}
	}
}
