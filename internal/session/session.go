package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/junsooki/shar/internal/transport"
)

// State is a session's position in its lifecycle.
type State int32

const (
	Joining State = iota
	Streaming
	Lagging
	Dead
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Streaming:
		return "streaming"
	case Lagging:
		return "lagging"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is one connected viewer. Sessions are created and destroyed by
// the Registry only.
type Session struct {
	ID       string
	StreamID string
	Conn     transport.Conn
	Quality  int
	Created  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	lastSeq       uint64
	lastWrite     time.Time
	lastHeartbeat time.Time
	lagSince      time.Time

	sent    atomic.Uint64
	dropped atomic.Uint64
	bytes   atomic.Uint64
}

// Context is cancelled when the session is removed.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeq returns the sequence number of the last delivered packet.
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// LastWrite returns the time of the last successful packet write.
func (s *Session) LastWrite() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}

// LagSince returns when the session entered Lagging, or the zero time.
func (s *Session) LagSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagSince
}

// RecordSent notes a delivered packet. seq only moves forward.
func (s *Session) RecordSent(seq uint64, n int) {
	s.mu.Lock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.lastWrite = time.Now()
	s.mu.Unlock()
	s.sent.Add(1)
	s.bytes.Add(uint64(n))
}

// RecordDropped notes n packets skipped for this session.
func (s *Session) RecordDropped(n int) {
	s.dropped.Add(uint64(n))
}

// Dropped returns how many packets were skipped for this session.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID            string    `json:"id"`
	StreamID      string    `json:"streamId"`
	Remote        string    `json:"remote"`
	State         string    `json:"state"`
	Quality       int       `json:"quality"`
	LastSeq       uint64    `json:"lastSeq"`
	Sent          uint64    `json:"sent"`
	Dropped       uint64    `json:"dropped"`
	Bytes         uint64    `json:"bytes"`
	Created       time.Time `json:"created"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.ID,
		StreamID:      s.StreamID,
		Remote:        s.Conn.RemoteAddr(),
		State:         s.state.String(),
		Quality:       s.Quality,
		LastSeq:       s.lastSeq,
		Sent:          s.sent.Load(),
		Dropped:       s.dropped.Load(),
		Bytes:         s.bytes.Load(),
		Created:       s.Created,
		LastHeartbeat: s.lastHeartbeat,
	}
}
