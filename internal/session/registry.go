package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/junsooki/shar/internal/events"
	"github.com/junsooki/shar/internal/transport"
)

var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrRegistryFull      = errors.New("session limit reached")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Removal reasons.
const (
	ReasonLeave             = "leave"
	ReasonTransport         = "transport error"
	ReasonProtocolViolation = "protocol violation"
	ReasonHeartbeatTimeout  = "heartbeat timeout"
	ReasonWriteTimeout      = "write timeout"
	ReasonEvicted           = "evicted"
	ReasonPipelineDown      = "pipeline down"
	ReasonShutdown          = "shutdown"
)

// Registry is the single authority over live sessions. Every lifecycle
// change goes through it.
type Registry struct {
	max     int
	emitter events.Emitter
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry holding at most max sessions (0 means no
// limit).
func NewRegistry(max int, emitter events.Emitter) *Registry {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Registry{
		max:      max,
		emitter:  emitter,
		log:      slog.With("component", "registry"),
		sessions: make(map[string]*Session),
	}
}

// Add registers a new session in the Joining state. The session context
// derives from ctx.
func (r *Registry) Add(ctx context.Context, conn transport.Conn, streamID string, quality int) (*Session, error) {
	now := time.Now()
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:            uuid.NewString(),
		StreamID:      streamID,
		Conn:          conn,
		Quality:       quality,
		Created:       now,
		ctx:           sctx,
		cancel:        cancel,
		state:         Joining,
		lastWrite:     now,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	if r.max > 0 && len(r.sessions) >= r.max {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%d sessions: %w", r.max, ErrRegistryFull)
	}
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("session added", "session", s.ID, "remote", conn.RemoteAddr(), "sessions", n)
	r.emitter.Emit(events.Event{Type: events.SessionJoined, SessionID: s.ID, State: Joining.String(), Time: now})
	return s, nil
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshot returns the state of every live session, oldest first.
func (r *Registry) Snapshot() []Info {
	sessions := r.Sessions()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func validTransition(from, to State) bool {
	switch {
	case from == Joining && to == Streaming:
	case from == Streaming && to == Lagging:
	case from == Lagging && to == Streaming:
	default:
		return false
	}
	return true
}

// Transition moves a live session to a new state. Sessions only become
// Dead through Remove.
func (r *Registry) Transition(id string, to State) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownSession)
	}

	s.mu.Lock()
	from := s.state
	if from == Dead {
		// Removed after the lookup.
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownSession)
	}
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !validTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	s.state = to
	if to == Lagging {
		s.lagSince = time.Now()
	} else {
		s.lagSince = time.Time{}
	}
	s.mu.Unlock()

	r.log.Debug("session state", "session", id, "from", from.String(), "to", to.String())
	r.emitter.Emit(events.Event{Type: events.SessionState, SessionID: id, State: to.String(), Time: time.Now()})
	return nil
}

// Remove marks a session Dead, cancels its work and closes its connection.
// It reports whether the session was live.
func (r *Registry) Remove(id, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.state = Dead
	s.mu.Unlock()
	s.cancel()
	s.Conn.Close()

	r.log.Info("session removed", "session", id, "reason", reason, "sent", s.sent.Load(), "dropped", s.dropped.Load(), "sessions", n)
	r.emitter.Emit(events.Event{Type: events.SessionRemoved, SessionID: id, State: Dead.String(), Reason: reason, Time: time.Now()})
	return true
}

// RemoveAll removes every live session.
func (r *Registry) RemoveAll(reason string) {
	for _, s := range r.Sessions() {
		r.Remove(s.ID, reason)
	}
}

// Heartbeat records liveness for a session.
func (r *Registry) Heartbeat(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownSession)
	}
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	return nil
}

// Reap removes sessions that sent no heartbeat for timeout. It runs until
// ctx is done.
func (r *Registry) Reap(ctx context.Context, timeout time.Duration) {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.reapOnce(now, timeout)
		}
	}
}

func (r *Registry) reapOnce(now time.Time, timeout time.Duration) {
	for _, s := range r.Sessions() {
		s.mu.Lock()
		idle := now.Sub(s.lastHeartbeat)
		s.mu.Unlock()
		if idle > timeout {
			r.Remove(s.ID, ReasonHeartbeatTimeout)
		}
	}
}
