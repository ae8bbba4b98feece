// Package events reports session and pipeline lifecycle changes to the
// operator.
package events

import (
	"log/slog"
	"time"
)

// Type names an event.
type Type string

const (
	SessionJoined  Type = "session-joined"
	SessionState   Type = "session-state"
	SessionRemoved Type = "session-removed"
	PipelineUp     Type = "pipeline-up"
	PipelineDown   Type = "pipeline-down"
)

// Event is a single lifecycle change.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// Emitter receives events. Emit must not block the caller for long.
type Emitter interface {
	Emit(e Event)
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	log *slog.Logger
}

func NewLogEmitter(log *slog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (l *LogEmitter) Emit(e Event) {
	attrs := []any{"event", string(e.Type)}
	if e.SessionID != "" {
		attrs = append(attrs, "session", e.SessionID)
	}
	if e.State != "" {
		attrs = append(attrs, "state", e.State)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	switch e.Type {
	case PipelineDown:
		l.log.Error("pipeline down", attrs...)
	case SessionRemoved:
		l.log.Info("session removed", attrs...)
	default:
		l.log.Debug("event", attrs...)
	}
}

// Multi fans events out to several emitters.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}
