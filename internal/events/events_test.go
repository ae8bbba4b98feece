package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

type recorder struct {
	got []Event
}

func (r *recorder) Emit(e Event) { r.got = append(r.got, e) }

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, b, Nop{}}.Emit(Event{Type: SessionJoined, SessionID: "s1"})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("fan out: %d %d", len(a.got), len(b.got))
	}
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	NewLogEmitter(log).Emit(Event{Type: SessionRemoved, SessionID: "s1", Reason: "leave"})
	out := buf.String()
	if !strings.Contains(out, "session=s1") || !strings.Contains(out, "reason=leave") {
		t.Fatalf("unexpected log line %q", out)
	}
}

func TestMQTTEmitterNotConnected(t *testing.T) {
	e := NewMQTTEmitter(MQTTOptions{Broker: "127.0.0.1:1", Topic: "shar/events", ClientID: "test"})
	e.Emit(Event{Type: PipelineUp})
	if published, failed := e.Stats(); published != 0 || failed != 1 {
		t.Fatalf("published=%d failed=%d", published, failed)
	}
}
