package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/junsooki/shar/internal/transport"
)

func TestDialAnswerRoundTrip(t *testing.T) {
	cfg := Config{ICEServers: []string{}, IncludeLoopback: true}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	got := make(chan []byte, 1)
	ans := NewAnswerer(cfg, func(ctx context.Context, conn transport.Conn) {
		defer conn.Close()
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		got <- msg
		conn.SendMessage(ctx, append([]byte("echo:"), msg...))
		conn.ReceiveMessage(ctx)
	})
	signal := func(sctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		answer, err := ans.Answer(ctx, sctx, offer)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		return *answer, nil
	}

	conn, err := Dial(ctx, cfg, signal)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	big := make([]byte, 100_000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := conn.SendMessage(ctx, big); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-got:
		if len(msg) != len(big) || msg[99_999] != big[99_999] {
			t.Fatalf("host received %d bytes", len(msg))
		}
	case <-ctx.Done():
		t.Fatal("host received nothing")
	}
	reply, err := conn.ReceiveMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) != len(big)+5 {
		t.Fatalf("reply of %d bytes", len(reply))
	}
}
