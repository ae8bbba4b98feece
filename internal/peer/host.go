package peer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/junsooki/shar/internal/transport"
)

// Answerer accepts viewer offers on the host. Each opened stream
// DataChannel is handed to handle as a transport.Conn.
type Answerer struct {
	cfg         Config
	handle      transport.Handler
	openTimeout time.Duration
	log         *slog.Logger
}

func NewAnswerer(cfg Config, handle transport.Handler) *Answerer {
	return &Answerer{
		cfg:         cfg,
		handle:      handle,
		openTimeout: 30 * time.Second,
		log:         slog.With("component", "answerer"),
	}
}

// Answer processes an offer and returns the answer including every
// gathered candidate. Connections are served on ctx, which should outlive
// the request that carried the offer.
func (a *Answerer) Answer(ctx, reqCtx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := NewPeerConnection(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	opened := make(chan struct{})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != StreamLabel {
			a.log.Warn("unexpected data channel", "label", dc.Label())
			dc.Close()
			return
		}
		conn := transport.NewDataChannelConn(dc, pc)
		dc.OnOpen(func() {
			close(opened)
			a.log.Info("data channel open", "id", dc.ID())
			go a.handle(ctx, conn)
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-reqCtx.Done():
		pc.Close()
		return nil, reqCtx.Err()
	}

	// A viewer that never opens its channel must not leak the connection.
	go func() {
		t := time.NewTimer(a.openTimeout)
		defer t.Stop()
		select {
		case <-opened:
		case <-t.C:
			a.log.Info("data channel never opened")
			pc.Close()
		case <-ctx.Done():
			pc.Close()
		}
	}()
	return pc.LocalDescription(), nil
}
