package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/junsooki/shar/internal/transport"
)

// SignalFunc delivers an offer to the host and returns its answer.
type SignalFunc func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// HTTPSignal posts the offer as JSON to url and decodes the answer.
func HTTPSignal(url string) SignalFunc {
	return func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		var answer webrtc.SessionDescription
		body, err := json.Marshal(offer)
		if err != nil {
			return answer, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return answer, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return answer, fmt.Errorf("post offer: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return answer, fmt.Errorf("post offer: %s", resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
			return answer, fmt.Errorf("decode answer: %w", err)
		}
		return answer, nil
	}
}

// Dial connects to a host over WebRTC and returns the stream DataChannel
// as a transport.Conn once it is open.
func Dial(ctx context.Context, cfg Config, signal SignalFunc) (transport.Conn, error) {
	pc, err := NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(StreamLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	conn := transport.NewDataChannelConn(dc, pc)
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	answer, err := signal(ctx, *pc.LocalDescription())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-opened:
		return conn, nil
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("waiting for data channel: %w", ctx.Err())
	}
}
