// Package peer sets up WebRTC connections whose ordered DataChannel
// carries the viewer stream. The viewer offers, the host answers.
package peer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// StreamLabel is the label of the DataChannel carrying the stream.
const StreamLabel = "stream"

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}

// Config configures PeerConnections.
type Config struct {
	// ICEServers lists STUN/TURN URLs. nil selects DefaultICEServers,
	// an empty list disables them.
	ICEServers []string
	// IncludeLoopback gathers loopback candidates, for viewers on the same
	// machine.
	IncludeLoopback bool
}

// NewPeerConnection creates a configured PeerConnection.
func NewPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	urls := cfg.ICEServers
	if urls == nil {
		urls = DefaultICEServers
	}
	var servers []webrtc.ICEServer
	if len(urls) > 0 {
		servers = []webrtc.ICEServer{{URLs: urls}}
	}
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: servers,
	})
	if err != nil {
		return nil, err
	}
	log := slog.With("component", "peer")
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			pc.Close()
		}
	})
	return pc, nil
}
