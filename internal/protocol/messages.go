package protocol

// Control message types.
const (
	TypeJoin         = "join"
	TypeJoined       = "joined"
	TypeLeave        = "leave"
	TypeLeft         = "left"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat-ack"
	TypeStatus       = "status"
	TypeError        = "error"
)

// Pipeline states carried by status messages.
const (
	StateUp   = "up"
	StateDown = "down"
)

// Message is the envelope for all control messages.
type Message struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Quality   int    `json:"quality,omitempty"`
	State     string `json:"state,omitempty"`
	Msg       string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
