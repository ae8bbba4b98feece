package media

import "sync/atomic"

// Kind identifies how a packet can be decoded.
type Kind uint8

const (
	// Keyframe packets decode without any earlier packet.
	Keyframe Kind = 1
	// Delta packets decode only on top of the state rooted at a Keyframe.
	Delta Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Keyframe:
		return "keyframe"
	case Delta:
		return "delta"
	default:
		return "unknown"
	}
}

// Packet is one encoded unit of the stream. Packets are immutable once
// produced and are shared read-only between every viewer.
type Packet struct {
	Seq       uint64
	Kind      Kind
	Timestamp uint64 // presentation time, microseconds since the Unix epoch
	Payload   []byte
}

// IsKeyframe reports whether p starts a decodable group.
func (p *Packet) IsKeyframe() bool {
	return p.Kind == Keyframe
}

// Size returns the encoded payload size in bytes.
func (p *Packet) Size() int {
	return len(p.Payload)
}

// Sequence hands out packet sequence numbers. A single Sequence lives for
// the whole process so numbers are never reused across encoder restarts.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Last returns the most recently issued sequence number.
func (s *Sequence) Last() uint64 {
	return s.n.Load()
}
