package mux

import (
	"github.com/junsooki/shar/internal/media"
)

// entry is one published packet and its encoded envelope. Both are shared
// read-only by every sender.
type entry struct {
	pkt   media.Packet
	wire  []byte
	start uint64 // bytes published before this entry
}

// ring is a fixed capacity packet log addressed by absolute position.
// Positions only grow; the oldest entries are trimmed when it is full.
type ring struct {
	buf   []entry
	head  uint64 // next position to write
	tail  uint64 // oldest retained position
	bytes uint64 // total wire bytes published

	key    uint64 // position of the latest keyframe
	hasKey bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]entry, capacity)}
}

func (r *ring) push(pkt media.Packet, wire []byte) {
	if r.head-r.tail == uint64(len(r.buf)) {
		r.buf[r.tail%uint64(len(r.buf))] = entry{}
		r.tail++
		if r.hasKey && r.key < r.tail {
			r.hasKey = false
		}
	}
	r.buf[r.head%uint64(len(r.buf))] = entry{pkt: pkt, wire: wire, start: r.bytes}
	if pkt.IsKeyframe() {
		r.key = r.head
		r.hasKey = true
	}
	r.bytes += uint64(len(wire))
	r.head++
}

// at returns the entry at pos, which must be in [tail, head).
func (r *ring) at(pos uint64) *entry {
	return &r.buf[pos%uint64(len(r.buf))]
}

// depth returns the packets and bytes between pos and head.
func (r *ring) depth(pos uint64) (packets int, bytes uint64) {
	if pos >= r.head {
		return 0, 0
	}
	return int(r.head - pos), r.bytes - r.at(pos).start
}

// clear drops every retained entry. Positions keep counting.
func (r *ring) clear() {
	for i := range r.buf {
		r.buf[i] = entry{}
	}
	r.tail = r.head
	r.hasKey = false
}

func (r *ring) len() int {
	return int(r.head - r.tail)
}
