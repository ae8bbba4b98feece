// Package mux fans the encoded packet sequence out to every viewer session.
//
// Published packets go into one shared ring. Each session has its own
// sender goroutine and cursor, so a slow viewer only ever delays itself.
// A session that falls too far behind is marked Lagging and skips Delta
// packets until the next Keyframe.
package mux

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/junsooki/shar/internal/media"
	"github.com/junsooki/shar/internal/protocol"
	"github.com/junsooki/shar/internal/session"
)

// ErrResourceExhausted is the drop reason for a session whose queue or
// ring position exceeded its bounds. It never stops the stream.
var ErrResourceExhausted = errors.New("resource exhausted")

// KeyframeRequester asks the encoder for an out-of-band keyframe.
type KeyframeRequester interface {
	RequestKeyframe()
}

// Config bounds the ring and every session's queue.
type Config struct {
	RingSize        int
	MaxQueuePackets int
	MaxQueueBytes   int
	WriteTimeout    time.Duration
}

// Stats is a snapshot of the mux counters.
type Stats struct {
	Published uint64 `json:"published"`
	Keyframes uint64 `json:"keyframes"`
	Resets    uint64 `json:"resets"`
	Retained  int    `json:"retained"`
	LastSeq   uint64 `json:"lastSeq"`
}

type Mux struct {
	cfg   Config
	reg   *session.Registry
	keyer KeyframeRequester
	log   *slog.Logger

	mu     sync.Mutex
	ring   *ring
	epoch  uint64
	notify chan struct{}
	closed bool

	published atomic.Uint64
	keyframes atomic.Uint64
	resets    atomic.Uint64
	lastSeq   atomic.Uint64

	wg sync.WaitGroup
}

// New creates a mux distributing to sessions of reg. keyer may be nil.
func New(cfg Config, reg *session.Registry, keyer KeyframeRequester) *Mux {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Mux{
		cfg:    cfg,
		reg:    reg,
		keyer:  keyer,
		log:    slog.With("component", "mux"),
		ring:   newRing(cfg.RingSize),
		notify: make(chan struct{}),
	}
}

// SetKeyframeRequester replaces the keyframe requester.
func (m *Mux) SetKeyframeRequester(k KeyframeRequester) {
	m.mu.Lock()
	m.keyer = k
	m.mu.Unlock()
}

// Publish appends a packet to the ring and wakes every sender. It must be
// called from a single goroutine and never blocks on I/O.
func (m *Mux) Publish(pkt media.Packet) {
	wire := protocol.EncodePacket(&pkt)

	m.mu.Lock()
	m.ring.push(pkt, wire)
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()

	m.published.Add(1)
	if pkt.IsKeyframe() {
		m.keyframes.Add(1)
	}
	m.lastSeq.Store(pkt.Seq)
}

// Reset drops every retained packet. Sessions wait for the next Keyframe.
func (m *Mux) Reset() {
	m.mu.Lock()
	m.ring.clear()
	m.epoch++
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
	m.resets.Add(1)
	m.log.Info("ring reset")
}

func (m *Mux) Stats() Stats {
	m.mu.Lock()
	retained := m.ring.len()
	m.mu.Unlock()
	return Stats{
		Published: m.published.Load(),
		Keyframes: m.keyframes.Load(),
		Resets:    m.resets.Load(),
		Retained:  retained,
		LastSeq:   m.lastSeq.Load(),
	}
}

// Broadcast sends a control message to every live session without
// waiting for slow connections.
func (m *Mux) Broadcast(msg protocol.Message) {
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		m.log.Error("broadcast encode", "err", err)
		return
	}
	for _, s := range m.reg.Sessions() {
		go func(s *session.Session) {
			ctx, cancel := context.WithTimeout(s.Context(), m.cfg.WriteTimeout)
			defer cancel()
			if err := s.Conn.SendMessage(ctx, data); err != nil {
				m.log.Debug("broadcast", "session", s.ID, "err", err)
			}
		}(s)
	}
}

// Attach starts delivering the stream to s. The sender stops when the
// session is removed from the registry. It reports false once the mux is
// closed; the caller still owns s then.
func (m *Mux) Attach(s *session.Session) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		m.run(s)
	}()
	return true
}

// Close refuses further Attach calls. Senders already running stop when
// their sessions are removed.
func (m *Mux) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Wait blocks until every sender has stopped. Call Close first.
func (m *Mux) Wait() {
	m.wg.Wait()
}

func (m *Mux) requestKeyframe() {
	m.mu.Lock()
	k := m.keyer
	m.mu.Unlock()
	if k != nil {
		k.RequestKeyframe()
	}
}

// join returns the starting cursor for a new session: the latest keyframe
// when one is retained, otherwise the head.
func (m *Mux) join() (cursor, head, epoch uint64, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ring.hasKey {
		return m.ring.key, m.ring.head, m.epoch, true
	}
	return m.ring.head, m.ring.head, m.epoch, false
}
