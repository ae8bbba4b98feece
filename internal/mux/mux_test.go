package mux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/junsooki/shar/internal/events"
	"github.com/junsooki/shar/internal/media"
	"github.com/junsooki/shar/internal/protocol"
	"github.com/junsooki/shar/internal/session"
)

// fakeConn records every packet written to it. When gated, sends block
// until release is called.
type fakeConn struct {
	mu       sync.Mutex
	packets  []media.Packet
	controls []protocol.Message

	gate    chan struct{}
	entered chan uint64
	failErr error
	closed  atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{entered: make(chan uint64, 64)}
}

func newGatedConn() *fakeConn {
	c := newFakeConn()
	c.gate = make(chan struct{})
	return c
}

func (c *fakeConn) release() { close(c.gate) }

func (c *fakeConn) SendMessage(ctx context.Context, msg []byte) error {
	if c.failErr != nil {
		return c.failErr
	}
	d, err := protocol.Decode(msg)
	if err != nil {
		return err
	}
	if d.Control != nil {
		c.mu.Lock()
		c.controls = append(c.controls, *d.Control)
		c.mu.Unlock()
		return nil
	}
	select {
	case c.entered <- d.Packet.Seq:
	default:
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.packets = append(c.packets, *d.Packet)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReceiveMessage(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) Close() error       { c.closed.Store(true); return nil }
func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.packets))
	for i, p := range c.packets {
		out[i] = p.Seq
	}
	return out
}

func (c *fakeConn) received() []media.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Packet(nil), c.packets...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states map[string][]string
}

func (r *stateRecorder) Emit(e events.Event) {
	if e.Type != events.SessionState {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[string][]string)
	}
	r.states[e.SessionID] = append(r.states[e.SessionID], e.State)
}

func (r *stateRecorder) get(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states[id]...)
}

type countingKeyer struct{ n atomic.Int32 }

func (k *countingKeyer) RequestKeyframe() { k.n.Add(1) }

type stream struct {
	seq media.Sequence
}

func (s *stream) key() media.Packet {
	return media.Packet{Seq: s.seq.Next(), Kind: media.Keyframe, Payload: []byte("key")}
}

func (s *stream) delta() media.Packet {
	return media.Packet{Seq: s.seq.Next(), Kind: media.Delta, Payload: []byte("delta")}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitCount(t *testing.T, c *fakeConn, n int) {
	t.Helper()
	waitFor(t, "packets", func() bool { return len(c.seqs()) >= n })
}

func waitEntered(t *testing.T, c *fakeConn, seq uint64) {
	t.Helper()
	select {
	case got := <-c.entered:
		if got != seq {
			t.Fatalf("entered send of %d, want %d", got, seq)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("send of %d never started", seq)
	}
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkDecodable asserts the delivery invariant: the first packet is a
// keyframe and no delta follows a gap.
func checkDecodable(t *testing.T, got []media.Packet) {
	t.Helper()
	for i, p := range got {
		if i == 0 {
			if !p.IsKeyframe() {
				t.Fatalf("first packet %d is a delta", p.Seq)
			}
			continue
		}
		if p.Seq <= got[i-1].Seq {
			t.Fatalf("seq %d after %d", p.Seq, got[i-1].Seq)
		}
		if !p.IsKeyframe() && p.Seq != got[i-1].Seq+1 {
			t.Fatalf("delta %d delivered after gap from %d", p.Seq, got[i-1].Seq)
		}
	}
}

func newTestMux(cfg Config, emitter events.Emitter) (*Mux, *session.Registry) {
	reg := session.NewRegistry(0, emitter)
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return New(cfg, reg, nil), reg
}

func attach(t *testing.T, m *Mux, reg *session.Registry, conn *fakeConn) *session.Session {
	t.Helper()
	s, err := reg.Add(context.Background(), conn, "main", 0)
	if err != nil {
		t.Fatal(err)
	}
	m.Attach(s)
	t.Cleanup(func() { reg.Remove(s.ID, session.ReasonShutdown) })
	return s
}

func TestNoDropsBelowThreshold(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 128, MaxQueuePackets: 100}, nil)
	var st stream
	m.Publish(st.key())
	conn := newFakeConn()
	s := attach(t, m, reg, conn)

	for i := 2; i <= 60; i++ {
		if i%20 == 0 {
			m.Publish(st.key())
		} else {
			m.Publish(st.delta())
		}
	}
	waitCount(t, conn, 60)
	checkDecodable(t, conn.received())
	if s.Dropped() != 0 {
		t.Fatalf("dropped %d packets", s.Dropped())
	}
	if s.State() != session.Streaming {
		t.Fatalf("state = %s", s.State())
	}
}

func TestLateJoinStartsAtLatestKeyframe(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 64, MaxQueuePackets: 32}, nil)
	var st stream
	for k := 0; k < 3; k++ {
		m.Publish(st.key())
		m.Publish(st.delta())
		m.Publish(st.delta())
	}
	conn := newFakeConn()
	attach(t, m, reg, conn)
	waitCount(t, conn, 3)
	if got, want := conn.seqs(), []uint64{7, 8, 9}; !equalSeqs(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
}

func TestJoinWithoutKeyframeRequestsOne(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 64, MaxQueuePackets: 32}, nil)
	keyer := &countingKeyer{}
	m.SetKeyframeRequester(keyer)
	var st stream
	m.Publish(st.delta())

	conn := newFakeConn()
	s := attach(t, m, reg, conn)
	waitFor(t, "keyframe request", func() bool { return keyer.n.Load() == 1 })

	m.Publish(st.delta())
	m.Publish(st.key())
	m.Publish(st.delta())
	waitCount(t, conn, 2)
	if got, want := conn.seqs(), []uint64{3, 4}; !equalSeqs(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	waitFor(t, "streaming", func() bool { return s.State() == session.Streaming })
}

func TestLaggingRecoversAtNextKeyframe(t *testing.T) {
	rec := &stateRecorder{}
	m, reg := newTestMux(Config{RingSize: 64, MaxQueuePackets: 2}, rec)
	var st stream
	m.Publish(st.key())

	conn := newGatedConn()
	s := attach(t, m, reg, conn)
	waitEntered(t, conn, 1)

	for i := 0; i < 5; i++ {
		m.Publish(st.delta())
	}
	m.Publish(st.key())
	m.Publish(st.delta())
	conn.release()

	waitCount(t, conn, 3)
	if got, want := conn.seqs(), []uint64{1, 7, 8}; !equalSeqs(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	checkDecodable(t, conn.received())
	if s.Dropped() != 5 {
		t.Fatalf("dropped = %d, want 5", s.Dropped())
	}
	waitFor(t, "state events", func() bool { return len(rec.get(s.ID)) == 3 })
	want := []string{"streaming", "lagging", "streaming"}
	got := rec.get(s.ID)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestSlowViewerDoesNotAffectOthers(t *testing.T) {
	rec := &stateRecorder{}
	m, reg := newTestMux(Config{RingSize: 64, MaxQueuePackets: 2}, rec)
	var st stream
	m.Publish(st.key())

	a, b, c := newFakeConn(), newGatedConn(), newFakeConn()
	attach(t, m, reg, a)
	sb := attach(t, m, reg, b)
	attach(t, m, reg, c)
	waitCount(t, a, 1)
	waitCount(t, c, 1)
	waitEntered(t, b, 1)

	publish := func(p media.Packet, n int) {
		m.Publish(p)
		waitCount(t, a, n)
		waitCount(t, c, n)
	}
	n := 1
	for i := 0; i < 5; i++ {
		n++
		publish(st.delta(), n)
	}
	n++
	publish(st.key(), n)
	for i := 0; i < 2; i++ {
		n++
		publish(st.delta(), n)
	}

	all := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	for name, conn := range map[string]*fakeConn{"A": a, "C": c} {
		if got := conn.seqs(); !equalSeqs(got, all) {
			t.Fatalf("%s received %v, want %v", name, got, all)
		}
	}

	b.release()
	waitCount(t, b, 4)
	if got, want := b.seqs(), []uint64{1, 7, 8, 9}; !equalSeqs(got, want) {
		t.Fatalf("B received %v, want %v", got, want)
	}
	checkDecodable(t, b.received())
	waitFor(t, "B resync", func() bool { return sb.State() == session.Streaming && len(rec.get(sb.ID)) == 3 })
	if got := rec.get(sb.ID); got[1] != "lagging" || got[2] != "streaming" {
		t.Fatalf("B states = %v", got)
	}
}

func TestLaggingOnQuietStreamRequestsKeyframe(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 64, MaxQueuePackets: 2, WriteTimeout: 300 * time.Millisecond}, nil)
	keyer := &countingKeyer{}
	m.SetKeyframeRequester(keyer)
	var st stream
	m.Publish(st.key())

	conn := newGatedConn()
	s := attach(t, m, reg, conn)
	waitEntered(t, conn, 1)
	for i := 0; i < 5; i++ {
		m.Publish(st.delta())
	}
	conn.release()

	// Nothing else is published until the session asks for a keyframe.
	waitFor(t, "keyframe request", func() bool { return keyer.n.Load() >= 1 })
	if s.State() != session.Lagging {
		t.Fatalf("state = %s, want lagging", s.State())
	}
	m.Publish(st.key())

	waitCount(t, conn, 2)
	if got, want := conn.seqs(), []uint64{1, 7}; !equalSeqs(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	waitFor(t, "resync", func() bool { return s.State() == session.Streaming })
	if _, ok := reg.Get(s.ID); !ok {
		t.Fatal("session evicted")
	}
}

func TestMidGOPJoinDoesNotLag(t *testing.T) {
	rec := &stateRecorder{}
	m, reg := newTestMux(Config{RingSize: 256, MaxQueuePackets: 30}, rec)
	var st stream
	m.Publish(st.key())
	for i := 0; i < 40; i++ {
		m.Publish(st.delta())
	}

	conn := newFakeConn()
	s := attach(t, m, reg, conn)
	waitCount(t, conn, 41)
	m.Publish(st.delta())
	waitCount(t, conn, 42)

	checkDecodable(t, conn.received())
	if s.Dropped() != 0 {
		t.Fatalf("dropped %d packets", s.Dropped())
	}
	if got := rec.get(s.ID); len(got) != 1 || got[0] != "streaming" {
		t.Fatalf("states = %v, want [streaming]", got)
	}
}

func TestJoinBacklogStillBoundsNewPackets(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 64, MaxQueuePackets: 2}, nil)
	var st stream
	m.Publish(st.key())
	for i := 0; i < 10; i++ {
		m.Publish(st.delta())
	}

	conn := newGatedConn()
	s := attach(t, m, reg, conn)
	waitEntered(t, conn, 1)
	// Packets published after the join count as queue depth.
	for i := 0; i < 5; i++ {
		m.Publish(st.delta())
	}
	m.Publish(st.key())
	conn.release()

	waitCount(t, conn, 2)
	if got, want := conn.seqs(), []uint64{1, 17}; !equalSeqs(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	checkDecodable(t, conn.received())
	if s.Dropped() != 15 {
		t.Fatalf("dropped = %d, want 15", s.Dropped())
	}
}

func TestAttachAfterClose(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 16, MaxQueuePackets: 8}, nil)
	var st stream
	m.Publish(st.key())
	before := newFakeConn()
	attach(t, m, reg, before)
	waitCount(t, before, 1)

	m.Close()
	s, err := reg.Add(context.Background(), newFakeConn(), "main", 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Attach(s) {
		t.Fatal("attach accepted after close")
	}

	reg.RemoveAll(session.ReasonShutdown)
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("senders still running")
	}
}

func TestOvertakenCursorLags(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 4, MaxQueuePackets: 100}, nil)
	var st stream
	m.Publish(st.key())

	conn := newGatedConn()
	s := attach(t, m, reg, conn)
	waitEntered(t, conn, 1)
	for i := 0; i < 8; i++ {
		m.Publish(st.delta())
	}
	m.Publish(st.key())
	conn.release()

	waitCount(t, conn, 2)
	if got, want := conn.seqs(), []uint64{1, 10}; !equalSeqs(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	if s.Dropped() != 8 {
		t.Fatalf("dropped = %d, want 8", s.Dropped())
	}
}

func TestWriteErrorEvicts(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 16, MaxQueuePackets: 8}, nil)
	var st stream
	m.Publish(st.key())

	bad := newFakeConn()
	bad.failErr = errors.New("broken pipe")
	good := newFakeConn()
	sb := attach(t, m, reg, bad)
	attach(t, m, reg, good)

	waitFor(t, "eviction", func() bool {
		_, ok := reg.Get(sb.ID)
		return !ok
	})
	if !bad.closed.Load() {
		t.Fatal("conn not closed")
	}
	m.Publish(st.delta())
	waitCount(t, good, 2)
}

func TestWriteTimeoutEvicts(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 16, MaxQueuePackets: 8, WriteTimeout: 50 * time.Millisecond}, nil)
	var st stream
	m.Publish(st.key())

	conn := newGatedConn()
	s := attach(t, m, reg, conn)
	waitFor(t, "eviction", func() bool {
		_, ok := reg.Get(s.ID)
		return !ok
	})
	if s.State() != session.Dead {
		t.Fatalf("state = %s", s.State())
	}
}

func TestResetWaitsForKeyframe(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 16, MaxQueuePackets: 8}, nil)
	var st stream
	m.Publish(st.key())
	conn := newFakeConn()
	attach(t, m, reg, conn)
	waitCount(t, conn, 1)

	m.Reset()
	m.Publish(st.delta())
	m.Publish(st.key())
	m.Publish(st.delta())
	waitCount(t, conn, 3)
	if got, want := conn.seqs(), []uint64{1, 3, 4}; !equalSeqs(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	stats := m.Stats()
	if stats.Resets != 1 || stats.Published != 4 || stats.Keyframes != 2 || stats.LastSeq != 4 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBroadcast(t *testing.T) {
	m, reg := newTestMux(Config{RingSize: 16, MaxQueuePackets: 8}, nil)
	a, b := newFakeConn(), newFakeConn()
	attach(t, m, reg, a)
	attach(t, m, reg, b)

	m.Broadcast(protocol.Message{Type: protocol.TypeStatus, State: protocol.StateDown})
	for _, c := range []*fakeConn{a, b} {
		waitFor(t, "status", func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return len(c.controls) == 1 && c.controls[0].State == protocol.StateDown
		})
	}
}

func TestRingTrimDropsOldKeyframe(t *testing.T) {
	r := newRing(3)
	var st stream
	r.push(st.key(), []byte("k"))
	r.push(st.delta(), []byte("d"))
	r.push(st.delta(), []byte("d"))
	if !r.hasKey || r.key != 0 {
		t.Fatal("keyframe not tracked")
	}
	r.push(st.delta(), []byte("d"))
	if r.hasKey {
		t.Fatal("trimmed keyframe still tracked")
	}
	if r.tail != 1 || r.len() != 3 {
		t.Fatalf("tail=%d len=%d", r.tail, r.len())
	}
	if p, b := r.depth(1); p != 3 || b != 3 {
		t.Fatalf("depth = %d packets %d bytes", p, b)
	}
}
