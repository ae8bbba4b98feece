package mux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/junsooki/shar/internal/session"
)

// sender is the delivery state of one session.
type sender struct {
	m       *Mux
	s       *session.Session
	cursor  uint64
	epoch   uint64
	started bool // first keyframe delivered
	lagging bool

	// joinHead is the ring head when the session joined. The backlog
	// between the join keyframe and joinHead is not queue depth.
	joinHead uint64
}

func (m *Mux) run(s *session.Session) {
	cursor, head, epoch, found := m.join()
	if !found {
		m.requestKeyframe()
	}
	snd := &sender{m: m, s: s, cursor: cursor, epoch: epoch, joinHead: head}
	m.log.Debug("sender started", "session", s.ID, "cursor", cursor, "keyframe", found)
	if err := snd.loop(s.Context()); err != nil {
		reason := session.ReasonTransport
		if errors.Is(err, errWriteTimeout) || errors.Is(err, errWriteStalled) {
			reason = session.ReasonWriteTimeout
		}
		m.log.Info("sender failed", "session", s.ID, "err", err)
		m.reg.Remove(s.ID, reason)
	}
}

var (
	errWriteTimeout = errors.New("write timeout")
	errWriteStalled = errors.New("no successful write while lagging")
)

// next waits for the entry at the cursor. ok is false when the session
// context ends.
func (snd *sender) next(ctx context.Context) (e entry, ok bool, packets int, bytes uint64, err error) {
	m := snd.m
	for {
		m.mu.Lock()
		if snd.epoch != m.epoch {
			// Pipeline restarted: everything before the new head is gone.
			snd.epoch = m.epoch
			snd.cursor = m.ring.head
			snd.joinHead = m.ring.head
			snd.started = false
		}
		if snd.cursor < m.ring.tail {
			skipped := m.ring.tail - snd.cursor
			snd.cursor = m.ring.tail
			m.mu.Unlock()
			if !snd.started {
				continue
			}
			snd.s.RecordDropped(int(skipped))
			if err := snd.lag(fmt.Errorf("cursor overtaken by %d: %w", skipped, ErrResourceExhausted)); err != nil {
				return e, false, 0, 0, err
			}
			continue
		}
		if snd.cursor < m.ring.head {
			e = *m.ring.at(snd.cursor)
			packets, bytes = m.ring.depth(max(snd.cursor, snd.joinHead))
			m.mu.Unlock()
			return e, true, packets, bytes, nil
		}
		notify := m.notify
		m.mu.Unlock()

		if !snd.lagging {
			select {
			case <-ctx.Done():
				return e, false, 0, 0, nil
			case <-notify:
			}
			continue
		}

		// A lagging session that cannot resync within the write timeout
		// is dead.
		wait := time.Until(snd.s.LastWrite().Add(m.cfg.WriteTimeout))
		if wait <= 0 {
			return e, false, 0, 0, errWriteStalled
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return e, false, 0, 0, nil
		case <-notify:
			t.Stop()
		case <-t.C:
			return e, false, 0, 0, errWriteStalled
		}
	}
}

func (snd *sender) lag(cause error) error {
	if snd.lagging || !snd.started {
		return nil
	}
	if err := snd.m.reg.Transition(snd.s.ID, session.Lagging); err != nil {
		return err
	}
	snd.lagging = true
	snd.m.log.Info("session lagging", "session", snd.s.ID, "cause", cause)
	// The encoder skips unchanged frames, so a quiet screen would never
	// produce the keyframe a lagging session waits for.
	snd.m.requestKeyframe()
	return nil
}

func (snd *sender) loop(ctx context.Context) error {
	m := snd.m
	for {
		e, ok, packets, bytes, err := snd.next(ctx)
		if err != nil {
			return ignoreGone(err)
		}
		if !ok {
			return nil
		}
		key := e.pkt.IsKeyframe()

		if snd.started && !snd.lagging && !key && snd.overLimit(packets, bytes) {
			if err := snd.lag(fmt.Errorf("queue %d packets %d bytes: %w", packets, bytes, ErrResourceExhausted)); err != nil {
				return ignoreGone(err)
			}
		}

		if !key && (!snd.started || snd.lagging) {
			if snd.lagging {
				snd.s.RecordDropped(1)
				if time.Since(snd.s.LastWrite()) > m.cfg.WriteTimeout {
					return errWriteStalled
				}
			}
			snd.cursor++
			continue
		}

		if err := snd.write(ctx, &e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		snd.cursor++

		if key {
			if err := snd.resync(); err != nil {
				return ignoreGone(err)
			}
		}
	}
}

// resync moves a joining or lagging session to Streaming after a keyframe
// has been delivered.
func (snd *sender) resync() error {
	if !snd.started {
		snd.started = true
		if snd.s.State() == session.Joining {
			return snd.m.reg.Transition(snd.s.ID, session.Streaming)
		}
	}
	if snd.lagging {
		snd.lagging = false
		if err := snd.m.reg.Transition(snd.s.ID, session.Streaming); err != nil {
			return err
		}
		snd.m.log.Info("session resynced", "session", snd.s.ID, "dropped", snd.s.Dropped())
	}
	return nil
}

func (snd *sender) overLimit(packets int, bytes uint64) bool {
	cfg := snd.m.cfg
	if cfg.MaxQueuePackets > 0 && packets > cfg.MaxQueuePackets {
		return true
	}
	return cfg.MaxQueueBytes > 0 && bytes > uint64(cfg.MaxQueueBytes)
}

func (snd *sender) write(ctx context.Context, e *entry) error {
	wctx, cancel := context.WithTimeout(ctx, snd.m.cfg.WriteTimeout)
	defer cancel()
	if err := snd.s.Conn.SendMessage(wctx, e.wire); err != nil {
		if ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("send seq %d: %w: %w", e.pkt.Seq, errWriteTimeout, err)
		}
		return fmt.Errorf("send seq %d: %w", e.pkt.Seq, err)
	}
	snd.s.RecordSent(e.pkt.Seq, len(e.wire))
	return nil
}

func ignoreGone(err error) error {
	if errors.Is(err, session.ErrUnknownSession) {
		return nil
	}
	return err
}
