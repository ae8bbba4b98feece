// Package control implements the session control vocabulary (join, leave,
// heartbeat) on top of a transport.Conn, for both the host and the viewer.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/junsooki/shar/internal/mux"
	"github.com/junsooki/shar/internal/protocol"
	"github.com/junsooki/shar/internal/session"
	"github.com/junsooki/shar/internal/transport"
)

// QualityFunc reports the host's current encoder quality.
type QualityFunc func() int

// ServerConfig configures the host side of the control plane.
type ServerConfig struct {
	StreamID     string
	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	JoinRate     float64 // joins per second, 0 disables the limit
	JoinBurst    int
}

// Server admits viewers and serves their control messages.
type Server struct {
	cfg     ServerConfig
	reg     *session.Registry
	mux     *mux.Mux
	quality QualityFunc
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewServer(cfg ServerConfig, reg *session.Registry, m *mux.Mux, quality QualityFunc) *Server {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.JoinRate > 0 {
		limit = rate.Limit(cfg.JoinRate)
	}
	burst := cfg.JoinBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		mux:     m,
		quality: quality,
		limiter: rate.NewLimiter(limit, burst),
		log:     slog.With("component", "control"),
	}
}

// Serve runs the control plane for one connection until the session ends.
// It owns conn.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) {
	sess, err := s.admit(ctx, conn)
	if err != nil {
		s.log.Info("join rejected", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	if !s.mux.Attach(sess) {
		s.reg.Remove(sess.ID, session.ReasonShutdown)
		return
	}

	reason, err := s.readLoop(sess)
	if err != nil {
		s.log.Info("control read", "session", sess.ID, "err", err)
	}
	s.reg.Remove(sess.ID, reason)
}

func (s *Server) admit(ctx context.Context, conn transport.Conn) (*session.Session, error) {
	jctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	data, err := conn.ReceiveMessage(jctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for join: %w", err)
	}
	d, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if d.Control == nil || d.Control.Type != protocol.TypeJoin {
		s.reject(ctx, conn, "expected join")
		return nil, fmt.Errorf("first message not a join: %w", protocol.ErrProtocolViolation)
	}
	req := d.Control

	if !s.limiter.Allow() {
		s.reject(ctx, conn, "join rate exceeded")
		return nil, errors.New("join rate exceeded")
	}
	if req.StreamID != s.cfg.StreamID {
		s.reject(ctx, conn, "unknown stream "+req.StreamID)
		return nil, fmt.Errorf("unknown stream %q", req.StreamID)
	}

	quality := s.negotiate(req.Quality)
	sess, err := s.reg.Add(ctx, conn, req.StreamID, quality)
	if err != nil {
		s.reject(ctx, conn, err.Error())
		return nil, err
	}
	joined := protocol.Message{
		Type:      protocol.TypeJoined,
		StreamID:  req.StreamID,
		SessionID: sess.ID,
		Quality:   quality,
	}
	if err := s.send(sess.Context(), conn, joined); err != nil {
		s.reg.Remove(sess.ID, session.ReasonTransport)
		return nil, err
	}
	return sess, nil
}

// negotiate returns the quality a viewer will receive. One encode feeds
// every viewer, so a request can only lower the reported hint.
func (s *Server) negotiate(requested int) int {
	q := 0
	if s.quality != nil {
		q = s.quality()
	}
	if requested > 0 && (q == 0 || requested < q) {
		return requested
	}
	return q
}

func (s *Server) readLoop(sess *session.Session) (string, error) {
	ctx := sess.Context()
	for {
		data, err := sess.Conn.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return session.ReasonShutdown, nil
			}
			if errors.Is(err, protocol.ErrProtocolViolation) {
				return session.ReasonProtocolViolation, err
			}
			return session.ReasonTransport, err
		}
		d, err := protocol.Decode(data)
		if err != nil {
			return session.ReasonProtocolViolation, err
		}
		if d.Control == nil {
			// Viewers are receive-only on the data path.
			return session.ReasonProtocolViolation, fmt.Errorf("packet from viewer: %w", protocol.ErrProtocolViolation)
		}
		msg := d.Control
		if msg.SessionID != "" && msg.SessionID != sess.ID {
			return session.ReasonProtocolViolation, fmt.Errorf("session id %q: %w", msg.SessionID, protocol.ErrProtocolViolation)
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			s.reg.Heartbeat(sess.ID)
			ack := protocol.Message{Type: protocol.TypeHeartbeatAck, SessionID: sess.ID, Timestamp: msg.Timestamp}
			if err := s.send(ctx, sess.Conn, ack); err != nil {
				return session.ReasonTransport, err
			}
		case protocol.TypeLeave:
			s.send(ctx, sess.Conn, protocol.Message{Type: protocol.TypeLeft, SessionID: sess.ID})
			return session.ReasonLeave, nil
		default:
			return session.ReasonProtocolViolation, fmt.Errorf("unexpected %q: %w", msg.Type, protocol.ErrProtocolViolation)
		}
	}
}

func (s *Server) send(ctx context.Context, conn transport.Conn, msg protocol.Message) error {
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.SendMessage(wctx, data)
}

func (s *Server) reject(ctx context.Context, conn transport.Conn, reason string) {
	if err := s.send(ctx, conn, protocol.Message{Type: protocol.TypeError, Msg: reason}); err != nil {
		s.log.Debug("reject", "remote", conn.RemoteAddr(), "err", err)
	}
}
