package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/junsooki/shar/internal/media"
	"github.com/junsooki/shar/internal/protocol"
	"github.com/junsooki/shar/internal/transport"
)

// ErrJoinRejected is returned when the host refuses a join.
var ErrJoinRejected = errors.New("join rejected")

// Handler callbacks for messages received after joining.
type Handler struct {
	OnPacket       func(p *media.Packet)
	OnStatus       func(state, msg string)
	OnHeartbeatAck func(rtt time.Duration)
	OnError        func(msg string)
}

// Client is the viewer side of the control plane.
type Client struct {
	conn      transport.Conn
	handler   Handler
	heartbeat time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	sessionID string
	quality   int

	left      chan struct{}
	leftOnce  sync.Once
	closeOnce sync.Once
}

// NewClient creates a client on conn. heartbeat is the interval between
// heartbeat messages.
func NewClient(conn transport.Conn, heartbeat time.Duration, handler Handler) *Client {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	return &Client{
		conn:      conn,
		handler:   handler,
		heartbeat: heartbeat,
		log:       slog.With("component", "control-client"),
		left:      make(chan struct{}),
	}
}

// SessionID returns the id assigned by the host, once joined.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Quality returns the quality hint agreed at join.
func (c *Client) Quality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Join asks the host for streamID and waits for the answer.
func (c *Client) Join(ctx context.Context, streamID string, quality int) (string, error) {
	if err := c.send(ctx, protocol.Message{Type: protocol.TypeJoin, StreamID: streamID, Quality: quality}); err != nil {
		return "", fmt.Errorf("send join: %w", err)
	}
	for {
		data, err := c.conn.ReceiveMessage(ctx)
		if err != nil {
			return "", fmt.Errorf("waiting for joined: %w", err)
		}
		d, err := protocol.Decode(data)
		if err != nil {
			return "", err
		}
		if d.Control == nil {
			return "", fmt.Errorf("packet before joined: %w", protocol.ErrProtocolViolation)
		}
		switch d.Control.Type {
		case protocol.TypeJoined:
			c.mu.Lock()
			c.sessionID = d.Control.SessionID
			c.quality = d.Control.Quality
			c.mu.Unlock()
			c.log.Info("joined", "session", d.Control.SessionID, "quality", d.Control.Quality)
			return d.Control.SessionID, nil
		case protocol.TypeError:
			return "", fmt.Errorf("%w: %s", ErrJoinRejected, d.Control.Msg)
		default:
			c.dispatch(d.Control)
		}
	}
}

// Run reads from the host and sends heartbeats until the connection ends,
// ctx is done or the session is left. It returns nil in the latter cases.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(ctx)

	for {
		data, err := c.conn.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-c.left:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d, err := protocol.Decode(data)
		if err != nil {
			return err
		}
		if d.Packet != nil {
			if c.handler.OnPacket != nil {
				c.handler.OnPacket(d.Packet)
			}
			continue
		}
		if d.Control.Type == protocol.TypeLeft {
			c.leftOnce.Do(func() { close(c.left) })
			return nil
		}
		c.dispatch(d.Control)
	}
}

// Leave ends the session. Run returns once the host acknowledges.
func (c *Client) Leave(ctx context.Context) error {
	return c.send(ctx, protocol.Message{Type: protocol.TypeLeave, SessionID: c.SessionID()})
}

// Close shuts down the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeStatus:
		c.log.Info("host status", "state", msg.State, "message", msg.Msg)
		if c.handler.OnStatus != nil {
			c.handler.OnStatus(msg.State, msg.Msg)
		}
	case protocol.TypeHeartbeatAck:
		if c.handler.OnHeartbeatAck != nil && msg.Timestamp > 0 {
			c.handler.OnHeartbeatAck(time.Since(time.UnixMicro(msg.Timestamp)))
		}
	case protocol.TypeError:
		c.log.Warn("host error", "message", msg.Msg)
		if c.handler.OnError != nil {
			c.handler.OnError(msg.Msg)
		}
	default:
		c.log.Debug("ignoring message", "type", msg.Type)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := protocol.Message{
				Type:      protocol.TypeHeartbeat,
				SessionID: c.SessionID(),
				Timestamp: time.Now().UnixMicro(),
			}
			if err := c.send(ctx, msg); err != nil {
				c.log.Debug("heartbeat", "err", err)
				return
			}
		}
	}
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.heartbeat)
	defer cancel()
	return c.conn.SendMessage(wctx, data)
}
