package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/junsooki/shar/internal/protocol"
)

// WSConn carries one protocol message per binary WebSocket message.
type WSConn struct {
	ws *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &WSConn{ws: ws}
}

// DialWebSocket connects to a host's WebSocket endpoint.
func DialWebSocket(ctx context.Context, url string) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w: %w", url, ErrTransport, err)
	}
	return NewWSConn(ws), nil
}

func (c *WSConn) SendMessage(ctx context.Context, msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg) > protocol.MaxFrameSize {
		return fmt.Errorf("message of %d bytes: %w", len(msg), protocol.ErrProtocolViolation)
	}
	deadline, _ := ctx.Deadline()
	c.ws.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.ws.NetConn().SetWriteDeadline(aLongTimeAgo)
	})
	defer stop()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.Close()
		return fmt.Errorf("send to %s: %w: %w", c.RemoteAddr(), ErrTransport, err)
	}
	return nil
}

func (c *WSConn) ReceiveMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	c.ws.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.ws.NetConn().SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w: %w", c.RemoteAddr(), ErrTransport, err)
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("websocket message type %d: %w", mt, protocol.ErrProtocolViolation)
	}
	return data, nil
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
