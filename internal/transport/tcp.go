package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/junsooki/shar/internal/protocol"
)

// TCPConn carries length-prefixed frames over a stream connection.
type TCPConn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewTCPConn wraps an established connection.
func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 4096),
		w:    bufio.NewWriterSize(conn, 64*1024),
	}
}

// Dial connects to a host's stream listener.
func Dial(ctx context.Context, addr string) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", addr, ErrTransport, err)
	}
	return NewTCPConn(conn), nil
}

func (c *TCPConn) SendMessage(ctx context.Context, msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	c.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(aLongTimeAgo)
	})
	defer stop()

	err := protocol.WriteFrame(c.w, msg)
	if err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		// A partial frame leaves the stream unsynchronised.
		c.Close()
		if errors.Is(err, protocol.ErrProtocolViolation) {
			return err
		}
		return fmt.Errorf("send to %s: %w: %w", c.RemoteAddr(), ErrTransport, err)
	}
	return nil
}

func (c *TCPConn) ReceiveMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	c.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	msg, err := protocol.ReadFrame(c.r)
	if err != nil {
		if errors.Is(err, protocol.ErrProtocolViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("receive from %s: %w: %w", c.RemoteAddr(), ErrTransport, err)
	}
	return msg, nil
}

func (c *TCPConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *TCPConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Handler serves one accepted connection. It owns conn.
type Handler func(ctx context.Context, conn Conn)

// Listener accepts viewer connections.
type Listener struct {
	ln  net.Listener
	log *slog.Logger
}

// Listen opens a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{
		ln:  ln,
		log: slog.With("component", "listener", "addr", ln.Addr().String()),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done, running handle for each on
// its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() {
		l.ln.Close()
	})
	defer stop()

	l.log.Info("listening")
	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				l.log.Warn("accept failed, retrying", "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		l.log.Debug("accepted", "remote", conn.RemoteAddr().String())
		go handle(ctx, NewTCPConn(conn))
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
