package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/junsooki/shar/internal/protocol"
)

const (
	// Keeps every DataChannel message under the SCTP message size limits
	// common to browsers and pion.
	dcChunkSize = 16 * 1024
	// Sends wait while more than this is queued in the SCTP stream.
	dcMaxBuffered = 1024 * 1024

	dcChunkMore  = 0
	dcChunkFinal = 1
)

// DataChannelConn carries protocol messages over a WebRTC DataChannel.
// Messages larger than one chunk are split and reassembled; each chunk
// starts with a flag byte marking the final chunk of a message.
type DataChannelConn struct {
	dc    *webrtc.DataChannel
	owner io.Closer

	incoming chan []byte
	lowCh    chan struct{}
	done     chan struct{}

	wmu       sync.Mutex
	partial   []byte
	closeOnce sync.Once
}

// NewDataChannelConn wraps an open DataChannel. owner (usually the
// PeerConnection) is closed together with the connection and may be nil.
func NewDataChannelConn(dc *webrtc.DataChannel, owner io.Closer) *DataChannelConn {
	c := &DataChannelConn{
		dc:       dc,
		owner:    owner,
		incoming: make(chan []byte, 16),
		lowCh:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(dcMaxBuffered / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.lowCh <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(c.onMessage)
	dc.OnClose(func() {
		go c.Close()
	})
	return c
}

// onMessage runs on pion's read loop; only one call is active at a time.
func (c *DataChannelConn) onMessage(msg webrtc.DataChannelMessage) {
	if msg.IsString || len(msg.Data) == 0 {
		return
	}
	c.partial = append(c.partial, msg.Data[1:]...)
	if len(c.partial) > protocol.MaxFrameSize {
		c.partial = nil
		c.Close()
		return
	}
	if msg.Data[0] != dcChunkFinal {
		return
	}
	data := c.partial
	c.partial = nil
	select {
	case c.incoming <- data:
	case <-c.done:
	}
}

func (c *DataChannelConn) SendMessage(ctx context.Context, msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if len(msg) > protocol.MaxFrameSize {
		return fmt.Errorf("message of %d bytes: %w", len(msg), protocol.ErrProtocolViolation)
	}
	for off := 0; ; off += dcChunkSize {
		if err := c.waitWritable(ctx); err != nil {
			return err
		}
		end := min(off+dcChunkSize, len(msg))
		flag := byte(dcChunkMore)
		if end == len(msg) {
			flag = dcChunkFinal
		}
		chunk := make([]byte, 0, end-off+1)
		chunk = append(chunk, flag)
		chunk = append(chunk, msg[off:end]...)
		if err := c.dc.Send(chunk); err != nil {
			c.Close()
			return fmt.Errorf("send to %s: %w: %w", c.RemoteAddr(), ErrTransport, err)
		}
		if end == len(msg) {
			return nil
		}
	}
}

func (c *DataChannelConn) waitWritable(ctx context.Context) error {
	for c.dc.BufferedAmount() > dcMaxBuffered {
		select {
		case <-c.lowCh:
		case <-c.done:
			return fmt.Errorf("send to %s: %w: closed", c.RemoteAddr(), ErrTransport)
		case <-ctx.Done():
			// The connection may hold part of a message now.
			c.Close()
			return ctx.Err()
		}
	}
	select {
	case <-c.done:
		return fmt.Errorf("send to %s: %w: closed", c.RemoteAddr(), ErrTransport)
	default:
		return nil
	}
}

func (c *DataChannelConn) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		return nil, fmt.Errorf("receive from %s: %w: closed", c.RemoteAddr(), ErrTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *DataChannelConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.dc.Close()
		if c.owner != nil {
			if oerr := c.owner.Close(); err == nil {
				err = oerr
			}
		}
	})
	return err
}

func (c *DataChannelConn) RemoteAddr() string {
	return "webrtc:" + c.dc.Label()
}
