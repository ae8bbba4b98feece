package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTransport wraps every I/O failure of a connection. It is scoped to a
// single session.
var ErrTransport = errors.New("transport error")

// aLongTimeAgo is a deadline in the past used to abort blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// MessageSender sends one framed message.
type MessageSender interface {
	// SendMessage writes msg as one frame. Cancelling ctx aborts an
	// in-flight write; the connection is unusable afterwards.
	SendMessage(ctx context.Context, msg []byte) error
}

// MessageReceiver receives framed messages.
type MessageReceiver interface {
	ReceiveMessage(ctx context.Context) ([]byte, error)
}

// Conn is a message oriented, bidirectional connection. SendMessage is safe
// for concurrent use; ReceiveMessage must be called from one goroutine.
type Conn interface {
	MessageSender
	MessageReceiver
	Close() error
	RemoteAddr() string
}
