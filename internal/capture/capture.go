package capture

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	// ErrCaptureUnavailable reports that the capture target is gone (display
	// unplugged, mode change, permission revoked). Resuming requires a new
	// Source.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrStopped is returned by NextFrame after Stop.
	ErrStopped = errors.New("capture stopped")
)

// Frame represents a captured screen frame. A Frame is never mutated after
// it has been returned by NextFrame.
type Frame struct {
	Image     *image.RGBA
	Width     int
	Height    int
	Timestamp time.Time
}

// Stride returns the byte distance between two rows of pixels.
func (f *Frame) Stride() int {
	return f.Image.Stride
}

// Source produces raw frames.
type Source interface {
	Start() error
	// NextFrame blocks until a frame is available, the source fails or
	// stops, or ctx is done.
	NextFrame(ctx context.Context) (*Frame, error)
	Stop()
}
