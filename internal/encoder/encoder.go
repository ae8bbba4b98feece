package encoder

import (
	"errors"

	"github.com/junsooki/shar/internal/capture"
	"github.com/junsooki/shar/internal/media"
)

// ErrEncodeFailure is fatal for the current pipeline run: encoder state can
// no longer be trusted and must be rebuilt.
var ErrEncodeFailure = errors.New("encode failure")

// Encoder turns raw frames into packets.
type Encoder interface {
	// Encode returns zero or more packets in presentation order.
	Encode(frame *capture.Frame) ([]media.Packet, error)
	// ForceKeyframe makes the next emitted packet a keyframe. Safe to call
	// from any goroutine.
	ForceKeyframe()
	SetQuality(quality int)
	Quality() int
	Close() error
}
