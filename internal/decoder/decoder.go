package decoder

import (
	"errors"
	"image"

	"github.com/junsooki/shar/internal/media"
)

// ErrMissingKeyframe is returned for a delta that does not continue the
// group the decoder holds. The decoder waits for the next keyframe.
var ErrMissingKeyframe = errors.New("delta without keyframe")

// Decoder reconstructs pictures from packets.
type Decoder interface {
	Decode(p *media.Packet) (*image.RGBA, error)
}
