package decoder

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/junsooki/shar/internal/media"
)

// JPEGDecoder applies tiled JPEG packets to a canvas.
type JPEGDecoder struct {
	canvas  *image.RGBA
	lastSeq uint64
}

func NewJPEGDecoder() *JPEGDecoder {
	return &JPEGDecoder{}
}

// Decode applies p and returns a snapshot of the resulting picture. The
// snapshot is not touched by later calls.
func (d *JPEGDecoder) Decode(p *media.Packet) (*image.RGBA, error) {
	pic, err := media.UnmarshalPicture(p.Payload)
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case media.Keyframe:
		d.canvas = image.NewRGBA(image.Rect(0, 0, pic.Width, pic.Height))
	case media.Delta:
		if d.canvas == nil {
			return nil, fmt.Errorf("seq %d: %w", p.Seq, ErrMissingKeyframe)
		}
		if p.Seq != d.lastSeq+1 {
			d.canvas = nil
			return nil, fmt.Errorf("seq %d after %d: %w", p.Seq, d.lastSeq, ErrMissingKeyframe)
		}
		if d.canvas.Bounds().Dx() != pic.Width || d.canvas.Bounds().Dy() != pic.Height {
			d.canvas = nil
			return nil, fmt.Errorf("seq %d resized to %dx%d: %w", p.Seq, pic.Width, pic.Height, ErrMissingKeyframe)
		}
	default:
		return nil, fmt.Errorf("seq %d: unknown packet kind %d", p.Seq, p.Kind)
	}

	for _, t := range pic.Tiles {
		img, err := jpeg.Decode(bytes.NewReader(t.JPEG))
		if err != nil {
			return nil, fmt.Errorf("seq %d tile %d,%d: %w", p.Seq, t.X, t.Y, err)
		}
		r := image.Rect(t.X, t.Y, t.X+t.W, t.Y+t.H)
		draw.Draw(d.canvas, r, img, img.Bounds().Min, draw.Src)
	}
	d.lastSeq = p.Seq

	out := image.NewRGBA(d.canvas.Bounds())
	copy(out.Pix, d.canvas.Pix)
	return out, nil
}
