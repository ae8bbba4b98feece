package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync/atomic"

	"github.com/junsooki/shar/internal/capture"
	"github.com/junsooki/shar/internal/media"
)

// Options configures a JPEGEncoder.
type Options struct {
	Quality          int // JPEG quality (1-100)
	KeyframeInterval int // frames between keyframes, 0 disables periodic keyframes
	TileSize         int // delta tile edge in pixels
}

// JPEGEncoder encodes frames as tiled JPEG. Keyframes carry the whole
// picture, deltas carry only the tiles that changed since the previous
// frame.
type JPEGEncoder struct {
	seq      *media.Sequence
	interval int
	tile     int

	quality atomic.Int32
	force   atomic.Bool

	prev     *image.RGBA
	sinceKey int
	closed   bool
}

// NewJPEGEncoder creates a tile encoder drawing sequence numbers from seq.
func NewJPEGEncoder(seq *media.Sequence, opts Options) *JPEGEncoder {
	if opts.TileSize <= 0 {
		opts.TileSize = 64
	}
	if opts.KeyframeInterval < 0 {
		opts.KeyframeInterval = 0
	}
	e := &JPEGEncoder{
		seq:      seq,
		interval: opts.KeyframeInterval,
		tile:     opts.TileSize,
	}
	e.SetQuality(opts.Quality)
	return e
}

func (e *JPEGEncoder) SetQuality(quality int) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	e.quality.Store(int32(quality))
}

func (e *JPEGEncoder) Quality() int {
	return int(e.quality.Load())
}

func (e *JPEGEncoder) ForceKeyframe() {
	e.force.Store(true)
}

func (e *JPEGEncoder) Close() error {
	e.closed = true
	e.prev = nil
	return nil
}

func (e *JPEGEncoder) Encode(frame *capture.Frame) ([]media.Packet, error) {
	if e.closed {
		return nil, fmt.Errorf("encoder closed: %w", ErrEncodeFailure)
	}
	if frame == nil || frame.Image == nil || frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("invalid frame: %w", ErrEncodeFailure)
	}
	if frame.Image.Bounds().Dx() != frame.Width || frame.Image.Bounds().Dy() != frame.Height {
		return nil, fmt.Errorf("frame size %dx%d does not match image %v: %w",
			frame.Width, frame.Height, frame.Image.Bounds(), ErrEncodeFailure)
	}

	forced := e.force.Swap(false)
	key := forced ||
		e.prev == nil ||
		e.prev.Bounds() != frame.Image.Bounds() ||
		(e.interval > 0 && e.sinceKey >= e.interval)

	pic := media.Picture{Width: frame.Width, Height: frame.Height}
	kind := media.Delta
	if key {
		kind = media.Keyframe
		data, err := e.encodeRect(frame.Image, frame.Image.Bounds())
		if err != nil {
			return nil, err
		}
		pic.Tiles = []media.Tile{{X: 0, Y: 0, W: frame.Width, H: frame.Height, JPEG: data}}
	} else {
		tiles, err := e.changedTiles(frame.Image)
		if err != nil {
			return nil, err
		}
		if len(tiles) == 0 {
			e.sinceKey++
			return nil, nil
		}
		pic.Tiles = tiles
	}

	payload, err := media.MarshalPicture(&pic)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrEncodeFailure)
	}

	// Frames are immutable once captured, so keeping a reference is enough.
	e.prev = frame.Image
	if key {
		e.sinceKey = 1
	} else {
		e.sinceKey++
	}

	return []media.Packet{{
		Seq:       e.seq.Next(),
		Kind:      kind,
		Timestamp: uint64(frame.Timestamp.UnixMicro()),
		Payload:   payload,
	}}, nil
}

func (e *JPEGEncoder) changedTiles(img *image.RGBA) ([]media.Tile, error) {
	b := img.Bounds()
	var tiles []media.Tile
	for y := b.Min.Y; y < b.Max.Y; y += e.tile {
		for x := b.Min.X; x < b.Max.X; x += e.tile {
			r := image.Rect(x, y, min(x+e.tile, b.Max.X), min(y+e.tile, b.Max.Y))
			if sameRect(e.prev, img, r) {
				continue
			}
			data, err := e.encodeRect(img, r)
			if err != nil {
				return nil, err
			}
			tiles = append(tiles, media.Tile{
				X:    r.Min.X - b.Min.X,
				Y:    r.Min.Y - b.Min.Y,
				W:    r.Dx(),
				H:    r.Dy(),
				JPEG: data,
			})
		}
	}
	return tiles, nil
}

func (e *JPEGEncoder) encodeRect(img *image.RGBA, r image.Rectangle) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(r.Dx() * r.Dy() / 4)
	err := jpeg.Encode(&buf, img.SubImage(r), &jpeg.Options{Quality: e.Quality()})
	if err != nil {
		return nil, fmt.Errorf("jpeg %v: %v: %w", r, err, ErrEncodeFailure)
	}
	return buf.Bytes(), nil
}

func sameRect(a, b *image.RGBA, r image.Rectangle) bool {
	n := r.Dx() * 4
	for y := r.Min.Y; y < r.Max.Y; y++ {
		ao := a.PixOffset(r.Min.X, y)
		bo := b.PixOffset(r.Min.X, y)
		if !bytes.Equal(a.Pix[ao:ao+n], b.Pix[bo:bo+n]) {
			return false
		}
	}
	return true
}
