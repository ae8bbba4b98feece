package media

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxPictureDim bounds the width and height of a decoded picture.
const MaxPictureDim = 16384

// Tile is a JPEG-compressed rectangle of a picture.
type Tile struct {
	X    int    `msgpack:"x"`
	Y    int    `msgpack:"y"`
	W    int    `msgpack:"w"`
	H    int    `msgpack:"h"`
	JPEG []byte `msgpack:"jpeg"`
}

// Picture is the payload carried by both packet kinds. A keyframe covers
// the whole picture; a delta carries only the tiles that changed.
type Picture struct {
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Tiles  []Tile `msgpack:"tiles"`
}

// MarshalPicture serializes a picture into a packet payload.
func MarshalPicture(p *Picture) ([]byte, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal picture: %w", err)
	}
	return data, nil
}

// UnmarshalPicture parses a packet payload.
func UnmarshalPicture(data []byte) (*Picture, error) {
	var p Picture
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal picture: %w", err)
	}
	if p.Width <= 0 || p.Height <= 0 || p.Width > MaxPictureDim || p.Height > MaxPictureDim {
		return nil, fmt.Errorf("unmarshal picture: invalid size %dx%d", p.Width, p.Height)
	}
	for _, t := range p.Tiles {
		if t.X < 0 || t.Y < 0 || t.W <= 0 || t.H <= 0 || t.X+t.W > p.Width || t.Y+t.H > p.Height {
			return nil, fmt.Errorf("unmarshal picture: tile %d,%d %dx%d outside %dx%d", t.X, t.Y, t.W, t.H, p.Width, p.Height)
		}
	}
	return &p, nil
}
