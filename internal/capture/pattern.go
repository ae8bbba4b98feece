package capture

import (
	"fmt"
	"image"
	"time"
)

// PatternSource produces a synthetic moving test pattern. It runs on every
// platform and is used when no display backend is available.
type PatternSource struct {
	*loop
	width  int
	height int
	tick   int
}

// NewPatternSource creates a w×h test pattern source paced at fps.
func NewPatternSource(w, h, fps int) (*PatternSource, error) {
	if fps <= 0 || fps > 60 {
		return nil, fmt.Errorf("fps must be 1-60, got %d", fps)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid pattern size %dx%d", w, h)
	}
	p := &PatternSource{width: w, height: h}
	p.loop = newLoop(fps, p.Render)
	return p, nil
}

// Render draws the next pattern frame. Static colour bars fill the picture
// and a bright block sweeps across it, so consecutive frames differ only
// in a few tiles.
func (p *PatternSource) Render() *Frame {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	bars := [][3]byte{
		{192, 192, 192}, {192, 192, 0}, {0, 192, 192}, {0, 192, 0},
		{192, 0, 192}, {192, 0, 0}, {0, 0, 192},
	}
	barW := (p.width + len(bars) - 1) / len(bars)

	block := p.height / 8
	if block == 0 {
		block = 1
	}
	bx := (p.tick * block / 2) % p.width
	by := (p.tick / 8 * block) % p.height
	p.tick++

	for y := 0; y < p.height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < p.width; x++ {
			c := bars[x/barW]
			if x >= bx && x < bx+block && y >= by && y < by+block {
				c = [3]byte{255, 255, 255}
			}
			i := x * 4
			row[i], row[i+1], row[i+2], row[i+3] = c[0], c[1], c[2], 255
		}
	}

	return &Frame{
		Image:     img,
		Width:     p.width,
		Height:    p.height,
		Timestamp: time.Now(),
	}
}
