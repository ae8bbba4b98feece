package display

import (
	"image"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
)

// EbitenDisplay renders the remote screen using Ebitengine.
type EbitenDisplay struct {
	title string

	mu          sync.Mutex
	frame       *image.RGBA
	dirty       bool
	status      string
	ebitenImage *ebiten.Image

	closed atomic.Bool
}

// NewEbitenDisplay creates an Ebitengine-based display.
func NewEbitenDisplay(title string) *EbitenDisplay {
	return &EbitenDisplay{title: title}
}

// SetFrame updates the displayed frame (called from network goroutine).
func (d *EbitenDisplay) SetFrame(img *image.RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame = img
	d.dirty = true
}

func (d *EbitenDisplay) SetStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// Run starts the Ebitengine game loop. Must be called from the main goroutine.
func (d *EbitenDisplay) Run() error {
	ebiten.SetWindowSize(1280, 720)
	ebiten.SetWindowTitle(d.title)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	return ebiten.RunGame(d)
}

// Close ends Run on the next update.
func (d *EbitenDisplay) Close() {
	d.closed.Store(true)
}

// --- ebiten.Game interface ---

func (d *EbitenDisplay) Update() error {
	if d.closed.Load() {
		return ebiten.Termination
	}
	return nil
}

func (d *EbitenDisplay) Draw(screen *ebiten.Image) {
	d.mu.Lock()
	frame, dirty, status := d.frame, d.dirty, d.status
	d.dirty = false
	d.mu.Unlock()

	if frame != nil {
		fw, fh := frame.Bounds().Dx(), frame.Bounds().Dy()
		if d.ebitenImage == nil || d.ebitenImage.Bounds().Dx() != fw || d.ebitenImage.Bounds().Dy() != fh {
			d.ebitenImage = ebiten.NewImage(fw, fh)
			dirty = true
		}
		if dirty {
			d.ebitenImage.WritePixels(frame.Pix)
		}

		sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
		scale, offsetX, offsetY := aspectFitTransform(float64(sw), float64(sh), float64(fw), float64(fh))
		op := &ebiten.DrawImageOptions{}
		op.GeoM.Scale(scale, scale)
		op.GeoM.Translate(offsetX, offsetY)
		screen.DrawImage(d.ebitenImage, op)
	}
	if status != "" {
		ebitenutil.DebugPrint(screen, status)
	}
}

func (d *EbitenDisplay) Layout(outsideWidth, outsideHeight int) (int, int) {
	return outsideWidth, outsideHeight
}

// aspectFitTransform returns scale and offsets to fit frame into view with letterboxing.
func aspectFitTransform(viewW, viewH, frameW, frameH float64) (scale, offsetX, offsetY float64) {
	scale = math.Min(viewW/frameW, viewH/frameH)
	offsetX = (viewW - frameW*scale) / 2
	offsetY = (viewH - frameH*scale) / 2
	return
}
