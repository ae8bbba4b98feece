package display

import (
	"image"
	"sync"
	"sync/atomic"
)

// Display renders decoded frames.
type Display interface {
	// SetFrame replaces the displayed frame. Safe from any goroutine.
	SetFrame(img *image.RGBA)
	// SetStatus shows a one-line status over the frame; "" clears it.
	SetStatus(s string)
	// Run blocks until the display is closed.
	Run() error
	Close()
}

// Headless is a Display without a window. It keeps the latest frame.
type Headless struct {
	frames atomic.Uint64

	mu     sync.Mutex
	frame  *image.RGBA
	status string

	done      chan struct{}
	closeOnce sync.Once
}

func NewHeadless() *Headless {
	return &Headless{done: make(chan struct{})}
}

func (h *Headless) SetFrame(img *image.RGBA) {
	h.frames.Add(1)
	h.mu.Lock()
	h.frame = img
	h.mu.Unlock()
}

func (h *Headless) SetStatus(s string) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Frames returns how many frames were displayed.
func (h *Headless) Frames() uint64 {
	return h.frames.Load()
}

// CurrentFrame returns the latest frame and status line.
func (h *Headless) CurrentFrame() (*image.RGBA, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame, h.status
}

func (h *Headless) Run() error {
	<-h.done
	return nil
}

func (h *Headless) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
