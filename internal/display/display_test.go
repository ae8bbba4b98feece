package display

import (
	"image"
	"testing"
	"time"
)

func TestAspectFit(t *testing.T) {
	tests := []struct {
		vw, vh, fw, fh   float64
		scale, offX, offY float64
	}{
		{1280, 720, 1280, 720, 1, 0, 0},
		{1280, 720, 640, 360, 2, 0, 0},
		{1000, 1000, 1000, 500, 1, 0, 250},
		{800, 400, 400, 400, 1, 200, 0},
	}
	for _, tt := range tests {
		s, x, y := aspectFitTransform(tt.vw, tt.vh, tt.fw, tt.fh)
		if s != tt.scale || x != tt.offX || y != tt.offY {
			t.Errorf("fit %vx%v in %vx%v = (%v, %v, %v), want (%v, %v, %v)",
				tt.fw, tt.fh, tt.vw, tt.vh, s, x, y, tt.scale, tt.offX, tt.offY)
		}
	}
}

func TestHeadless(t *testing.T) {
	h := NewHeadless()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	h.SetFrame(img)
	h.SetStatus("host down")
	if got, status := h.CurrentFrame(); got != img || status != "host down" || h.Frames() != 1 {
		t.Fatalf("frame %p status %q frames %d", got, status, h.Frames())
	}

	done := make(chan error, 1)
	go func() { done <- h.Run() }()
	h.Close()
	h.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
