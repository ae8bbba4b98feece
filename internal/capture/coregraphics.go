//go:build darwin

package capture

/*
#cgo LDFLAGS: -framework CoreGraphics -framework CoreFoundation
#include <CoreGraphics/CoreGraphics.h>
#include <dlfcn.h>

// CGWindowListCreateImage is missing from the macOS 15 SDK headers but the
// symbol is still exported by CoreGraphics.
typedef CGImageRef (*windowListImageFn)(CGRect, uint32_t, uint32_t, uint32_t);

static windowListImageFn windowListImage(void) {
    static windowListImageFn fn = NULL;
    if (!fn) {
        fn = (windowListImageFn)dlsym(RTLD_DEFAULT, "CGWindowListCreateImage");
    }
    return fn;
}

// snapshotDisplay returns an on-screen image of the display, or NULL.
// The caller releases it with CGImageRelease.
static CGImageRef snapshotDisplay(CGDirectDisplayID id) {
    windowListImageFn fn = windowListImage();
    if (!fn || !CGDisplayIsActive(id)) {
        return NULL;
    }
    // kCGWindowListOptionOnScreenOnly, kCGNullWindowID, kCGWindowImageDefault
    return fn(CGDisplayBounds(id), 1, 0, 0);
}

// drawRGBA renders img into dst as premultiplied RGBA.
static int drawRGBA(CGImageRef img, void *dst, size_t w, size_t h, size_t stride) {
    CGColorSpaceRef cs = CGColorSpaceCreateDeviceRGB();
    CGContextRef ctx = CGBitmapContextCreate(dst, w, h, 8, stride, cs, kCGImageAlphaPremultipliedLast);
    CGColorSpaceRelease(cs);
    if (!ctx) {
        return 0;
    }
    CGContextDrawImage(ctx, CGRectMake(0, 0, w, h), img);
    CGContextRelease(ctx);
    return 1;
}
*/
import "C"

import (
	"fmt"
	"image"
	"time"
	"unsafe"
)

// maxDisplays bounds the active display list lookup.
const maxDisplays = 16

// CGCapturer implements Source using CoreGraphics.
type CGCapturer struct {
	*loop
	displayID C.CGDirectDisplayID
}

// NewDisplaySource creates a screen capturer for the given display at the given FPS.
func NewDisplaySource(displayIndex int, fps int) (Source, error) {
	return NewCGCapturer(displayIndex, fps)
}

// NewCGCapturer resolves displayIndex against the active display list.
// Index 0 is always the main display.
func NewCGCapturer(displayIndex int, fps int) (*CGCapturer, error) {
	if fps <= 0 || fps > 60 {
		return nil, fmt.Errorf("fps must be 1-60, got %d", fps)
	}
	id, err := resolveDisplay(displayIndex)
	if err != nil {
		return nil, err
	}
	c := &CGCapturer{displayID: id}
	c.loop = newLoop(fps, c.grab)
	return c, nil
}

func resolveDisplay(index int) (C.CGDirectDisplayID, error) {
	if index == 0 {
		return C.CGMainDisplayID(), nil
	}
	var ids [maxDisplays]C.CGDirectDisplayID
	var n C.uint32_t
	if C.CGGetActiveDisplayList(maxDisplays, &ids[0], &n) != 0 {
		return 0, fmt.Errorf("list displays: %w", ErrCaptureUnavailable)
	}
	if index < 0 || index >= int(n) {
		return 0, fmt.Errorf("display index %d out of range (have %d displays): %w", index, n, ErrCaptureUnavailable)
	}
	return ids[index], nil
}

// grab returns nil when the display produced no image this tick; the
// loop turns a long enough run of those into ErrCaptureUnavailable.
func (c *CGCapturer) grab() *Frame {
	snap := C.snapshotDisplay(c.displayID)
	if snap == 0 {
		return nil
	}
	defer C.CGImageRelease(snap)

	w := int(C.CGImageGetWidth(snap))
	h := int(C.CGImageGetHeight(snap))
	if w == 0 || h == 0 {
		return nil
	}
	// Each frame owns its buffer; CoreGraphics draws into it directly.
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	ok := C.drawRGBA(snap, unsafe.Pointer(&img.Pix[0]), C.size_t(w), C.size_t(h), C.size_t(img.Stride))
	if ok == 0 {
		return nil
	}
	return &Frame{
		Image:     img,
		Width:     w,
		Height:    h,
		Timestamp: time.Now(),
	}
}
