//go:build darwin

// Package permissions checks the macOS privacy permissions the host needs.
package permissions

/*
#cgo LDFLAGS: -framework CoreGraphics
#include <CoreGraphics/CoreGraphics.h>
*/
import "C"

// HasScreenRecording reports whether the process may capture the screen.
// Without the permission CoreGraphics returns only the desktop wallpaper.
func HasScreenRecording() bool {
	return bool(C.CGPreflightScreenCaptureAccess())
}

// RequestScreenRecording shows the system prompt when the permission is
// missing. macOS applies a new grant only after the process restarts.
func RequestScreenRecording() bool {
	return bool(C.CGRequestScreenCaptureAccess())
}
