//go:build !darwin

package capture

import (
	"fmt"
	"runtime"
)

// NewDisplaySource is only backed by CoreGraphics; other platforms use the
// pattern source.
func NewDisplaySource(displayIndex int, fps int) (Source, error) {
	return nil, fmt.Errorf("display %d on %s: %w", displayIndex, runtime.GOOS, ErrCaptureUnavailable)
}
