package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// grabFunc captures one frame. A nil frame means the backend had nothing
// to give for this tick.
type grabFunc func() *Frame

// loop paces a grabFunc at a fixed rate and hands frames to NextFrame
// through a small buffer. Frames are dropped when the consumer is behind.
type loop struct {
	fps     int
	grab    grabFunc
	frameCh chan *Frame
	stopCh  chan struct{}

	running  atomic.Bool
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func newLoop(fps int, grab grabFunc) *loop {
	return &loop{
		fps:     fps,
		grab:    grab,
		frameCh: make(chan *Frame, 2),
		stopCh:  make(chan struct{}),
	}
}

func (l *loop) Start() error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("already running")
	}
	go l.run()
	return nil
}

func (l *loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *loop) NextFrame(ctx context.Context) (*Frame, error) {
	select {
	case f, ok := <-l.frameCh:
		if !ok {
			return nil, l.failure()
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loop) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return ErrStopped
	}
	return l.err
}

func (l *loop) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *loop) run() {
	ticker := time.NewTicker(time.Second / time.Duration(l.fps))
	defer ticker.Stop()
	defer close(l.frameCh)

	// One second worth of empty grabs means the target is gone.
	misses := 0
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			f := l.grab()
			if f == nil {
				misses++
				if misses >= l.fps {
					l.fail(fmt.Errorf("no frame for %d ticks: %w", misses, ErrCaptureUnavailable))
					return
				}
				continue
			}
			misses = 0
			select {
			case l.frameCh <- f:
			default:
			}
		}
	}
}
