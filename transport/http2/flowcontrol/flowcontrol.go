package flowcontrol

import (
	"context"
	"math"
	"sync"
)

// FlowControl is an outbound HTTP/2 send window. The window may go negative
// when the peer shrinks SETTINGS_INITIAL_WINDOW_SIZE.
type FlowControl struct {
	n    int64
	cond *sync.Cond
	ok   bool
}

func NewFlowControl(n uint32) *FlowControl {
	fc := FlowControl{
		n:    int64(n),
		cond: sync.NewCond(&sync.Mutex{}),
		ok:   true,
	}
	return &fc
}

// Take waits until the window is positive and takes up to limit bytes of it.
// ok is false when the window was disabled or ctx is done.
func (fc *FlowControl) Take(ctx context.Context, limit uint32) (n uint32, ok bool) {
	if limit == 0 {
		return 0, true
	}
	cond := fc.cond

	cond.L.Lock()
	defer cond.L.Unlock()

	if fc.n <= 0 && fc.ok {
		stop := context.AfterFunc(ctx, func() {
			cond.L.Lock()
			defer cond.L.Unlock()
			cond.Broadcast()
		})
		defer stop()
	}
	for fc.n <= 0 && fc.ok && ctx.Err() == nil {
		cond.Wait()
	}
	if !fc.ok || ctx.Err() != nil {
		return 0, false
	}

	n = uint32(min(int64(limit), fc.n))
	fc.n -= int64(n)
	return n, true
}

// Add grows (or with a negative delta shrinks) the window. It reports false
// when the window would exceed 2^31-1.
func (fc *FlowControl) Add(delta int64) bool {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	if fc.n+delta > math.MaxInt32 {
		return false
	}
	fc.n += delta
	fc.cond.Broadcast()
	return true
}

func (fc *FlowControl) Available() int64 {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()
	return fc.n
}

func (fc *FlowControl) Reset(n uint32) {
	// the lock keeps Take from seeing the new window with the old disabled flag
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	fc.n = int64(n)
	fc.ok = true
}

func (fc *FlowControl) Disable() {
	fc.cond.L.Lock()
	defer fc.cond.L.Unlock()

	fc.ok = false
	fc.cond.Broadcast()
}
