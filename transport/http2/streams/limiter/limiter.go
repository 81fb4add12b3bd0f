package limiter

import (
	"sync"
)

// Limiter counts concurrently open streams. A zero quota means unlimited.
type Limiter struct {
	mu    sync.Mutex
	quota uint32
	inUse uint32
	idle  chan struct{}
}

func New(quota uint32) *Limiter {
	return &Limiter{quota: quota}
}

// TryAcquire takes a slot without waiting.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quota != 0 && l.inUse >= l.quota {
		return false
	}
	l.inUse++
	return true
}

func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inUse--
	if l.inUse == 0 && l.idle != nil {
		close(l.idle)
		l.idle = nil
	}
}

func (l *Limiter) InUse() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Idle returns a channel closed once no slot is in use.
func (l *Limiter) Idle() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inUse == 0 {
		return closed
	}
	if l.idle == nil {
		l.idle = make(chan struct{})
	}
	return l.idle
}
