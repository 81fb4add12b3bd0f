package pool

import "sync"

// Pool keeps released values for reuse. Unlike sync.Pool values survive GC,
// the pool holds at most max of them.
type Pool[T any] struct {
	mu    sync.Mutex
	s     []T
	max   int
	newFn func() T
}

func New[T any](max int, newFn func() T) *Pool[T] {
	return &Pool[T]{s: make([]T, 0, max), max: max, newFn: newFn}
}

func (p *Pool[T]) Get() T {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := len(p.s)
	if l == 0 {
		return p.newFn()
	}

	var zero T
	v := p.s[l-1]
	p.s[l-1] = zero
	p.s = p.s[:l-1]
	return v
}

func (p *Pool[T]) Put(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.s) < p.max {
		p.s = append(p.s, v)
	}
}

func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.s)
}
