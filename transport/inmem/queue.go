package inmem

import (
	"context"
	"io"
	"sync"

	"github.com/ozontech/duplex/part"
)

// Queue is an unbounded part FIFO with a single reader. Push never blocks,
// so the producer bounds the memory (http2 does it with flow control).
type Queue struct {
	mu          sync.Mutex
	parts       []part.Part
	signal      chan struct{}
	writeClosed bool
	readClosed  bool
	err         error
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends p. It reports false when the read side is closed and p was dropped.
func (q *Queue) Push(p part.Part) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.readClosed || q.writeClosed || q.err != nil {
		return false
	}
	q.parts = append(q.parts, p)
	q.notify()
	return true
}

// CloseWrite makes Next return io.EOF once the queued parts are consumed.
func (q *Queue) CloseWrite() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.writeClosed = true
	q.notify()
}

// Fail drops the queued parts and makes Next return err.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err == nil {
		q.err = err
	}
	q.parts = nil
	q.notify()
}

// CloseRead drops the queued parts, rejects later pushes and makes Next return io.EOF.
func (q *Queue) CloseRead() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.readClosed = true
	q.parts = nil
	q.notify()
	return nil
}

func (q *Queue) ReadClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readClosed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parts)
}

func (q *Queue) Next(ctx context.Context) (part.Part, error) {
	for {
		q.mu.Lock()
		switch {
		case q.readClosed:
			q.mu.Unlock()
			return part.Part{}, io.EOF
		case q.err != nil:
			err := q.err
			q.mu.Unlock()
			return part.Part{}, err
		case len(q.parts) != 0:
			p := q.parts[0]
			q.parts[0] = part.Part{}
			q.parts = q.parts[1:]
			q.mu.Unlock()
			return p, nil
		case q.writeClosed:
			q.mu.Unlock()
			return part.Part{}, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return part.Part{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
