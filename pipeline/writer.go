package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ozontech/duplex/part"
)

type phase uint8

const (
	phaseInit phase = iota
	phaseHead
	phaseEnded
)

// ResponseWriter forwards the response parts of one exchange to the sink in
// the order they are written. It is invalid once the handler returned.
type ResponseWriter struct {
	mu     sync.Mutex
	sink   Sink
	state  ExchangeState
	phase  phase
	err    error
	closed bool
}

func newResponseWriter(sink Sink, state ExchangeState) *ResponseWriter {
	return &ResponseWriter{sink: sink, state: state}
}

func (w *ResponseWriter) WriteHead(ctx context.Context, head part.Head) error {
	return w.WritePart(ctx, part.NewHead(head))
}

func (w *ResponseWriter) Write(ctx context.Context, b []byte) error {
	return w.WritePart(ctx, part.NewBody(b))
}

func (w *ResponseWriter) End(ctx context.Context, trailers part.Fields) error {
	return w.WritePart(ctx, part.NewEnd(trailers))
}

// WritePart validates p against the Head, Body*, End order and forwards it.
// Informational (1xx) heads may precede the final head.
func (w *ResponseWriter) WritePart(ctx context.Context, p part.Part) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}

	next := w.phase
	switch p.Kind {
	case part.KindHead:
		if w.phase != phaseInit || p.Head == nil {
			return fmt.Errorf("%w: %s after %s", ErrResponseOrder, p, w.phase)
		}
		if p.Head.Status >= 200 || p.Head.Status == 0 {
			next = phaseHead
		}
	case part.KindBody, part.KindEnd:
		if w.phase != phaseHead {
			return fmt.Errorf("%w: %s after %s", ErrResponseOrder, p, w.phase)
		}
		if p.IsEnd() {
			next = phaseEnded
		}
	default:
		return fmt.Errorf("%w: %s", ErrResponseOrder, p)
	}

	if err := w.sink.Write(ctx, p); err != nil {
		w.err = &TransportError{Op: "write " + p.Kind.String(), Err: err}
		return w.err
	}
	w.phase = next

	switch p.Kind {
	case part.KindHead:
		w.state.Response(p.Head)
	case part.KindBody:
		w.state.BodyOut(len(p.Data))
	}
	return nil
}

// Committed reports whether the final response head was written.
func (w *ResponseWriter) Committed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase != phaseInit
}

func (w *ResponseWriter) Ended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase == phaseEnded
}

// close waits for an in-flight write and rejects the later ones.
func (w *ResponseWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "start"
	case phaseHead:
		return "head"
	default:
		return "end"
	}
}
