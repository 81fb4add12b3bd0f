package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/ozontech/duplex/part"
)

type Request struct {
	Head *part.Head
	body *Body
}

func (r *Request) Method() string      { return r.Head.Method }
func (r *Request) Target() string      { return r.Head.Target }
func (r *Request) Path() string        { return r.Head.Path() }
func (r *Request) Fields() part.Fields { return r.Head.Fields }
func (r *Request) Body() *Body         { return r.body }

// Body is the single-pass body cursor of one exchange. The driver lends it to
// the handler and reclaims it when the handler returns, continuing from the
// position the handler left.
type Body struct {
	src   Source
	ctx   context.Context
	state ExchangeState

	term      *part.Part // first non-body part
	exhausted bool
	err       error

	reclaimed bool
	trailers  part.Fields
	rest      []byte
}

func newBody(ctx context.Context, src Source, state ExchangeState) *Body {
	return &Body{src: src, ctx: ctx, state: state}
}

// Next returns the next body chunk or io.EOF after the last one.
// io.ErrUnexpectedEOF means the stream ended before the exchange did.
func (b *Body) Next(ctx context.Context) ([]byte, error) {
	if b.reclaimed {
		return nil, ErrBodyReclaimed
	}
	if len(b.rest) != 0 {
		chunk := b.rest
		b.rest = nil
		return chunk, nil
	}
	return b.next(ctx)
}

// Read implements io.Reader bound to the exchange context.
func (b *Body) Read(p []byte) (int, error) {
	if b.reclaimed {
		return 0, ErrBodyReclaimed
	}
	for len(b.rest) == 0 {
		chunk, err := b.next(b.ctx)
		if err != nil {
			return 0, err
		}
		b.rest = chunk
	}
	n := copy(p, b.rest)
	b.rest = b.rest[n:]
	return n, nil
}

// Trailers are available once Next returned io.EOF.
func (b *Body) Trailers() part.Fields { return b.trailers }

func (b *Body) done() bool { return b.term != nil || b.exhausted || b.err != nil }

func (b *Body) next(ctx context.Context) ([]byte, error) {
	switch {
	case b.err != nil:
		return nil, b.err
	case b.exhausted:
		return nil, io.ErrUnexpectedEOF
	case b.term != nil:
		return nil, io.EOF
	}

	p, err := b.src.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.exhausted = true
			return nil, io.ErrUnexpectedEOF
		}
		b.err = &TransportError{Op: "read body", Err: err}
		return nil, b.err
	}
	if p.IsBody() {
		b.state.BodyIn(len(p.Data))
		return p.Data, nil
	}
	b.term = &p
	if p.IsEnd() {
		b.trailers = p.Trailers
	}
	return nil, io.EOF
}

func (b *Body) reclaim() { b.reclaimed = true }

// drain skips the rest of the body. It returns the part that terminated it,
// or ok == false when the source is exhausted.
func (b *Body) drain(ctx context.Context) (p part.Part, ok bool, err error) {
	b.rest = nil
	for !b.done() {
		_, _ = b.next(ctx)
	}
	switch {
	case b.err != nil:
		return p, false, b.err
	case b.exhausted:
		return p, false, nil
	}
	return *b.term, true, nil
}
