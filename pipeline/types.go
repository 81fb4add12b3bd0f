package pipeline

import (
	"context"

	"github.com/ozontech/duplex/part"
)

// Source is the inbound side of a stream.
// Next returns io.EOF once the peer closed its write side. Data of body parts
// must not be reused by the source after it was returned.
type Source interface {
	Next(ctx context.Context) (part.Part, error)
}

// Sink is the outbound side of a stream. Parts are written in call order.
type Sink interface {
	Write(ctx context.Context, p part.Part) error
}

// Channel is one logical bidirectional stream.
type Channel interface {
	Source
	Sink
	CloseRead() error // half-close of the read side
	String() string
}

type Handler interface {
	ServeExchange(ctx context.Context, req *Request, w *ResponseWriter, ch Channel) error
}

type HandlerFunc func(ctx context.Context, req *Request, w *ResponseWriter, ch Channel) error

func (f HandlerFunc) ServeExchange(ctx context.Context, req *Request, w *ResponseWriter, ch Channel) error {
	return f(ctx, req, w, ch)
}

type Reporter interface {
	Acquire() ExchangeState
}

// ExchangeState receives the events of one exchange. End is always called
// last, after the unread request body was drained.
type ExchangeState interface {
	Request(head *part.Head)  // request head dispatched to the handler
	Response(head *part.Head) // response head written
	BodyIn(n int)             // request body bytes read
	BodyOut(n int)            // response body bytes written
	Error(err error)          // handler or protocol failure
	End()
}

type nopReporter struct{}

func (nopReporter) Acquire() ExchangeState { return nopState{} }

type nopState struct{}

func (nopState) Request(*part.Head)  {}
func (nopState) Response(*part.Head) {}
func (nopState) BodyIn(int)          {}
func (nopState) BodyOut(int)         {}
func (nopState) Error(error)         {}
func (nopState) End()                {}
