package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"go.uber.org/zap"

	"github.com/ozontech/duplex/part"
)

type State uint8

const (
	StateAwaitHead State = iota
	StateInExchange
	StateDrainBody
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitHead:
		return "await-head"
	case StateInExchange:
		return "in-exchange"
	case StateDrainBody:
		return "drain-body"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Driver runs sequential request/response exchanges over one channel.
// A Driver is stateless and may serve many channels concurrently.
type Driver struct {
	handler  Handler
	log      *zap.Logger
	reporter Reporter
}

type Opt func(*Driver)

func WithLogger(log *zap.Logger) Opt { return func(d *Driver) { d.log = log } }

func WithReporter(r Reporter) Opt { return func(d *Driver) { d.reporter = r } }

func New(handler Handler, opts ...Opt) *Driver {
	d := &Driver{
		handler:  handler,
		log:      zap.NewNop(),
		reporter: nopReporter{},
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.Named("driver")
	return d
}

// Serve drives ch until the peer ends the stream, an exchange asks to close
// it, or ctx is cancelled. Unexpected parts and handler errors are returned;
// transport failures and cancellation end the stream with a nil error.
// Cancellation half-closes the read side of ch.
func (d *Driver) Serve(ctx context.Context, ch Channel) error {
	s := &stream{
		Driver: d,
		ch:     ch,
		log:    d.log.With(zap.Stringer("channel", ch)),
	}

	halfClosed := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(halfClosed)
		if err := ch.CloseRead(); err != nil {
			s.log.Debug("half-close read failed", zap.Error(err))
		}
	})
	defer func() {
		if !stop() {
			<-halfClosed
		}
	}()

	st := StateAwaitHead
	for st != StateClosed {
		switch st {
		case StateAwaitHead:
			st = s.awaitHead(ctx)
		case StateInExchange:
			st = s.inExchange(ctx)
		case StateDrainBody:
			st = s.drainBody(ctx)
		}
	}
	return s.err
}

// stream is the state of one Serve call. It is owned by the serving goroutine.
type stream struct {
	*Driver
	ch  Channel
	log *zap.Logger

	head       *part.Head
	body       *Body
	exState    ExchangeState // ended once the request body is drained
	closeAfter bool
	err        error
}

func (s *stream) awaitHead(ctx context.Context) State {
	p, err := s.ch.Next(ctx)
	if err != nil {
		return s.readFailed(ctx, err)
	}
	if !p.IsHead() {
		return s.fail(&UnexpectedPartError{State: StateAwaitHead, Part: p})
	}
	s.head = p.Head
	return StateInExchange
}

func (s *stream) inExchange(ctx context.Context) State {
	exState := s.reporter.Acquire()
	s.exState = exState
	exState.Request(s.head)

	s.closeAfter = s.head.ConnectionClose()
	s.body = newBody(ctx, s.ch, exState)
	req := &Request{Head: s.head, body: s.body}
	w := newResponseWriter(s.ch, exState)

	err := s.invoke(ctx, req, w)
	s.body.reclaim()
	w.close()

	if err == nil {
		return StateDrainBody
	}
	defer s.endExchange()
	switch {
	case ctx.Err() != nil:
		s.log.Debug("exchange cancelled", zap.Stringer("request", s.head), zap.Error(err))
		return StateClosed
	case IsTransportError(err):
		s.log.Debug("failed to read/write to channel", zap.Error(err))
		return StateClosed
	}
	exState.Error(err)
	return s.fail(err)
}

func (s *stream) invoke(ctx context.Context, req *Request, w *ResponseWriter) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		buf := make([]byte, 64<<10)
		buf = buf[:runtime.Stack(buf, false)]
		s.log.Error("handler panicked",
			zap.Any("panic", r),
			zap.Stringer("request", req.Head),
			zap.ByteString("stack", buf),
		)
		err = fmt.Errorf("pipeline: handler panic: %v", r)
	}()
	return s.handler.ServeExchange(ctx, req, w, s.ch)
}

func (s *stream) drainBody(ctx context.Context) State {
	p, ok, err := s.body.drain(ctx)
	s.body = nil
	s.endExchange()
	if err != nil {
		return s.readFailed(ctx, err)
	}
	if !ok || s.closeAfter {
		return StateClosed
	}

	if p.IsEnd() {
		p, err = s.ch.Next(ctx)
		if err != nil {
			return s.readFailed(ctx, err)
		}
	}
	if !p.IsHead() {
		return s.fail(&UnexpectedPartError{State: StateDrainBody, Part: p})
	}
	s.head = p.Head
	return StateInExchange
}

func (s *stream) endExchange() {
	s.exState.End()
	s.exState = nil
}

func (s *stream) readFailed(ctx context.Context, err error) State {
	switch {
	case errors.Is(err, io.EOF):
	case ctx.Err() != nil:
		s.log.Debug("stream cancelled", zap.Error(err))
	default:
		s.log.Debug("failed to read from channel", zap.Error(err))
	}
	return StateClosed
}

func (s *stream) fail(err error) State {
	s.err = err
	return StateClosed
}
