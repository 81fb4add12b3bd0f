package http2

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"golang.org/x/net/http2"

	"github.com/ozontech/duplex/consts"
	"github.com/ozontech/duplex/part"
	fc "github.com/ozontech/duplex/transport/http2/flowcontrol"
	"github.com/ozontech/duplex/transport/inmem"
	hpackwrapper "github.com/ozontech/duplex/utils/hpack_wrapper"
)

// stream is one HTTP/2 stream seen as a pipeline.Channel. The reader pushes
// inbound parts into in, the driver goroutine writes the response.
type stream struct {
	id     uint32
	conn   *ServerConn
	ctx    context.Context
	cancel context.CancelFunc

	in *inmem.Queue
	fc *fc.FlowControl

	recvWindow atomic.Int64
	unacked    atomic.Int64

	remoteClosed atomic.Bool
	reset        atomic.Bool
	ended        atomic.Bool
}

func newStream(c *ServerConn, id uint32) *stream {
	ctx, cancel := context.WithCancel(c.streamsCtx)
	st := &stream{
		id:     id,
		conn:   c,
		ctx:    ctx,
		cancel: cancel,
		in:     inmem.NewQueue(),
		fc:     fc.NewFlowControl(c.peerInitialWindowSize),
	}
	st.recvWindow.Store(int64(c.cfg.InitialWindowSize))
	return st
}

func (s *stream) String() string {
	return s.conn.String() + "#" + strconv.FormatUint(uint64(s.id), 10)
}

func (s *stream) Next(ctx context.Context) (part.Part, error) {
	p, err := s.in.Next(ctx)
	if err == nil && p.IsBody() {
		s.consumed(int64(len(p.Data)))
	}
	return p, err
}

func (s *stream) CloseRead() error {
	return s.in.CloseRead()
}

func (s *stream) Write(ctx context.Context, p part.Part) error {
	if s.reset.Load() || s.ended.Load() {
		return errStreamClosed
	}
	switch p.Kind {
	case part.KindHead:
		h := p.Head
		return s.send(ctx, func(fr *http2.Framer, enc *hpackwrapper.Wrapper) error {
			return s.writeHeaders(fr, enc.ResponseBlock(h), false)
		})
	case part.KindBody:
		return s.writeData(ctx, p.Data)
	case part.KindEnd:
		trailers := p.Trailers
		err := s.send(ctx, func(fr *http2.Framer, enc *hpackwrapper.Wrapper) error {
			if len(trailers) == 0 {
				return fr.WriteData(s.id, true, nil)
			}
			return s.writeHeaders(fr, enc.TrailersBlock(trailers), true)
		})
		if err == nil {
			s.ended.Store(true)
		}
		return err
	}
	return errStreamClosed
}

func (s *stream) send(ctx context.Context, write writeFunc) error {
	var dropped bool
	err := s.conn.sender.Send(ctx, func(fr *http2.Framer, enc *hpackwrapper.Wrapper) error {
		// a reset may arrive while the frame waits in the queue
		if s.reset.Load() {
			dropped = true
			return nil
		}
		return write(fr, enc)
	})
	if err == nil && dropped {
		return errStreamClosed
	}
	return err
}

// writeHeaders writes a header block split into HEADERS and CONTINUATION frames.
func (s *stream) writeHeaders(fr *http2.Framer, block []byte, endStream bool) error {
	maxFrameSize := int(s.conn.peerMaxFrameSize.Load())
	first := block[:min(len(block), maxFrameSize)]
	block = block[len(first):]
	err := fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	})
	for err == nil && len(block) != 0 {
		frag := block[:min(len(block), maxFrameSize)]
		block = block[len(frag):]
		err = fr.WriteContinuation(s.id, len(block) == 0, frag)
	}
	return err
}

// writeData splits data into DATA frames that fit the peer frame size and
// both send windows.
func (s *stream) writeData(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		limit := min(len(data), int(s.conn.peerMaxFrameSize.Load()))
		n, ok := s.fc.Take(ctx, uint32(limit))
		if !ok {
			return s.writeErr(ctx)
		}
		m, ok := s.conn.fcConn.Take(ctx, n)
		if !ok {
			s.fc.Add(int64(n))
			return s.writeErr(ctx)
		}
		if m < n {
			s.fc.Add(int64(n - m))
		}

		chunk := data[:m]
		data = data[m:]
		err := s.send(ctx, func(fr *http2.Framer, _ *hpackwrapper.Wrapper) error {
			return fr.WriteData(s.id, false, chunk)
		})
		if errors.Is(err, errStreamClosed) {
			s.conn.fcConn.Add(int64(m))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *stream) writeErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errStreamClosed
}

// consumed returns n bytes to the peer once they are read from the stream.
func (s *stream) consumed(n int64) {
	if n == 0 || s.remoteClosed.Load() {
		return
	}
	acc := s.unacked.Add(n)
	if acc < consts.WindowUpdateMinValue || !s.unacked.CompareAndSwap(acc, 0) {
		return
	}
	s.recvWindow.Add(acc)
	s.conn.sender.Control(func(fr *http2.Framer, _ *hpackwrapper.Wrapper) error {
		return fr.WriteWindowUpdate(s.id, uint32(acc))
	})
}

// remoteEnd ends the request stream, trailers may be nil.
func (s *stream) remoteEnd(trailers part.Fields) {
	s.remoteClosed.Store(true)
	s.in.Push(part.NewEnd(trailers))
	s.in.CloseWrite()
}

func (s *stream) abort(err error) {
	s.reset.Store(true)
	s.in.Fail(err)
	s.fc.Disable()
	s.cancel()
}
