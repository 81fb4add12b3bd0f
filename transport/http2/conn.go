package http2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/duplex/consts"
	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	fc "github.com/ozontech/duplex/transport/http2/flowcontrol"
	"github.com/ozontech/duplex/transport/http2/streams/limiter"
	streamsStore "github.com/ozontech/duplex/transport/http2/streams/store"
	hpackwrapper "github.com/ozontech/duplex/utils/hpack_wrapper"
)

var clientPreface = []byte(http2.ClientPreface)

type Config struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32 // per stream receive window, never below the protocol default
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	HeaderTableSize      uint32
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: consts.DefaultMaxConcurrentStreams,
		InitialWindowSize:    consts.DefaultInitialWindowSize,
		MaxFrameSize:         consts.DefaultMaxFrameSize,
		MaxHeaderListSize:    consts.DefaultMaxHeaderListSize,
		HeaderTableSize:      consts.DefaultHeaderTableSize,
		HandshakeTimeout:     consts.DefaultTimeout,
		WriteTimeout:         consts.DefaultTimeout,
	}
}

// ChannelServer serves one stream. *pipeline.Driver implements it.
type ChannelServer interface {
	Serve(ctx context.Context, ch pipeline.Channel) error
}

// ServerConn is a server side HTTP/2 connection with prior knowledge (h2c).
// Every stream is a pipeline.Channel served on its own goroutine.
type ServerConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	cfg  Config
	srv  ChannelServer
	log  *zap.Logger

	framer  *http2.Framer
	sender  *sender
	fcConn  *fc.FlowControl
	streams *streamsStore.ShardedStreamsMap[*stream]
	limiter *limiter.Limiter

	// owned by the reader
	peerInitialWindowSize uint32
	connUnacked           uint32

	peerMaxFrameSize atomic.Uint32
	streamsCtx       context.Context

	mu           sync.Mutex
	lastStreamID uint32
	goingAway    bool

	shutdownOnce sync.Once
	shutdown     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewServerConn wraps conn. br may already hold bytes read from conn,
// the client preface among them.
func NewServerConn(conn net.Conn, br *bufio.Reader, srv ChannelServer, cfg Config, log *zap.Logger) *ServerConn {
	def := DefaultConfig()
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.MaxHeaderListSize == 0 {
		cfg.MaxHeaderListSize = def.MaxHeaderListSize
	}
	if cfg.HeaderTableSize == 0 {
		cfg.HeaderTableSize = def.HeaderTableSize
	}
	cfg.InitialWindowSize = max(cfg.InitialWindowSize, consts.DefaultInitialWindowSize)
	if br == nil {
		br = bufio.NewReader(conn)
	}

	bw := bufio.NewWriterSize(conn, consts.DefaultChunkSize)
	framer := http2.NewFramer(bw, br)
	framer.ReadMetaHeaders = hpack.NewDecoder(cfg.HeaderTableSize, nil)
	framer.MaxHeaderListSize = cfg.MaxHeaderListSize
	framer.SetMaxReadFrameSize(cfg.MaxFrameSize)

	c := &ServerConn{
		conn:   conn,
		br:     br,
		bw:     bw,
		cfg:    cfg,
		srv:    srv,
		log:    log.Named("http2").With(zap.Stringer("remote", conn.RemoteAddr())),
		framer: framer,
		sender: newSender(conn, bw, framer, hpackwrapper.NewWrapper(), cfg.WriteTimeout),
		// the connection window ignores SETTINGS_INITIAL_WINDOW_SIZE
		fcConn:  fc.NewFlowControl(consts.DefaultInitialWindowSize),
		streams: streamsStore.NewShardedStreamsMap[*stream](16, 16),
		limiter: limiter.New(cfg.MaxConcurrentStreams),

		peerInitialWindowSize: consts.DefaultInitialWindowSize,
		shutdown:              make(chan struct{}),
	}
	c.peerMaxFrameSize.Store(consts.DefaultMaxFrameSize)
	return c
}

func (c *ServerConn) String() string { return "http2:" + c.conn.RemoteAddr().String() }

// Serve runs the connection until the peer leaves or a connection error.
// Cancelling ctx or Shutdown starts a graceful shutdown: GOAWAY is sent,
// open streams complete, then the connection is closed. Close aborts everything.
func (c *ServerConn) Serve(ctx context.Context) (err error) {
	defer func() { err = multierr.Append(err, c.Close()) }()

	if err := c.handshake(); err != nil {
		return fmt.Errorf("http2 handshake: %w", err)
	}
	c.log.Debug("connection established")

	streamsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	c.streamsCtx = streamsCtx

	g, gctx := errgroup.WithContext(streamsCtx)
	g.Go(func() (err error) {
		defer cancel()
		defer func() { c.log.Debug("sender done", zap.Error(err)) }()
		return c.sender.Run(gctx)
	})
	g.Go(func() (err error) {
		defer cancel()
		defer func() { c.log.Debug("reader done", zap.Error(err)) }()
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.shutdown:
		case <-gctx.Done():
		}
		if gctx.Err() == nil {
			c.goAway(http2.ErrCodeNo, nil)
			select {
			case <-c.limiter.Idle():
				c.log.Debug("all streams released")
			case <-gctx.Done():
			}
			cancel()
		}
		// unblocks the reader
		c.conn.SetReadDeadline(time.Now()) //nolint:errcheck // fails only on a closed conn
		return nil
	})

	err = g.Wait()
	c.fcConn.Disable()
	<-c.limiter.Idle()
	return err
}

func (c *ServerConn) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
}

// Close closes the connection. Running streams are cancelled.
func (c *ServerConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *ServerConn) handshake() error {
	if c.cfg.HandshakeTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
			return err
		}
	}

	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(c.br, preface); err != nil {
		return fmt.Errorf("read preface: %w", err)
	}
	if !bytes.Equal(preface, clientPreface) {
		return errBadPreface
	}

	settings := []http2.Setting{
		{ID: http2.SettingMaxFrameSize, Val: c.cfg.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: c.cfg.MaxHeaderListSize},
		{ID: http2.SettingInitialWindowSize, Val: c.cfg.InitialWindowSize},
	}
	if c.cfg.MaxConcurrentStreams != 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: c.cfg.MaxConcurrentStreams})
	}
	if c.cfg.HeaderTableSize != consts.DefaultHeaderTableSize {
		settings = append(settings, http2.Setting{ID: http2.SettingHeaderTableSize, Val: c.cfg.HeaderTableSize})
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return fmt.Errorf("write settings frame: %w", err)
	}
	if err := c.framer.WriteWindowUpdate(0, consts.ConnWindowBoost); err != nil {
		return fmt.Errorf("write window update frame: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}
	return c.conn.SetDeadline(time.Time{})
}

func (c *ServerConn) readLoop(ctx context.Context) error {
	first := true
	for {
		f, err := c.framer.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var se http2.StreamError
			if errors.As(err, &se) {
				c.resetStream(se.StreamID, se.Code)
				continue
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				c.goAway(http2.ErrCode(ce), nil)
				return fmt.Errorf("read frame: %w", err)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if first {
			first = false
			if sf, ok := f.(*http2.SettingsFrame); !ok || sf.IsAck() {
				c.goAway(http2.ErrCodeProtocol, []byte("expected settings"))
				return errors.New("protocol error: first frame from client is not settings")
			}
		}

		if err := c.process(f); err != nil {
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				c.goAway(http2.ErrCode(ce), nil)
			}
			return err
		}
	}
}

func (c *ServerConn) process(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return c.onSettings(f)
	case *http2.MetaHeadersFrame:
		return c.onHeaders(f)
	case *http2.DataFrame:
		return c.onData(f)
	case *http2.WindowUpdateFrame:
		return c.onWindowUpdate(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			data := f.Data
			c.sender.Control(func(fr *http2.Framer, _ *hpackwrapper.Wrapper) error {
				return fr.WritePing(true, data)
			})
		}
	case *http2.RSTStreamFrame:
		if st, ok := c.streams.Get(f.StreamID); ok {
			st.abort(RSTStreamError{Code: f.ErrCode})
		}
	case *http2.GoAwayFrame:
		return c.onGoAway(f)
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

func (c *ServerConn) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	var (
		tableSize    uint32
		hasTableSize bool
		logFields    []zap.Field
	)
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		logFields = append(logFields, zap.Uint32("setting_"+s.ID.String(), s.Val))
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - int64(c.peerInitialWindowSize)
			c.peerInitialWindowSize = s.Val
			overflow := false
			c.streams.Each(func(st *stream) {
				if !st.fc.Add(delta) {
					overflow = true
				}
			})
			if overflow {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
		case http2.SettingMaxFrameSize:
			c.peerMaxFrameSize.Store(s.Val)
		case http2.SettingHeaderTableSize:
			tableSize, hasTableSize = s.Val, true
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Debug("got settings", logFields...)

	c.sender.Control(func(fr *http2.Framer, enc *hpackwrapper.Wrapper) error {
		if hasTableSize {
			enc.SetMaxDynamicTableSizeLimit(tableSize)
		}
		return fr.WriteSettingsAck()
	})
	return nil
}

func (c *ServerConn) onHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if st, ok := c.streams.Get(id); ok {
		// trailers
		if !f.StreamEnded() || st.remoteClosed.Load() {
			c.resetStream(id, http2.ErrCodeProtocol)
			return nil
		}
		st.remoteEnd(part.Fields(cloneFields(f.RegularFields())))
		return nil
	}
	if id%2 == 0 {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}

	c.mu.Lock()
	switch {
	case id <= c.lastStreamID:
		c.mu.Unlock()
		c.resetStream(id, http2.ErrCodeStreamClosed)
		return nil
	case c.goingAway:
		c.mu.Unlock()
		return nil
	}
	c.lastStreamID = id
	acquired := c.limiter.TryAcquire()
	c.mu.Unlock()

	if !acquired {
		c.log.Debug("stream refused", zap.Uint32("stream_id", id))
		c.resetStream(id, http2.ErrCodeRefusedStream)
		return nil
	}
	head, err := requestHead(f)
	if err != nil {
		c.limiter.Release()
		c.log.Debug("bad request head", zap.Uint32("stream_id", id), zap.Error(err))
		c.resetStream(id, http2.ErrCodeProtocol)
		return nil
	}

	st := newStream(c, id)
	c.streams.Set(id, st)
	st.in.Push(part.NewHead(head))
	if f.StreamEnded() {
		st.remoteEnd(nil)
	}
	go c.runStream(st)
	return nil
}

func (c *ServerConn) runStream(st *stream) {
	defer c.limiter.Release()
	defer st.cancel()

	err := c.srv.Serve(st.ctx, st)
	c.streams.Delete(st.id)
	st.fc.Disable()
	if err != nil {
		c.log.Warn("stream failed", zap.Uint32("stream_id", st.id), zap.Error(err))
	}

	switch {
	case st.reset.Load():
	case !st.ended.Load():
		code := http2.ErrCodeInternal
		if st.ctx.Err() != nil {
			code = http2.ErrCodeCancel
		}
		c.writeRSTStream(st.id, code)
	case !st.remoteClosed.Load():
		// the response is complete, the request body is not needed
		c.writeRSTStream(st.id, http2.ErrCodeNo)
	}
}

func (c *ServerConn) onData(f *http2.DataFrame) error {
	c.received(f.Header().Length)

	st, ok := c.streams.Get(f.StreamID)
	if !ok {
		c.mu.Lock()
		idle := f.StreamID > c.lastStreamID
		c.mu.Unlock()
		if idle {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		// late frame of a finished stream
		return nil
	}
	if st.remoteClosed.Load() {
		c.resetStream(f.StreamID, http2.ErrCodeStreamClosed)
		return nil
	}

	length := int64(f.Header().Length)
	if st.recvWindow.Add(-length) < 0 {
		c.resetStream(f.StreamID, http2.ErrCodeFlowControl)
		return nil
	}
	data := f.Data()
	if pad := length - int64(len(data)); pad > 0 {
		st.consumed(pad)
	}
	if len(data) > 0 {
		// the framer reuses its read buffer
		st.in.Push(part.NewBody(bytes.Clone(data)))
	}
	if f.StreamEnded() {
		st.remoteEnd(nil)
	}
	return nil
}

// received replenishes the connection receive window as soon as data arrives,
// streams hold back their own windows until the handler consumes the body.
func (c *ServerConn) received(n uint32) {
	if n == 0 {
		return
	}
	c.connUnacked += n
	if c.connUnacked < consts.WindowUpdateMinValue {
		return
	}
	inc := c.connUnacked
	c.connUnacked = 0
	c.sender.Control(func(fr *http2.Framer, _ *hpackwrapper.Wrapper) error {
		return fr.WriteWindowUpdate(0, inc)
	})
}

func (c *ServerConn) onWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		if !c.fcConn.Add(int64(f.Increment)) {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		return nil
	}
	st, ok := c.streams.Get(f.StreamID)
	if !ok {
		return nil
	}
	if !st.fc.Add(int64(f.Increment)) {
		c.resetStream(f.StreamID, http2.ErrCodeFlowControl)
	}
	return nil
}

func (c *ServerConn) onGoAway(f *http2.GoAwayFrame) error {
	c.log.Info(
		"got goaway",
		zap.Uint32("last_stream_id", f.LastStreamID),
		zap.Stringer("code", f.ErrCode),
		zap.ByteString("debug_data", f.DebugData()),
	)
	if f.ErrCode != http2.ErrCodeNo {
		return GoAwayError{
			Code:         f.ErrCode,
			LastStreamID: f.LastStreamID,
			DebugData:    bytes.Clone(f.DebugData()),
		}
	}
	return nil
}

// resetStream aborts a stream on a stream error and tells the peer.
func (c *ServerConn) resetStream(id uint32, code http2.ErrCode) {
	if st, ok := c.streams.Get(id); ok {
		st.abort(http2.StreamError{StreamID: id, Code: code})
	}
	c.writeRSTStream(id, code)
}

func (c *ServerConn) writeRSTStream(id uint32, code http2.ErrCode) {
	c.sender.Control(func(fr *http2.Framer, _ *hpackwrapper.Wrapper) error {
		return fr.WriteRSTStream(id, code)
	})
}

// goAway stops accepting streams and announces the last accepted one.
func (c *ServerConn) goAway(code http2.ErrCode, debugData []byte) {
	c.mu.Lock()
	c.goingAway = true
	last := c.lastStreamID
	c.mu.Unlock()

	c.log.Debug("sending goaway", zap.Uint32("last_stream_id", last), zap.Stringer("code", code))
	c.sender.Control(func(fr *http2.Framer, _ *hpackwrapper.Wrapper) error {
		return fr.WriteGoAway(last, code, debugData)
	})
}

func requestHead(f *http2.MetaHeadersFrame) (part.Head, error) {
	if f.Truncated {
		return part.Head{}, errors.New("header list too large")
	}
	method := f.PseudoValue("method")
	path := f.PseudoValue("path")
	if method == "" || (path == "" && method != "CONNECT") {
		return part.Head{}, errors.New("missing :method or :path")
	}

	fields := part.Fields(cloneFields(f.RegularFields()))
	authority := f.PseudoValue("authority")
	if authority == "" {
		authority = fields.Get("host")
	}
	return part.Head{
		Method:    method,
		Scheme:    f.PseudoValue("scheme"),
		Authority: authority,
		Target:    path,
		Version:   "HTTP/2.0",
		Fields:    fields,
	}, nil
}

func cloneFields(fields []hpack.HeaderField) []hpack.HeaderField {
	if len(fields) == 0 {
		return nil
	}
	return append([]hpack.HeaderField(nil), fields...)
}
