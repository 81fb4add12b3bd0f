package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/duplex/consts"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/transport/http1"
	h2 "github.com/ozontech/duplex/transport/http2"
)

type Config struct {
	IdleTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	ReadBufferSize int
	ChunkSize      int

	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:     consts.DefaultIdleTimeout,
		ReadTimeout:     consts.DefaultTimeout,
		WriteTimeout:    consts.DefaultTimeout,
		ShutdownTimeout: consts.DefaultShutdownTimeout,

		ReadBufferSize: 4096,
		ChunkSize:      consts.DefaultChunkSize,

		MaxConcurrentStreams: consts.DefaultMaxConcurrentStreams,
		InitialWindowSize:    consts.DefaultInitialWindowSize,
		MaxFrameSize:         consts.DefaultMaxFrameSize,
		MaxHeaderListSize:    consts.DefaultMaxHeaderListSize,
	}
}

func (c Config) HTTP1() http1.Config {
	return http1.Config{
		IdleTimeout:  c.IdleTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		ChunkSize:    c.ChunkSize,
	}
}

func (c Config) HTTP2() h2.Config {
	cfg := h2.DefaultConfig()
	cfg.MaxConcurrentStreams = c.MaxConcurrentStreams
	cfg.InitialWindowSize = c.InitialWindowSize
	cfg.MaxFrameSize = c.MaxFrameSize
	cfg.MaxHeaderListSize = c.MaxHeaderListSize
	cfg.HandshakeTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	return cfg
}

// Server accepts connections and runs a pipeline driver over every HTTP/1.x
// connection and every HTTP/2 stream.
type Server struct {
	cfg    Config
	driver *pipeline.Driver
	log    *zap.Logger

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

type Opt func(*options)

type options struct {
	log      *zap.Logger
	reporter pipeline.Reporter
}

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }

func WithReporter(r pipeline.Reporter) Opt { return func(o *options) { o.reporter = r } }

func New(handler pipeline.Handler, cfg Config, opts ...Opt) *Server {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	driverOpts := []pipeline.Opt{pipeline.WithLogger(o.log)}
	if o.reporter != nil {
		driverOpts = append(driverOpts, pipeline.WithReporter(o.reporter))
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	return &Server{
		cfg:    cfg,
		driver: pipeline.New(handler, driverOpts...),
		log:    o.log.Named("server"),
		conns:  make(map[*trackedConn]struct{}),
	}
}

// Serve accepts connections from l until ctx is cancelled. Then l is closed,
// connections finish their exchanges in progress, and the ones still open
// after ShutdownTimeout are closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) (err error) {
	log := s.log.With(zap.Stringer("addr", l.Addr()))
	log.Info("serving")

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stop := context.AfterFunc(ctx, func() {
		if err := l.Close(); err != nil {
			log.Debug("close listener", zap.Error(err))
		}
	})
	defer stop()

	g := new(errgroup.Group)
	var delay time.Duration
	for {
		conn, aerr := l.Accept()
		if aerr != nil {
			if ctx.Err() != nil {
				break
			}
			if temporary(aerr) {
				delay = backoff(delay)
				log.Warn("accept failed, retrying", zap.Error(aerr), zap.Duration("delay", delay))
				if sleep(ctx, delay) {
					continue
				}
				break
			}
			err = fmt.Errorf("accept: %w", aerr)
			err = multierr.Append(err, ignoreClosed(l.Close()))
			break
		}
		delay = 0
		cc, tc := s.track(conn)
		g.Go(func() error {
			defer s.untrack(tc)
			s.serveTracked(connCtx, cc, tc)
			return nil
		})
	}

	log.Info("shutting down", zap.Int("connections", s.activeConns()))
	return multierr.Append(err, s.shutdown(g, cancelConns))
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// temporary reports whether Accept may succeed later, e.g. once file
// descriptors are released.
func temporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ENOBUFS)
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(2*d, maxAcceptDelay)
}

// sleep waits for d and reports false if ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) shutdown(g *errgroup.Group, cancelConns context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		g.Wait() //nolint:errcheck // connection goroutines never fail
		close(done)
	}()

	s.each(func(c *trackedConn) { c.Shutdown() })

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	s.log.Warn("shutdown timeout, closing connections", zap.Int("connections", s.activeConns()))
	cancelConns()
	var err error
	s.each(func(c *trackedConn) {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	})
	<-done
	return err
}

func (s *Server) track(conn net.Conn) (*countingConn, *trackedConn) {
	cc := &countingConn{Conn: conn}
	tc := &trackedConn{raw: cc}
	s.mu.Lock()
	s.conns[tc] = struct{}{}
	s.mu.Unlock()
	return cc, tc
}

func (s *Server) untrack(tc *trackedConn) {
	s.mu.Lock()
	delete(s.conns, tc)
	s.mu.Unlock()
}

func (s *Server) serveTracked(ctx context.Context, cc *countingConn, tc *trackedConn) {
	log := s.log.With(zap.Stringer("remote", cc.RemoteAddr()))
	start := time.Now()
	err := s.serveConn(ctx, cc, tc)

	fields := []zap.Field{
		zap.Duration("duration", time.Since(start)),
		zap.String("read", humanize.Bytes(cc.read.Load())),
		zap.String("written", humanize.Bytes(cc.written.Load())),
	}
	if err != nil {
		log.Warn("connection failed", append(fields, zap.Error(err))...)
		return
	}
	log.Debug("connection closed", fields...)
}

// ServeConn serves a single connection until the peer leaves. Cancelling ctx
// cancels the exchanges in progress.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	return s.serveConn(ctx, conn, &trackedConn{raw: conn})
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, tc *trackedConn) error {
	br := bufio.NewReaderSize(conn, s.cfg.ReadBufferSize)
	isHTTP2, err := s.sniff(conn, br)
	if err != nil {
		cerr := ignoreClosed(conn.Close())
		// a peer that leaves or stays silent past IdleTimeout is not a failure
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) || tc.shuttingDown() {
			return cerr
		}
		return multierr.Append(fmt.Errorf("sniff protocol: %w", err), cerr)
	}

	if isHTTP2 {
		sc := h2.NewServerConn(conn, br, s.driver, s.cfg.HTTP2(), s.log)
		tc.set(sc)
		return ignoreClosed(sc.Serve(ctx))
	}

	hc := http1.NewConn(conn, br, s.cfg.HTTP1(), s.log)
	tc.set(hc)
	err = s.driver.Serve(ctx, hc)
	return multierr.Append(err, ignoreClosed(hc.Close()))
}

// sniff tells an HTTP/2 client preface from an HTTP/1 request line. Bytes are
// peeked one by one so a short HTTP/1 request never blocks it.
func (s *Server) sniff(conn net.Conn, br *bufio.Reader) (bool, error) {
	if s.cfg.IdleTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return false, err
		}
	}
	for i := 0; i < len(http2.ClientPreface); i++ {
		b, err := br.Peek(i + 1)
		if err != nil {
			return false, err
		}
		if b[i] != http2.ClientPreface[i] {
			return false, nil
		}
	}
	return true, nil
}

func (s *Server) activeConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) each(fn func(*trackedConn)) {
	s.mu.Lock()
	conns := make([]*trackedConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		fn(c)
	}
}

type protoConn interface {
	Shutdown()
	Close() error
}

// trackedConn lets the server shut a connection down before and after its
// protocol is known.
type trackedConn struct {
	mu       sync.Mutex
	raw      net.Conn
	conn     protoConn
	shutdown bool
}

func (t *trackedConn) set(c protoConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn = c
	if t.shutdown {
		c.Shutdown()
	}
}

func (t *trackedConn) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.shutdown = true
	if t.conn != nil {
		t.conn.Shutdown()
		return
	}
	// no request yet, wake the sniffer
	t.raw.SetReadDeadline(time.Now()) //nolint:errcheck // fails only on a closed conn
}

func (t *trackedConn) shuttingDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown
}

func (t *trackedConn) Close() error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return t.raw.Close()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	return err
}
