package http1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/ozontech/duplex/consts"
	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/utils/lru"
	"github.com/ozontech/duplex/utils/pool"
)

type Config struct {
	IdleTimeout  time.Duration // waiting for the next request head
	ReadTimeout  time.Duration // reading one head or body chunk
	WriteTimeout time.Duration // writing one response part
	ChunkSize    int
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:  consts.DefaultIdleTimeout,
		ReadTimeout:  consts.DefaultTimeout,
		WriteTimeout: consts.DefaultTimeout,
		ChunkSize:    consts.DefaultChunkSize,
	}
}

var writers = pool.New(1024, func() *bufio.Writer { return bufio.NewWriterSize(nil, 4096) })

// Conn is an HTTP/1.x keep-alive connection seen as one stream of parts.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	cfg  Config
	log  *zap.Logger

	req        *http.Request
	readClosed atomic.Bool
	eof        atomic.Bool
	idle       atomic.Bool
	draining   atomic.Bool

	// fixed while the handler runs
	reqMethod     string
	reqHTTP10     bool
	reqClose      bool
	needsContinue atomic.Bool

	wmu      sync.Mutex
	bw       *bufio.Writer
	closed   bool
	pending  bool // a request head was read and its response is not ended
	headSent bool
	bodyless bool
	cw       io.WriteCloser
	closeRes bool
}

// NewConn wraps conn. br may already hold bytes read from conn.
func NewConn(conn net.Conn, br *bufio.Reader, cfg Config, log *zap.Logger) *Conn {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = consts.DefaultChunkSize
	}
	bw := writers.Get()
	bw.Reset(conn)
	return &Conn{
		conn: conn,
		br:   br,
		bw:   bw,
		cfg:  cfg,
		log:  log.Named("http1"),
	}
}

func (c *Conn) String() string { return "http1:" + c.conn.RemoteAddr().String() }

func (c *Conn) Next(ctx context.Context) (part.Part, error) {
	if err := ctx.Err(); err != nil {
		return part.Part{}, err
	}
	if c.readClosed.Load() || c.eof.Load() {
		return part.Part{}, io.EOF
	}
	if c.req == nil {
		return c.readHead()
	}
	return c.readBody()
}

func (c *Conn) readHead() (part.Part, error) {
	if c.responsePending() {
		// an unanswered request would shift every later response
		return part.Part{}, io.EOF
	}
	if err := c.setReadDeadline(c.cfg.IdleTimeout); err != nil {
		return part.Part{}, err
	}
	c.idle.Store(true)
	if c.draining.Load() {
		return part.Part{}, io.EOF
	}
	_, err := c.br.Peek(1)
	c.idle.Store(false)
	if err != nil {
		if errors.Is(err, io.EOF) || c.readClosed.Load() || c.draining.Load() {
			return part.Part{}, io.EOF
		}
		return part.Part{}, fmt.Errorf("waiting request: %w", err)
	}

	if err := c.setReadDeadline(c.cfg.ReadTimeout); err != nil {
		return part.Part{}, err
	}
	req, err := http.ReadRequest(c.br)
	if err != nil {
		return part.Part{}, fmt.Errorf("read request head: %w", err)
	}
	c.req = req
	c.wmu.Lock()
	c.pending = true
	c.wmu.Unlock()
	c.reqMethod = req.Method
	c.reqHTTP10 = !req.ProtoAtLeast(1, 1)
	c.reqClose = req.Close
	c.needsContinue.Store(req.ProtoAtLeast(1, 1) &&
		httpguts.HeaderValuesContainsToken(req.Header["Expect"], "100-continue"))

	head := part.Head{
		Method:    req.Method,
		Scheme:    "http",
		Authority: req.Host,
		Target:    req.RequestURI,
		Version:   req.Proto,
		Fields:    fieldsOf(req.Header),
	}
	if req.Host != "" {
		head.Fields.Add("host", req.Host)
	}
	for _, te := range req.TransferEncoding {
		head.Fields.Add("transfer-encoding", te)
	}
	return part.NewHead(head), nil
}

func (c *Conn) readBody() (part.Part, error) {
	if c.needsContinue.CompareAndSwap(true, false) {
		if err := c.writeContinue(); err != nil {
			return part.Part{}, err
		}
	}

	buf := make([]byte, c.cfg.ChunkSize)
	for {
		if err := c.setReadDeadline(c.cfg.ReadTimeout); err != nil {
			return part.Part{}, err
		}
		n, err := c.req.Body.Read(buf)
		if n > 0 {
			return part.NewBody(buf[:n]), nil
		}
		if errors.Is(err, io.EOF) {
			trailers := fieldsOf(c.req.Trailer)
			c.req = nil
			return part.NewEnd(trailers), nil
		}
		if err != nil {
			return part.Part{}, fmt.Errorf("read request body: %w", err)
		}
	}
}

func (c *Conn) writeContinue() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed || c.headSent {
		return nil
	}
	if _, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) Write(ctx context.Context, p part.Part) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return net.ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}

	var err error
	switch p.Kind {
	case part.KindHead:
		err = c.writeHead(p.Head)
	case part.KindBody:
		err = c.writeBody(p.Data)
	case part.KindEnd:
		err = c.writeEnd(p.Trailers)
	default:
		err = fmt.Errorf("unknown part kind %s", p.Kind)
	}
	if err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) writeHead(h *part.Head) error {
	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}

	fields := h.Fields.Clone()
	if status >= 100 && status < 200 {
		if status == http.StatusContinue {
			c.needsContinue.Store(false)
		}
		return c.writeStatus(status, fields)
	}
	c.needsContinue.Store(false)

	c.bodyless = c.reqMethod == http.MethodHead ||
		status == http.StatusNoContent || status == http.StatusNotModified
	c.closeRes = c.reqClose || c.draining.Load()
	chunked := false

	switch {
	case c.bodyless, fields.Has("content-length"):
	case c.reqHTTP10:
		c.closeRes = true
	default:
		fields.Del("transfer-encoding")
		fields.Add("transfer-encoding", "chunked")
		chunked = true
	}
	if c.closeRes && !h.ConnectionClose() {
		fields.Add("connection", "close")
	}
	if c.reqHTTP10 && !c.closeRes {
		fields.Add("connection", "keep-alive")
	}
	if err := c.writeStatus(status, fields); err != nil {
		return err
	}
	c.headSent = true
	if chunked {
		c.cw = httputil.NewChunkedWriter(c.bw)
	}
	return nil
}

func (c *Conn) writeStatus(status int, fields part.Fields) error {
	c.bw.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n")
	if err := c.writeFields(fields); err != nil {
		return err
	}
	_, err := c.bw.WriteString("\r\n")
	return err
}

func (c *Conn) writeFields(fields part.Fields) error {
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("invalid header field %q", f.Name)
		}
		c.bw.WriteString(textproto.CanonicalMIMEHeaderKey(f.Name))
		c.bw.WriteString(": ")
		c.bw.WriteString(f.Value)
		if _, err := c.bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeBody(b []byte) error {
	if c.bodyless || len(b) == 0 {
		return nil
	}
	if c.cw != nil {
		_, err := c.cw.Write(b)
		return err
	}
	_, err := c.bw.Write(b)
	return err
}

func (c *Conn) writeEnd(trailers part.Fields) error {
	if c.cw != nil {
		if err := c.cw.Close(); err != nil {
			return err
		}
		if err := c.writeFields(trailers); err != nil {
			return err
		}
		if _, err := c.bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	c.cw = nil
	c.pending = false
	c.headSent = false
	c.bodyless = false
	if c.closeRes {
		// the response is close-delimited or the client asked to close
		c.eof.Store(true)
	}
	return nil
}

func (c *Conn) responsePending() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.pending
}

// Shutdown stops keep-alive: the response in progress is the last one and
// an idle connection ends right away.
func (c *Conn) Shutdown() {
	c.draining.Store(true)
	if c.idle.Load() {
		c.conn.SetReadDeadline(time.Now()) //nolint:errcheck // the reader sees the drain flag
	}
}

// CloseRead half-closes the read side. A blocked Next returns.
func (c *Conn) CloseRead() error {
	c.readClosed.Store(true)
	if cr, ok := c.conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return c.conn.SetReadDeadline(time.Now())
}

// Close flushes pending output and closes the connection.
func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	err := multierr.Append(c.bw.Flush(), c.conn.Close())
	c.bw.Reset(nil)
	writers.Put(c.bw)
	return err
}

func (c *Conn) setReadDeadline(d time.Duration) error {
	if c.readClosed.Load() {
		return io.EOF
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	return c.conn.SetReadDeadline(deadline)
}

// lowerNames interns the lower-cased form of canonical header names.
var lowerNames = lru.New[string](512)

func fieldsOf(h http.Header) part.Fields {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var fields part.Fields
	for _, name := range names {
		lower := lowerNames.GetOrAdd(name, strings.ToLower)
		for _, v := range h[name] {
			fields.Add(lower, v)
		}
	}
	return fields
}
