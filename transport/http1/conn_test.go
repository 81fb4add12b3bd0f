package http1_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/transport/http1"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echo answers with the request path followed by the request body.
var echo = pipeline.HandlerFunc(func(ctx context.Context, req *pipeline.Request, w *pipeline.ResponseWriter, _ pipeline.Channel) error {
	b, err := io.ReadAll(req.Body())
	if err != nil {
		return err
	}
	if err := w.WriteHead(ctx, part.Head{Status: 200}); err != nil {
		return err
	}
	if err := w.Write(ctx, []byte(req.Path())); err != nil {
		return err
	}
	if err := w.Write(ctx, b); err != nil {
		return err
	}
	return w.End(ctx, nil)
})

type served struct {
	client net.Conn
	br     *bufio.Reader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func serve(t *testing.T, h pipeline.Handler) *served {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := &served{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		conn, err := l.Accept()
		l.Close()
		if err != nil {
			s.err = err
			return
		}
		c := http1.NewConn(conn, nil, http1.DefaultConfig(), log)
		s.err = pipeline.New(h, pipeline.WithLogger(log)).Serve(ctx, c)
		c.Close()
	}()

	s.client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	s.br = bufio.NewReader(s.client)
	t.Cleanup(func() {
		cancel()
		s.client.Close()
		<-s.done
	})
	return s
}

func (s *served) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-s.done:
		return s.err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish")
		return nil
	}
}

func (s *served) readResponse(t *testing.T, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(s.br, &http.Request{Method: method})
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := serve(t, echo)

	_, err := io.WriteString(s.client,
		"GET /a HTTP/1.1\r\nHost: test\r\n\r\n"+
			"GET /b HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	a.NoError(err)

	resp, b := s.readResponse(t, "GET")
	a.Equal(200, resp.StatusCode)
	a.Equal([]string{"chunked"}, resp.TransferEncoding)
	a.False(resp.Close)
	a.Equal("/a", b)

	resp, b = s.readResponse(t, "GET")
	a.True(resp.Close)
	a.Equal("/b", b)

	a.NoError(s.wait(t))
	_, err = s.br.ReadByte()
	a.ErrorIs(err, io.EOF)
}

func TestChunkedRequestBody(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := serve(t, echo)

	_, err := io.WriteString(s.client,
		"POST /echo HTTP/1.1\r\nHost: test\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	a.NoError(err)

	resp, b := s.readResponse(t, "POST")
	a.Equal(200, resp.StatusCode)
	a.Equal("/echohello world", b)
}

func TestUnreadBodyIsDrained(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var targets []string
	h := pipeline.HandlerFunc(func(ctx context.Context, req *pipeline.Request, w *pipeline.ResponseWriter, _ pipeline.Channel) error {
		targets = append(targets, req.Target())
		var f part.Fields
		f.Add("content-length", "0")
		if err := w.WriteHead(ctx, part.Head{Status: 202, Fields: f}); err != nil {
			return err
		}
		return w.End(ctx, nil)
	})
	s := serve(t, h)

	_, err := io.WriteString(s.client,
		"POST /upload HTTP/1.1\r\nHost: test\r\nContent-Length: 11\r\n\r\nhello world"+
			"GET /next HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	a.NoError(err)

	resp, _ := s.readResponse(t, "POST")
	a.Equal(202, resp.StatusCode)
	a.Equal(int64(0), resp.ContentLength)
	resp, _ = s.readResponse(t, "GET")
	a.Equal(202, resp.StatusCode)

	a.NoError(s.wait(t))
	a.Equal([]string{"/upload", "/next"}, targets)
}

func TestHeadRequestHasNoBody(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := serve(t, echo)

	_, err := io.WriteString(s.client,
		"HEAD /a HTTP/1.1\r\nHost: test\r\n\r\n"+
			"GET /b HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	a.NoError(err)

	resp, b := s.readResponse(t, "HEAD")
	a.Equal(200, resp.StatusCode)
	a.Empty(b)

	_, b = s.readResponse(t, "GET")
	a.Equal("/b", b)
	a.NoError(s.wait(t))
}

func TestHTTP10IsCloseDelimited(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := serve(t, echo)

	_, err := io.WriteString(s.client, "GET /old HTTP/1.0\r\n\r\n")
	a.NoError(err)

	resp, b := s.readResponse(t, "GET")
	a.True(resp.Close)
	a.Equal("/old", b)
	a.NoError(s.wait(t))
}

func TestExpectContinue(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := serve(t, echo)

	_, err := io.WriteString(s.client,
		"PUT /put HTTP/1.1\r\nHost: test\r\nContent-Length: 4\r\nExpect: 100-continue\r\nConnection: close\r\n\r\n")
	a.NoError(err)

	line, err := s.br.ReadString('\n')
	a.NoError(err)
	a.Equal("HTTP/1.1 100 Continue\r\n", line)
	line, err = s.br.ReadString('\n')
	a.NoError(err)
	a.Equal("\r\n", line)

	_, err = io.WriteString(s.client, "body")
	a.NoError(err)

	_, b := s.readResponse(t, "PUT")
	a.Equal("/putbody", b)
	a.NoError(s.wait(t))
}

func TestTrailers(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	h := pipeline.HandlerFunc(func(ctx context.Context, req *pipeline.Request, w *pipeline.ResponseWriter, _ pipeline.Channel) error {
		if _, err := io.Copy(io.Discard, req.Body()); err != nil {
			return err
		}
		var f part.Fields
		f.Add("trailer", "x-echo")
		if err := w.WriteHead(ctx, part.Head{Status: 200, Fields: f}); err != nil {
			return err
		}
		var tr part.Fields
		tr.Add("x-echo", req.Body().Trailers().Get("x-sum"))
		return w.End(ctx, tr)
	})
	s := serve(t, h)

	_, err := io.WriteString(s.client,
		"POST /t HTTP/1.1\r\nHost: test\r\nTransfer-Encoding: chunked\r\nTrailer: X-Sum\r\nConnection: close\r\n\r\n"+
			"3\r\nabc\r\n0\r\nX-Sum: 42\r\n\r\n")
	a.NoError(err)

	resp, _ := s.readResponse(t, "POST")
	a.Equal("42", resp.Trailer.Get("X-Echo"))
	a.NoError(s.wait(t))
}

func TestCancelIdleConnection(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := serve(t, echo)

	_, err := io.WriteString(s.client, "GET /a HTTP/1.1\r\nHost: test\r\n\r\n")
	a.NoError(err)
	_, b := s.readResponse(t, "GET")
	a.Equal("/a", b)

	s.cancel()
	a.NoError(s.wait(t))
}

func TestMalformedRequest(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := serve(t, echo)

	_, err := io.WriteString(s.client, "this is not http\r\n\r\n")
	a.NoError(err)

	// transport failures end the stream without an error
	a.NoError(s.wait(t))
	rest, _ := io.ReadAll(s.br)
	a.False(strings.HasPrefix(string(rest), "HTTP/1.1"))
}

func TestUnfinishedResponseClosesConnection(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	silent := pipeline.HandlerFunc(func(context.Context, *pipeline.Request, *pipeline.ResponseWriter, pipeline.Channel) error {
		return nil
	})
	s := serve(t, silent)

	_, err := io.WriteString(s.client, "GET /silent HTTP/1.1\r\nHost: test\r\n\r\n")
	a.NoError(err)

	// the connection ends instead of waiting for the next request
	a.NoError(s.wait(t))
	_, err = s.br.ReadByte()
	a.ErrorIs(err, io.EOF)
}
