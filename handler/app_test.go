package handler_test

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ozontech/duplex/handler"
	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/transport/inmem"
)

type response struct {
	status   int
	fields   part.Fields
	body     string
	trailers part.Fields
}

func do(t *testing.T, h pipeline.Handler, head part.Head, body ...string) response {
	t.Helper()

	parts := []part.Part{part.NewHead(head)}
	for _, b := range body {
		parts = append(parts, part.NewBody([]byte(b)))
	}
	parts = append(parts, part.NewEnd(nil))
	ch := inmem.NewChannel(t.Name(), parts...)

	log := zaptest.NewLogger(t)
	require.NoError(t, pipeline.New(h, pipeline.WithLogger(log)).Serve(context.Background(), ch))

	var resp response
	var sb strings.Builder
	for _, p := range ch.Written() {
		switch {
		case p.IsHead():
			resp.status = p.Head.Status
			resp.fields = p.Head.Fields
		case p.IsBody():
			sb.Write(p.Data)
		case p.IsEnd():
			resp.trailers = p.Trailers
		}
	}
	resp.body = sb.String()
	return resp
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	app := handler.NewApp(zaptest.NewLogger(t))

	for _, tc := range []struct {
		method, target, body string
		status               int
		want                 string
	}{
		{"GET", "/", "", 200, "This is a test"},
		{"GET", "/hello", "", 200, "Hello"},
		{"GET", "/hello2?name=J%C3%B6rg", "", 200, "Hello Jörg"},
		{"GET", "/hello2", "", 400, `You need a "name" query parameter.`},
		{"GET", "/user?name=Ann", "", 200, `{"name":"Ann","age":42}`},
		{"GET", "/user", "", 200, `{"name":"Unknown","age":42}`},
		{"PUT", "/user", `{"name":"Ann","age":41,"extra":[1,2]}`, 200, `{"name":"Ann","age":42}`},
		{"PUT", "/user-future", `{"name":"Bob","age":1}`, 200, `{"name":"Bob","age":2}`},
		{"PUT", "/user", `{"name":"Ann"}`, 400, "user: age is required"},
		{"PUT", "/user/name", `{"name":"Ann","age":3}`, 200, "Hello Ann"},
		{"GET", "/user/7", "", 200, "User id: 7"},
		{"GET", "/user/seven", "", 200, "User id: 0"},
		{"GET", "/string", "", 200, "Hello"},
		{"GET", "/test", "", 200, "GoodBye\ntest\n"},
		{"GET", "/missing", "", 404, "not found"},
		{"POST", "/hello", "", 405, "method not allowed"},
	} {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			a := assert.New(t)
			var body []string
			if tc.body != "" {
				body = append(body, tc.body)
			}
			resp := do(t, app, part.Head{Method: tc.method, Target: tc.target, Version: "HTTP/1.1"}, body...)
			a.Equal(tc.status, resp.status)
			if tc.status == 400 {
				a.Contains(resp.body, tc.want)
				return
			}
			a.Equal(tc.want, resp.body)
		})
	}
}

func TestJSONContentType(t *testing.T) {
	t.Parallel()
	resp := do(t, handler.NewApp(zaptest.NewLogger(t)), part.Head{Method: "GET", Target: "/user"})
	assert.Equal(t, "application/json", resp.fields.Get("content-type"))
}

func TestEcho(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var tr part.Fields
	tr.Add("x-checksum", "abc")
	ch := inmem.NewChannel(t.Name(),
		part.NewHead(part.Head{Method: "POST", Target: "/echo", Fields: part.Fields{{Name: "content-type", Value: "text/plain"}}}),
		part.NewBody([]byte("hello ")),
		part.NewBody([]byte("world")),
		part.NewEnd(tr),
	)
	app := handler.NewApp(zaptest.NewLogger(t))
	require.NoError(t, pipeline.New(app).Serve(context.Background(), ch))

	written := ch.Written()
	require.Len(t, written, 4)
	a.Equal(200, written[0].Head.Status)
	a.Equal("text/plain", written[0].Head.Fields.Get("content-type"))
	a.Equal("hello ", string(written[1].Data))
	a.Equal("world", string(written[2].Data))
	a.Equal("abc", written[3].Trailers.Get("x-checksum"))
}

func grpcFrame(flag byte, msg []byte) string {
	b := []byte{flag, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(b[1:], uint32(len(msg)))
	return string(append(b, msg...))
}

func ping(s string) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func TestPing(t *testing.T) {
	t.Parallel()
	app := handler.NewApp(zaptest.NewLogger(t))
	grpc := part.Fields{{Name: "content-type", Value: "application/grpc+proto"}}
	head := part.Head{Method: "POST", Target: "/duplex.Echo/Ping", Version: "HTTP/2.0", Fields: grpc}

	t.Run("echo", func(t *testing.T) {
		a := assert.New(t)
		unknown := protowire.AppendTag(nil, 7, protowire.VarintType)
		unknown = protowire.AppendVarint(unknown, 99)

		// the second message arrives split in two chunks
		second := grpcFrame(0, append(unknown, ping("two")...))
		resp := do(t, app, head, grpcFrame(0, ping("one")), second[:3], second[3:])

		a.Equal(200, resp.status)
		a.Equal("application/grpc", resp.fields.Get("content-type"))
		a.Equal(grpcFrame(0, ping("one"))+grpcFrame(0, ping("two")), resp.body)
		a.Equal("0", resp.trailers.Get("grpc-status"))
	})

	t.Run("compressed", func(t *testing.T) {
		a := assert.New(t)
		resp := do(t, app, head, grpcFrame(1, ping("one")))
		a.Equal(200, resp.status)
		a.Empty(resp.body)
		a.Equal("12", resp.trailers.Get("grpc-status"))
	})

	t.Run("truncated", func(t *testing.T) {
		a := assert.New(t)
		resp := do(t, app, head, grpcFrame(0, ping("one"))[:7])
		a.Equal("3", resp.trailers.Get("grpc-status"))
		a.Contains(resp.trailers.Get("grpc-message"), "truncated")
	})

	t.Run("stream failure", func(t *testing.T) {
		a := assert.New(t)
		errReset := errors.New("stream reset")
		ch := inmem.NewOpenChannel(t.Name())
		ch.Push(part.NewHead(head))
		ch.Push(part.NewBody([]byte(grpcFrame(0, ping("one"))[:7])))
		ch.OnWrite(func(_ context.Context, p part.Part) error {
			if p.IsHead() {
				ch.Fail(errReset)
			}
			return nil
		})

		a.NoError(pipeline.New(app, pipeline.WithLogger(zaptest.NewLogger(t))).Serve(context.Background(), ch))
		written := ch.Written()
		if a.Len(written, 1) {
			a.True(written[0].IsHead())
		}
	})

	t.Run("malformed", func(t *testing.T) {
		a := assert.New(t)
		resp := do(t, app, head, grpcFrame(0, []byte{0x0a, 0x05, 'a'}))
		a.Equal("3", resp.trailers.Get("grpc-status"))
	})

	t.Run("not grpc", func(t *testing.T) {
		a := assert.New(t)
		resp := do(t, app, part.Head{Method: "POST", Target: "/duplex.Echo/Ping"}, "x")
		a.Equal(415, resp.status)
	})
}
