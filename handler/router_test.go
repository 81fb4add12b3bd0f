package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ozontech/duplex/handler"
	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/transport/inmem"
)

func TestParamsAndOrder(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r := handler.NewRouter(zap.NewNop())
	r.Get("/a/me", func(ctx context.Context, ex *handler.Exchange) error {
		return ex.Text(ctx, 200, "me")
	})
	r.Get("/a/{x}/b/{y}", func(ctx context.Context, ex *handler.Exchange) error {
		return ex.Text(ctx, 200, ex.Params["x"]+"-"+ex.Params["y"])
	})
	r.Get("/a/{x}", func(ctx context.Context, ex *handler.Exchange) error {
		return ex.Text(ctx, 200, "x="+ex.Params["x"])
	})

	a.Equal("me", do(t, r, part.Head{Method: "GET", Target: "/a/me"}).body)
	a.Equal("x=you", do(t, r, part.Head{Method: "GET", Target: "/a/you?q=1"}).body)
	a.Equal("1-2", do(t, r, part.Head{Method: "GET", Target: "/a/1/b/2"}).body)
	a.Equal(404, do(t, r, part.Head{Method: "GET", Target: "/a//b/2"}).status)

	head := do(t, r, part.Head{Method: "HEAD", Target: "/a/me"})
	a.Equal(200, head.status)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	core, logs := observer.New(zapcore.DebugLevel)
	r := handler.NewRouter(zap.New(core))
	r.Use(handler.Recover, handler.Debug)
	r.Get("/panic", func(context.Context, *handler.Exchange) error {
		panic("oops")
	})

	resp := do(t, r, part.Head{Method: "GET", Target: "/panic"})
	a.Equal(500, resp.status)
	a.Equal("internal server error", resp.body)
	a.NotContains(resp.body, "oops")

	a.Equal(1, logs.FilterMessage("GET: /panic").Len())
	panics := logs.FilterMessage("handler panicked").All()
	if a.Len(panics, 1) {
		a.Equal(zapcore.ErrorLevel, panics[0].Level)
		a.Equal("oops", panics[0].ContextMap()["panic"])
		a.Contains(panics[0].ContextMap()["stack"], "TestRecover")
	}
}

func TestErrorAfterCommit(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	boom := errors.New("boom")
	r := handler.NewRouter(zap.NewNop())
	r.Get("/half", func(ctx context.Context, ex *handler.Exchange) error {
		if err := ex.W.WriteHead(ctx, part.Head{Status: 200}); err != nil {
			return err
		}
		return handler.Errorf(503, "too late")
	})
	r.Get("/fail", func(context.Context, *handler.Exchange) error {
		return boom
	})

	ch := inmem.NewChannel(t.Name(), part.NewHead(part.Head{Method: "GET", Target: "/half"}), part.NewEnd(nil))
	err := pipeline.New(r).Serve(context.Background(), ch)
	a.ErrorContains(err, "too late")
	a.Len(ch.Written(), 1)

	ch = inmem.NewChannel(t.Name(), part.NewHead(part.Head{Method: "GET", Target: "/fail"}), part.NewEnd(nil))
	a.ErrorIs(pipeline.New(r).Serve(context.Background(), ch), boom)
	a.Empty(ch.Written())
}
