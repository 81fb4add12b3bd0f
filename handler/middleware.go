package handler

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/ozontech/duplex/part"
)

// Recover turns a panic into a 500 response and logs it with the stack.
// The panic value stays in the log, the client gets a generic message.
func Recover(next Func) Func {
	return func(ctx context.Context, ex *Exchange) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			buf := make([]byte, 64<<10)
			buf = buf[:runtime.Stack(buf, false)]
			ex.Log.Error("handler panicked",
				zap.Any("panic", r),
				zap.Stringer("request", ex.Req.Head),
				zap.ByteString("stack", buf),
			)
			err = &HTTPError{Status: 500, Message: "internal server error"}
		}()
		return next(ctx, ex)
	}
}

func Debug(next Func) Func {
	return func(ctx context.Context, ex *Exchange) error {
		ex.Log.Debug(ex.Req.Method()+": "+ex.Req.Target(), zap.Stringer("channel", ex.Ch))
		return next(ctx, ex)
	}
}

// Suffix appends s to every response body that carries one.
func Suffix(s string) Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, ex *Exchange) error {
			w := ex.W
			ex.W = &suffixWriter{Writer: w, suffix: []byte(s)}
			defer func() { ex.W = w }()
			return next(ctx, ex)
		}
	}
}

type suffixWriter struct {
	Writer
	suffix []byte
	body   bool
}

func (w *suffixWriter) Write(ctx context.Context, b []byte) error {
	w.body = true
	return w.Writer.Write(ctx, b)
}

func (w *suffixWriter) End(ctx context.Context, trailers part.Fields) error {
	if w.body {
		if err := w.Writer.Write(ctx, w.suffix); err != nil {
			return err
		}
	}
	return w.Writer.End(ctx, trailers)
}
