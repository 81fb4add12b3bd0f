// Package handler is a small routing layer over pipeline exchanges and the
// demo application served by duplexd.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
)

// Writer is the response side of an exchange. *pipeline.ResponseWriter
// implements it, middlewares wrap it.
type Writer interface {
	WriteHead(ctx context.Context, head part.Head) error
	Write(ctx context.Context, b []byte) error
	End(ctx context.Context, trailers part.Fields) error
	Committed() bool
}

type Exchange struct {
	Req    *pipeline.Request
	W      Writer
	Ch     pipeline.Channel
	Params map[string]string
	Log    *zap.Logger

	query url.Values
}

// Query returns the decoded query values of the request target.
func (ex *Exchange) Query() url.Values {
	if ex.query == nil {
		ex.query, _ = url.ParseQuery(ex.Req.Head.Query())
		if ex.query == nil {
			ex.query = url.Values{}
		}
	}
	return ex.query
}

// Reply writes a complete response with a single body chunk.
func (ex *Exchange) Reply(ctx context.Context, status int, contentType string, body []byte) error {
	var f part.Fields
	if contentType != "" {
		f.Add("content-type", contentType)
	}
	if err := ex.W.WriteHead(ctx, part.Head{Status: status, Fields: f}); err != nil {
		return err
	}
	if len(body) != 0 {
		if err := ex.W.Write(ctx, body); err != nil {
			return err
		}
	}
	return ex.W.End(ctx, nil)
}

func (ex *Exchange) Text(ctx context.Context, status int, s string) error {
	return ex.Reply(ctx, status, "text/plain; charset=utf-8", []byte(s))
}

type Func func(ctx context.Context, ex *Exchange) error

type Middleware func(Func) Func

// HTTPError is turned into a response with Status when nothing was written yet.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Message)
}

func Errorf(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...)}
}

type route struct {
	method   string
	segments []string
	fn       Func
}

func (r *route) match(path []string) (map[string]string, bool) {
	if len(path) != len(r.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range r.segments {
		if name, ok := param(seg); ok {
			if path[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[name] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}

func param(seg string) (string, bool) {
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

func split(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Router dispatches exchanges by method and path. Pattern segments written
// as {name} match any non-empty segment and are exposed in Exchange.Params.
type Router struct {
	log    *zap.Logger
	routes []route
	mw     []Middleware
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{log: log.Named("router")}
}

// Use adds middlewares applied to every exchange, unmatched ones included.
func (r *Router) Use(mw ...Middleware) {
	r.mw = append(r.mw, mw...)
}

// Handle registers fn. Routes are matched in registration order.
func (r *Router) Handle(method, pattern string, fn Func, mw ...Middleware) {
	r.routes = append(r.routes, route{
		method:   method,
		segments: split(pattern),
		fn:       chain(fn, mw),
	})
}

func (r *Router) Get(pattern string, fn Func, mw ...Middleware) {
	r.Handle("GET", pattern, fn, mw...)
}

func (r *Router) Put(pattern string, fn Func, mw ...Middleware) {
	r.Handle("PUT", pattern, fn, mw...)
}

func (r *Router) Post(pattern string, fn Func, mw ...Middleware) {
	r.Handle("POST", pattern, fn, mw...)
}

func (r *Router) ServeExchange(ctx context.Context, req *pipeline.Request, w *pipeline.ResponseWriter, ch pipeline.Channel) error {
	ex := &Exchange{Req: req, W: w, Ch: ch, Log: r.log}
	err := chain(r.dispatch, r.mw)(ctx, ex)

	var herr *HTTPError
	if errors.As(err, &herr) && !ex.W.Committed() {
		return ex.Text(ctx, herr.Status, herr.Message)
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, ex *Exchange) error {
	method := ex.Req.Method()
	path := split(ex.Req.Path())

	allowed := false
	for i := range r.routes {
		rt := &r.routes[i]
		params, ok := rt.match(path)
		if !ok {
			continue
		}
		if rt.method != method && !(method == "HEAD" && rt.method == "GET") {
			allowed = true
			continue
		}
		ex.Params = params
		return rt.fn(ctx, ex)
	}
	if allowed {
		return &HTTPError{Status: 405, Message: "method not allowed"}
	}
	return &HTTPError{Status: 404, Message: "not found"}
}

func chain(fn Func, mw []Middleware) Func {
	for i := len(mw) - 1; i >= 0; i-- {
		fn = mw[i](fn)
	}
	return fn
}
