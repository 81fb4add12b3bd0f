// Package accesslog writes one log line per exchange.
package accesslog

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/utils/pool"
)

var now = time.Now

type Reporter struct {
	log  *zap.Logger
	pool *pool.Pool[*entry]
}

func New(log *zap.Logger) *Reporter {
	r := &Reporter{log: log.Named("access")}
	r.pool = pool.New(256, func() *entry { return &entry{r: r} })
	return r
}

func (r *Reporter) Acquire() pipeline.ExchangeState {
	e := r.pool.Get()
	e.reset()
	return e
}

type entry struct {
	r *Reporter

	start   time.Time
	request string
	status  int
	in, out uint64
	err     error
}

func (e *entry) reset() {
	e.start = now()
	e.request = ""
	e.status = 0
	e.in, e.out = 0, 0
	e.err = nil
}

func (e *entry) Request(head *part.Head) { e.request = head.String() }
func (e *entry) Response(head *part.Head) { e.status = head.Status }
func (e *entry) BodyIn(n int)             { e.in += uint64(n) }
func (e *entry) BodyOut(n int)            { e.out += uint64(n) }
func (e *entry) Error(err error)          { e.err = err }

func (e *entry) End() {
	fields := []zap.Field{
		zap.String("request", e.request),
		zap.Int("status", e.status),
		zap.Duration("duration", now().Sub(e.start)),
		zap.String("in", humanize.Bytes(e.in)),
		zap.String("out", humanize.Bytes(e.out)),
	}
	if e.err != nil {
		e.r.log.Warn("exchange failed", append(fields, zap.Error(e.err))...)
	} else {
		e.r.log.Info("exchange", fields...)
	}
	e.r.pool.Put(e)
}
