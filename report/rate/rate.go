// Package rate periodically logs exchange throughput.
package rate

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/utils/pool"
)

type counters struct {
	req, ok, nook uint64
	in, out       uint64
}

func (c counters) sub(o counters) counters {
	return counters{c.req - o.req, c.ok - o.ok, c.nook - o.nook, c.in - o.in, c.out - o.out}
}

type Reporter struct {
	log      *zap.Logger
	interval time.Duration
	pool     *pool.Pool[*exchangeState]
	closeCh  chan struct{}

	start time.Time
	req   atomic.Uint64
	ok    atomic.Uint64
	nook  atomic.Uint64
	in    atomic.Uint64
	out   atomic.Uint64

	last     counters
	lastTime time.Time
}

func New(log *zap.Logger, interval time.Duration) *Reporter {
	now := time.Now()
	r := &Reporter{
		log:      log.Named("rate"),
		interval: interval,
		closeCh:  make(chan struct{}),
		start:    now,
		lastTime: now,
	}
	r.pool = pool.New(128, func() *exchangeState { return &exchangeState{r: r} })
	return r
}

func (r *Reporter) Run() error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	defer r.total()
	for {
		select {
		case now := <-t.C:
			r.report(now)
		case <-r.closeCh:
			return nil
		}
	}
}

func (r *Reporter) Close() error {
	close(r.closeCh)
	return nil
}

func (r *Reporter) Acquire() pipeline.ExchangeState {
	r.req.Add(1)
	s := r.pool.Get()
	s.failed = false
	return s
}

func (r *Reporter) accept(s *exchangeState) {
	if s.failed {
		r.nook.Add(1)
	} else {
		r.ok.Add(1)
	}
	r.pool.Put(s)
}

func (r *Reporter) load() counters {
	return counters{r.req.Load(), r.ok.Load(), r.nook.Load(), r.in.Load(), r.out.Load()}
}

func (r *Reporter) write(msg string, c counters, d time.Duration) {
	fields := []zap.Field{
		zap.Uint64("total", c.ok+c.nook),
		zap.Uint64("ok", c.ok),
		zap.Uint64("nook", c.nook),
		zap.Uint64("req", c.req),
	}
	if ms := uint64(d.Milliseconds()); ms > 0 {
		fields = append(fields,
			zap.String("in", humanize.Bytes(c.in*1000/ms)+"/s"),
			zap.String("out", humanize.Bytes(c.out*1000/ms)+"/s"),
			zap.Float64("req/s", float64(c.req)*1000/float64(ms)),
		)
	}
	r.log.Info(msg, fields...)
}

func (r *Reporter) total() {
	r.write("total", r.load(), time.Since(r.start))
}

func (r *Reporter) report(now time.Time) {
	cur := r.load()
	r.write("rate", cur.sub(r.last), now.Sub(r.lastTime))
	r.last, r.lastTime = cur, now
}

type exchangeState struct {
	r      *Reporter
	failed bool
}

func (s *exchangeState) Request(*part.Head) {}

func (s *exchangeState) Response(head *part.Head) {
	if head.Status >= 500 {
		s.failed = true
	}
}

func (s *exchangeState) BodyIn(n int)  { s.r.in.Add(uint64(n)) }
func (s *exchangeState) BodyOut(n int) { s.r.out.Add(uint64(n)) }
func (s *exchangeState) Error(error)   { s.failed = true }
func (s *exchangeState) End()          { s.r.accept(s) }
