// Package prom exports exchange metrics to prometheus.
package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
)

const namespace = "duplex"

const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeNoResponse = "no_response"
)

type Reporter struct {
	exchanges *prometheus.CounterVec
	inFlight  prometheus.Gauge
	duration  *prometheus.HistogramVec
	bodyBytes *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Reporter {
	r := &Reporter{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "total",
				Help:      "Completed exchanges.",
			},
			[]string{"method", "status", "outcome"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "in_flight",
				Help:      "Exchanges being handled.",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "duration_seconds",
				Help:      "Exchange duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		bodyBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "body_bytes_total",
				Help:      "Body bytes by direction.",
			},
			[]string{"direction"},
		),
	}
	reg.MustRegister(r.exchanges, r.inFlight, r.duration, r.bodyBytes)
	return r
}

func (r *Reporter) Acquire() pipeline.ExchangeState {
	r.inFlight.Inc()
	return &state{
		r:     r,
		start: time.Now(),
		in:    r.bodyBytes.WithLabelValues("in"),
		out:   r.bodyBytes.WithLabelValues("out"),
	}
}

type state struct {
	r       *Reporter
	start   time.Time
	in, out prometheus.Counter

	method string
	status int
	failed bool
}

func (s *state) Request(head *part.Head)  { s.method = methodLabel(head.Method) }
func (s *state) Response(head *part.Head) { s.status = head.Status }
func (s *state) BodyIn(n int)             { s.in.Add(float64(n)) }
func (s *state) BodyOut(n int)            { s.out.Add(float64(n)) }
func (s *state) Error(error)              { s.failed = true }

func (s *state) End() {
	s.r.inFlight.Dec()

	outcome := OutcomeOK
	switch {
	case s.failed:
		outcome = OutcomeError
	case s.status == 0:
		outcome = OutcomeNoResponse
	}
	status := "none"
	if s.status != 0 {
		status = strconv.Itoa(s.status)
	}
	s.r.exchanges.WithLabelValues(s.method, status, outcome).Inc()
	s.r.duration.WithLabelValues(s.method).Observe(time.Since(s.start).Seconds())
}

// methodLabel keeps the label cardinality bounded.
func methodLabel(m string) string {
	switch m {
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "CONNECT", "TRACE":
		return m
	default:
		return "OTHER"
	}
}
