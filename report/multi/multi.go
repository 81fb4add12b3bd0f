package multi

import (
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/utils/pool"
)

// Runner is implemented by reporters with a background loop.
type Runner interface {
	Run() error
	Close() error
}

// Multi fans exchange events out to every nested reporter.
type Multi struct {
	nested []pipeline.Reporter
	pool   *pool.Pool[*multiState]
}

func New(nested ...pipeline.Reporter) *Multi {
	m := &Multi{nested: nested}
	m.pool = pool.New(128, func() *multiState {
		return &multiState{m: m, states: make([]pipeline.ExchangeState, len(nested))}
	})
	return m
}

// Run runs the nested reporters implementing Runner until they return.
func (m *Multi) Run() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		if r, ok := r.(Runner); ok {
			g.Go(r.Run)
		}
	}
	return g.Wait()
}

func (m *Multi) Close() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		if r, ok := r.(Runner); ok {
			g.Go(r.Close)
		}
	}
	return g.Wait()
}

func (m *Multi) Acquire() pipeline.ExchangeState {
	ms := m.pool.Get()
	for i, r := range m.nested {
		ms.states[i] = r.Acquire()
	}
	return ms
}

type multiState struct {
	m      *Multi
	states []pipeline.ExchangeState
}

func (s *multiState) Request(head *part.Head) {
	for _, st := range s.states {
		st.Request(head)
	}
}

func (s *multiState) Response(head *part.Head) {
	for _, st := range s.states {
		st.Response(head)
	}
}

func (s *multiState) BodyIn(n int) {
	for _, st := range s.states {
		st.BodyIn(n)
	}
}

func (s *multiState) BodyOut(n int) {
	for _, st := range s.states {
		st.BodyOut(n)
	}
}

func (s *multiState) Error(err error) {
	for _, st := range s.states {
		st.Error(err)
	}
}

func (s *multiState) End() {
	for i, st := range s.states {
		st.End()
		s.states[i] = nil
	}
	s.m.pool.Put(s)
}
