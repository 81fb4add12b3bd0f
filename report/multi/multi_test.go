package multi_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
	"github.com/ozontech/duplex/report/multi"
	"github.com/ozontech/duplex/report/noop"
)

type recorder struct {
	events []string
}

func (r *recorder) Acquire() pipeline.ExchangeState { return r }

func (r *recorder) Request(h *part.Head)  { r.events = append(r.events, "request "+h.Target) }
func (r *recorder) Response(h *part.Head) { r.events = append(r.events, "response") }
func (r *recorder) BodyIn(n int)          { r.events = append(r.events, "in") }
func (r *recorder) BodyOut(n int)         { r.events = append(r.events, "out") }
func (r *recorder) Error(err error)       { r.events = append(r.events, "error "+err.Error()) }
func (r *recorder) End()                  { r.events = append(r.events, "end") }

func TestFanOut(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r1, r2 := new(recorder), new(recorder)
	m := multi.New(r1, r2)

	for i := 0; i < 2; i++ {
		st := m.Acquire()
		st.Request(&part.Head{Method: "GET", Target: "/"})
		st.BodyIn(1)
		st.Response(&part.Head{Status: 200})
		st.BodyOut(2)
		st.Error(errors.New("boom"))
		st.End()
	}

	want := []string{"request /", "in", "response", "out", "error boom", "end"}
	want = append(want, want...)
	a.Equal(want, r1.events)
	a.Equal(want, r2.events)
}

func TestRunClose(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	m := multi.New(noop.New(), new(recorder), noop.New())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run() }()

	a.NoError(m.Close())
	select {
	case err := <-errCh:
		a.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}
