package noop

import (
	"github.com/ozontech/duplex/part"
	"github.com/ozontech/duplex/pipeline"
)

type Noop struct {
	close chan struct{}
}

func New() *Noop {
	return &Noop{make(chan struct{})}
}

func (n *Noop) Run() error {
	<-n.close
	return nil
}

func (n *Noop) Close() error {
	close(n.close)
	return nil
}

func (n *Noop) Acquire() pipeline.ExchangeState {
	return noopState{}
}

type noopState struct{}

func (noopState) Request(*part.Head)  {}
func (noopState) Response(*part.Head) {}
func (noopState) BodyIn(int)          {}
func (noopState) BodyOut(int)         {}
func (noopState) Error(error)         {}
func (noopState) End()                {}
