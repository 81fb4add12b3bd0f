package pipeline

import (
	"errors"

	"github.com/ozontech/duplex/part"
)

var (
	ErrWriterClosed  = errors.New("pipeline: response writer used after exchange completed")
	ErrBodyReclaimed = errors.New("pipeline: request body used after exchange completed")
	ErrResponseOrder = errors.New("pipeline: response parts out of order")
)

// UnexpectedPartError means the inbound parts broke the Head, Body*, End grammar.
type UnexpectedPartError struct {
	State State
	Part  part.Part
}

func (e *UnexpectedPartError) Error() string {
	return "pipeline: unexpected " + e.Part.String() + " while in " + e.State.String()
}

// TransportError wraps a read or write failure of the channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "pipeline: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

func IsTransportError(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}
