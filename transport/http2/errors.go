package http2

import (
	"errors"

	"golang.org/x/net/http2"
)

var (
	errBadPreface   = errors.New("http2: bad client preface")
	errStreamClosed = errors.New("http2: stream closed")
)

// GoAwayError is returned by ServerConn.Serve when the peer went away with an error code.
type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}

// RSTStreamError ends a stream reset by the peer.
type RSTStreamError struct {
	Code http2.ErrCode
}

func (e RSTStreamError) Error() string {
	return "rst stream: " + e.Code.String()
}
